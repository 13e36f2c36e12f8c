package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"

	"collabtext/codelive/config"
	"collabtext/codelive/crdt"
	"collabtext/codelive/relay"
	"collabtext/codelive/session"
	"collabtext/codelive/transport"
	"collabtext/codelive/wire"
)

const CodeliveVersion = "0.1.0"

func main() {
	usage := fmt.Sprintf(
		`Live collaborative editing over pub/sub.

The default broker is %s.

Usage:
    codelive host [--config=<config>] [--name=<name>] [--topic=<topic>]
        [--transport=<transport>] [--url=<url>] [<file>...]
    codelive join <topic> [--config=<config>] [--name=<name>]
        [--transport=<transport>] [--url=<url>]
    codelive discover [--timeout=<timeout>]
    codelive config

Options:
    -h --help                  Show this screen.
    --version                  Show version.
    --config=<config>          YAML config file [default: codelive.yaml].
    --name=<name>              Display name.
    --topic=<topic>            Session name. Generated when omitted.
    --transport=<transport>    mqtt or relay.
    --url=<url>                Broker or relay url.
    --timeout=<timeout>        How long to browse, with time units [default: 5s].`,
		config.DefaultBroker,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CodeliveVersion)
	if err != nil {
		panic(err)
	}

	if config_, _ := opts.Bool("config"); config_ {
		fmt.Print(config.DefaultYAML())
		return
	}
	if discover_, _ := opts.Bool("discover"); discover_ {
		discover(opts)
		return
	}

	cfg := loadConfig(opts)
	if host_, _ := opts.Bool("host"); host_ {
		host(cfg, opts)
	} else if join_, _ := opts.Bool("join"); join_ {
		join(cfg, opts)
	}
}

func loadConfig(opts docopt.Opts) config.Config {
	path, _ := opts.String("--config")
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(2)
	}
	if v, err := opts.String("--name"); err == nil && v != "" {
		cfg.Name = v
	}
	if v, err := opts.String("--topic"); err == nil && v != "" {
		cfg.Topic = v
	}
	if v, err := opts.String("--transport"); err == nil && v != "" {
		cfg.Transport.Kind = v
	}
	if v, err := opts.String("--url"); err == nil && v != "" {
		cfg.Transport.URL = v
	}
	if cfg.Name == "" {
		cfg.Name, _ = os.Hostname()
	}

	flag.Set("logtostderr", "true")
	flag.Set("v", strconv.Itoa(cfg.Log.Verbosity))
	flag.CommandLine.Parse(nil)
	return cfg
}

func dial(cfg config.Config) transport.Transport {
	switch cfg.Transport.Kind {
	case config.TransportRelay:
		return transport.NewRelay(cfg.Transport.URL)
	default:
		return transport.NewMQTT(cfg.Transport.URL, "codelive-"+ulid.Make().String(), byte(cfg.Transport.QoS))
	}
}

func sessionConfig(cfg config.Config, c *console) session.Config {
	var approver session.Approver = c
	if cfg.Handoff.AutoApprove {
		approver = session.AutoApprove(true)
	}
	return session.Config{
		Name:           cfg.Name,
		Topic:          cfg.Topic,
		JoinTimeout:    cfg.Join.Timeout,
		JoinRetries:    cfg.Join.Retries,
		HandoffTimeout: cfg.Handoff.Timeout,
		Approver:       approver,
		ResyncDelay:    cfg.Sync.ResyncDelay,
		CRDT: []crdt.Option{
			crdt.WithBoundary(cfg.Allocator.Boundary),
			crdt.WithBaseBits(cfg.Allocator.BaseBits),
		},
		Listener: c,
	}
}

func host(cfg config.Config, opts docopt.Opts) {
	if cfg.Topic == "" {
		cfg.Topic = wire.GenerateTopic(rand.New(rand.NewSource(time.Now().UnixNano())))
	}
	var docs []session.Doc
	if files, ok := opts["<file>"].([]string); ok {
		for _, path := range files {
			content, err := os.ReadFile(path)
			if err != nil {
				fmt.Fprintf(os.Stderr, "%s\n", err)
				os.Exit(1)
			}
			docs = append(docs, session.Doc{Title: filepath.Base(path), Content: string(content)})
		}
	}
	if len(docs) == 0 {
		docs = append(docs, session.Doc{Title: "untitled"})
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	c := newConsole(os.Stdin, os.Stdout)
	s, err := session.Host(ctx, sessionConfig(cfg, c), dial(cfg), docs...)
	if err != nil {
		glog.Fatalf("Could not host session: %v", err)
	}
	fmt.Printf("Hosting %s. Others can join with:\n    codelive join %s\n", s.Topic(), s.Topic())
	c.run(ctx, s)
}

func join(cfg config.Config, opts docopt.Opts) {
	cfg.Topic, _ = opts.String("<topic>")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	c := newConsole(os.Stdin, os.Stdout)
	s, err := session.Join(ctx, sessionConfig(cfg, c), dial(cfg))
	if err != nil {
		glog.Fatalf("Could not join %s: %v", cfg.Topic, err)
	}
	fmt.Printf("Joined %s as %s.\n", s.Topic(), s.Name())
	c.run(ctx, s)
}

func discover(opts docopt.Opts) {
	timeout := 5 * time.Second
	if v, err := opts.String("--timeout"); err == nil {
		if d, err := time.ParseDuration(v); err == nil {
			timeout = d
		}
	}
	flag.Set("logtostderr", "true")
	flag.CommandLine.Parse(nil)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	endpoints, err := relay.Discover(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
	if len(endpoints) == 0 {
		fmt.Println("No relays found.")
		return
	}
	for _, e := range endpoints {
		fmt.Printf("%s\t%s\n", e.Instance, e.URL())
	}
}
