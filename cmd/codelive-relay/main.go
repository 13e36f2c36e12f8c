package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"

	"collabtext/codelive/config"
	"collabtext/codelive/relay"
)

const RelayVersion = "0.1.0"

func main() {
	usage := `Websocket relay for codelive sessions.

Retained messages are kept in postgres when a database url is set, else in
bolt when a bolt path is set, else in memory. Set a redis address to share
topics between several relays.

Usage:
    codelive-relay [--config=<config>] [--addr=<addr>] [--advertise]

Options:
    -h --help            Show this screen.
    --version            Show version.
    --config=<config>    YAML config file [default: codelive.yaml].
    --addr=<addr>        Listen address.
    --advertise          Announce the relay with mDNS.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], RelayVersion)
	if err != nil {
		panic(err)
	}

	path, _ := opts.String("--config")
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(2)
	}
	if v, err := opts.String("--addr"); err == nil && v != "" {
		cfg.Relay.Addr = v
	}
	if advertise, _ := opts.Bool("--advertise"); advertise {
		cfg.Relay.Advertise = true
	}

	flag.Set("logtostderr", "true")
	flag.Set("v", strconv.Itoa(cfg.Log.Verbosity))
	flag.CommandLine.Parse(nil)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store, err := openStore(ctx, cfg.Relay)
	if err != nil {
		glog.Fatalf("Unable to open retained store: %v", err)
	}
	defer store.Close()

	var bus relay.Bus
	if cfg.Relay.RedisAddr != "" {
		redisBus, err := relay.NewRedisBus(ctx, cfg.Relay.RedisAddr)
		if err != nil {
			glog.Fatalf("Could not connect to Redis: %v", err)
		}
		defer redisBus.Close()
		glog.Infof("[relay]connected to redis at %s\n", cfg.Relay.RedisAddr)
		bus = redisBus
	}

	hub := relay.NewHub(store, bus)
	go hub.Run(ctx)

	if cfg.Relay.Advertise {
		_, portStr, err := net.SplitHostPort(cfg.Relay.Addr)
		if err != nil {
			glog.Fatalf("Bad listen address %s: %v", cfg.Relay.Addr, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			glog.Fatalf("Bad listen port %s: %v", portStr, err)
		}
		server, err := relay.Advertise(port)
		if err != nil {
			glog.Errorf("[relay]%s\n", err)
		} else {
			defer server.Shutdown()
		}
	}

	srv := &http.Server{
		Addr:    cfg.Relay.Addr,
		Handler: relay.NewServer(hub),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		srv.Shutdown(shutdownCtx)
	}()

	glog.Infof("[relay]codelive relay starting on %s\n", cfg.Relay.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		glog.Fatalf("Failed to start server: %v", err)
	}
}

func openStore(ctx context.Context, cfg config.RelayConfig) (relay.Store, error) {
	switch {
	case cfg.DatabaseURL != "":
		glog.Infof("[relay]retaining messages in postgres\n")
		return relay.OpenPostgresStore(ctx, cfg.DatabaseURL)
	case cfg.BoltPath != "":
		glog.Infof("[relay]retaining messages in %s\n", cfg.BoltPath)
		return relay.OpenBoltStore(cfg.BoltPath)
	default:
		return relay.NewMemoryStore(), nil
	}
}
