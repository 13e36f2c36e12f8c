package relay

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/grandcat/zeroconf"
)

const (
	ServiceType = "_codelive._tcp"
	domain      = "local."
)

// Endpoint is a relay found on the local network.
type Endpoint struct {
	Instance string
	Host     string
	Port     int
}

// URL returns the websocket address of the relay.
func (e Endpoint) URL() string {
	return fmt.Sprintf("ws://%s:%d/ws", e.Host, e.Port)
}

// Advertise registers the relay on the local network. Shut the returned
// server down to withdraw it.
func Advertise(port int) (*zeroconf.Server, error) {
	host, _ := os.Hostname()
	server, err := zeroconf.Register(
		fmt.Sprintf("%s-%s", "codelive", host),
		ServiceType,
		domain,
		port,
		[]string{"txtv=0", "path=/ws"},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("relay: register mDNS service: %w", err)
	}
	glog.Infof("[discovery]mDNS service registered: %s on port %d\n", ServiceType, port)
	return server, nil
}

// Discover browses for relays until ctx is done.
func Discover(ctx context.Context) ([]Endpoint, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("relay: initialize mDNS resolver: %w", err)
	}
	entries := make(chan *zeroconf.ServiceEntry)
	var (
		mu  sync.Mutex
		out []Endpoint
	)
	finished := make(chan struct{})
	go func(results <-chan *zeroconf.ServiceEntry) {
		defer close(finished)
		for entry := range results {
			e, ok := endpointOf(entry)
			if !ok {
				continue
			}
			glog.V(1).Infof("[discovery]found %s at %s\n", e.Instance, e.URL())
			mu.Lock()
			out = append(out, e)
			mu.Unlock()
		}
	}(entries)

	if err := resolver.Browse(ctx, ServiceType, domain, entries); err != nil {
		return nil, fmt.Errorf("relay: browse for mDNS services: %w", err)
	}
	<-ctx.Done()
	select {
	case <-finished:
	case <-time.After(time.Second):
	}
	mu.Lock()
	defer mu.Unlock()
	return append([]Endpoint(nil), out...), nil
}

func endpointOf(entry *zeroconf.ServiceEntry) (Endpoint, bool) {
	e := Endpoint{Instance: entry.Instance, Port: entry.Port}
	switch {
	case len(entry.AddrIPv4) > 0:
		e.Host = entry.AddrIPv4[0].String()
	case len(entry.AddrIPv6) > 0:
		e.Host = "[" + entry.AddrIPv6[0].String() + "]"
	case entry.HostName != "":
		e.Host = strings.TrimSuffix(entry.HostName, ".")
	default:
		return e, false
	}
	return e, true
}
