package relay

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"
	"github.com/grandcat/zeroconf"

	"collabtext/codelive/docsync"
	"collabtext/codelive/session"
	"collabtext/codelive/transport"
	"collabtext/codelive/wire"
)

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	end := time.Now().Add(3 * time.Second)
	for time.Now().Before(end) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met")
}

type inbox struct {
	mu       sync.Mutex
	payloads []string
	retained []bool
}

func (i *inbox) handle(m transport.Message) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.payloads = append(i.payloads, string(m.Payload))
	i.retained = append(i.retained, m.Retained)
}

func (i *inbox) got() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]string(nil), i.payloads...)
}

// start runs a relay on a test server and returns its websocket URL.
func start(t *testing.T, store Store) (string, *httptest.Server) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub(store, nil)
	go hub.Run(ctx)
	srv := httptest.NewServer(NewServer(hub))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws", srv
}

func dial(t *testing.T, url string, will *transport.Will) *transport.Relay {
	t.Helper()
	r := transport.NewRelay(url)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	assert.Equal(t, r.Connect(ctx, will), nil)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestHealth(t *testing.T) {
	_, srv := start(t, nil)
	resp, err := http.Get(srv.URL + "/healthz")
	assert.Equal(t, err, nil)
	defer resp.Body.Close()
	assert.Equal(t, resp.StatusCode, http.StatusOK)
}

func TestPublishSubscribe(t *testing.T) {
	url, _ := start(t, nil)
	ctx := context.Background()
	a := dial(t, url, nil)
	b := dial(t, url, nil)
	assert.NotEqual(t, a.ID(), "")
	assert.NotEqual(t, a.ID(), b.ID())

	in := &inbox{}
	assert.Equal(t, b.Subscribe(ctx, "room", in.handle), nil)
	// a publish from b after its subscribe is ordered behind it
	assert.Equal(t, b.Publish(ctx, "room", []byte("0"), false), nil)
	eventually(t, func() bool { return len(in.got()) == 1 })

	for _, p := range []string{"1", "2", "3"} {
		assert.Equal(t, a.Publish(ctx, "room", []byte(p), false), nil)
	}
	assert.Equal(t, a.Publish(ctx, "elsewhere", []byte("x"), false), nil)
	eventually(t, func() bool { return len(in.got()) == 4 })
	assert.Equal(t, in.got(), []string{"0", "1", "2", "3"})

	assert.Equal(t, b.Unsubscribe(ctx, "room"), nil)
	assert.Equal(t, b.Publish(ctx, "room", []byte("late"), false), nil)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, len(in.got()), 4)
}

func TestRetained(t *testing.T) {
	store, err := OpenBoltStore(filepath.Join(t.TempDir(), "relay.db"))
	assert.Equal(t, err, nil)
	defer store.Close()
	url, _ := start(t, store)
	ctx := context.Background()

	a := dial(t, url, nil)
	assert.Equal(t, a.Publish(ctx, "state", []byte("v1"), true), nil)
	assert.Equal(t, a.Publish(ctx, "state", []byte("v2"), true), nil)
	eventually(t, func() bool {
		v, ok, _ := store.Get(ctx, "state")
		return ok && string(v) == "v2"
	})

	b := dial(t, url, nil)
	in := &inbox{}
	assert.Equal(t, b.Subscribe(ctx, "state", in.handle), nil)
	eventually(t, func() bool { return len(in.got()) == 1 })
	assert.Equal(t, in.got(), []string{"v2"})
	in.mu.Lock()
	assert.Equal(t, in.retained[0], true)
	in.mu.Unlock()

	// empty retained payload clears
	assert.Equal(t, a.Publish(ctx, "state", nil, true), nil)
	eventually(t, func() bool {
		_, ok, _ := store.Get(ctx, "state")
		return !ok
	})
}

func TestWillOnUncleanDrop(t *testing.T) {
	url, _ := start(t, nil)
	ctx := context.Background()
	watcher := dial(t, url, nil)
	in := &inbox{}
	assert.Equal(t, watcher.Subscribe(ctx, "members", in.handle), nil)

	clean := dial(t, url, &transport.Will{Topic: "members", Payload: []byte("clean")})
	assert.Equal(t, clean.Close(), nil)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	assert.Equal(t, err, nil)
	err = conn.WriteJSON(wire.Frame{Op: wire.FrameConnect, Will: &wire.WillFrame{Topic: "members", Payload: []byte("gone")}})
	assert.Equal(t, err, nil)
	var ack wire.Frame
	assert.Equal(t, conn.ReadJSON(&ack), nil)
	assert.Equal(t, ack.Op, wire.FrameConnAck)
	conn.Close()

	eventually(t, func() bool { return len(in.got()) == 1 })
	assert.Equal(t, in.got(), []string{"gone"})
	in.mu.Lock()
	assert.Equal(t, in.retained[0], false)
	in.mu.Unlock()

	// wills are not replayed to later subscribers
	late := dial(t, url, nil)
	after := &inbox{}
	assert.Equal(t, late.Subscribe(ctx, "members", after.handle), nil)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, len(after.got()), 0)
}

func TestHandshakeRequired(t *testing.T) {
	url, _ := start(t, nil)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	assert.Equal(t, err, nil)
	defer conn.Close()
	assert.Equal(t, conn.WriteJSON(wire.Frame{Op: wire.FramePublish, Topic: "x"}), nil)
	var f wire.Frame
	assert.Equal(t, conn.ReadJSON(&f), nil)
	assert.Equal(t, f.Op, wire.FrameError)
}

func TestSessionOverRelay(t *testing.T) {
	url, _ := start(t, nil)
	ctx := context.Background()
	cfg := session.Config{
		Name:     "Host",
		Topic:    "green_green_red_blue:0042",
		Approver: session.AutoApprove(true),
	}
	h, err := session.Host(ctx, cfg, transport.NewRelay(url), session.Doc{Title: "main.py", Content: "x = 1"})
	assert.Equal(t, err, nil)
	defer h.Close()

	cfg.Name = "Kim"
	p, err := session.Join(ctx, cfg, transport.NewRelay(url))
	assert.Equal(t, err, nil)
	defer p.Close()

	assert.Equal(t, p.Site(), 1)
	assert.Equal(t, h.Docs().Insert(0, docsync.Location{Line: 1, Column: 5}, "0", docsync.Start), nil)
	eventually(t, func() bool {
		text, _ := p.Docs().Text(0)
		return text == "x = 10"
	})
}

func TestEndpointOf(t *testing.T) {
	entry := zeroconf.NewServiceEntry("codelive-box", ServiceType, "local.")
	entry.Port = 8081
	_, ok := endpointOf(entry)
	assert.Equal(t, ok, false)

	entry.AddrIPv4 = []net.IP{net.ParseIP("192.168.1.20")}
	e, ok := endpointOf(entry)
	assert.Equal(t, ok, true)
	assert.Equal(t, e.URL(), "ws://192.168.1.20:8081/ws")
}

// localBus stands in for redis between hubs of one process.
type localBus struct {
	mu   sync.Mutex
	subs []func(wire.Frame)
}

func (b *localBus) Publish(ctx context.Context, f wire.Frame) error {
	b.mu.Lock()
	subs := append(([]func(wire.Frame))(nil), b.subs...)
	b.mu.Unlock()
	for _, deliver := range subs {
		deliver(f)
	}
	return nil
}

func (b *localBus) Subscribe(ctx context.Context, deliver func(wire.Frame)) error {
	b.mu.Lock()
	b.subs = append(b.subs, deliver)
	b.mu.Unlock()
	<-ctx.Done()
	return nil
}

func (b *localBus) Close() error {
	return nil
}

func (b *localBus) size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func TestBusSharesTopicsAcrossRelays(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := &localBus{}
	var urls []string
	for i := 0; i < 2; i += 1 {
		hub := NewHub(nil, bus)
		go hub.Run(ctx)
		srv := httptest.NewServer(NewServer(hub))
		defer srv.Close()
		urls = append(urls, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws")
	}
	eventually(t, func() bool { return bus.size() == 2 })

	a := dial(t, urls[0], nil)
	b := dial(t, urls[1], nil)
	in := &inbox{}
	assert.Equal(t, a.Subscribe(ctx, "room", in.handle), nil)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, b.Publish(ctx, "room", []byte("hello"), false), nil)
	eventually(t, func() bool { return len(in.got()) == 1 })
	assert.Equal(t, in.got(), []string{"hello"})
}
