package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"collabtext/codelive/wire"
)

const (
	relayDialRetries  = 5
	relayWriteTimeout = 10 * time.Second
)

// Relay connects to a codelive relay over a websocket.
type Relay struct {
	url string

	wmu  sync.Mutex
	conn *websocket.Conn

	mu       sync.Mutex
	handlers map[string]Handler
	id       string
	closing  bool
}

// NewRelay returns a client for the relay websocket endpoint at url,
// for example "ws://localhost:8081/ws".
func NewRelay(url string) *Relay {
	return &Relay{
		url:      url,
		handlers: map[string]Handler{},
	}
}

// ID returns the connection id assigned by the relay.
func (r *Relay) ID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.id
}

func (r *Relay) Connect(ctx context.Context, will *Will) error {
	var conn *websocket.Conn
	dial := func() error {
		c, _, err := websocket.DefaultDialer.DialContext(ctx, r.url, nil)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), relayDialRetries), ctx)
	err := backoff.RetryNotify(dial, b, func(err error, next time.Duration) {
		glog.Warningf("[relay]dial %s: %s (retry in %s)\n", r.url, err, next)
	})
	if err != nil {
		return fmt.Errorf("transport: dial %s: %w", r.url, err)
	}

	hello := wire.Frame{Op: wire.FrameConnect}
	if will != nil {
		hello.Will = &wire.WillFrame{Topic: will.Topic, Payload: will.Payload}
	}
	if err := writeFrame(conn, hello, deadline(ctx)); err != nil {
		conn.Close()
		return err
	}
	conn.SetReadDeadline(deadline(ctx))
	var ack wire.Frame
	if err := conn.ReadJSON(&ack); err != nil {
		conn.Close()
		return fmt.Errorf("transport: relay handshake: %w", err)
	}
	if ack.Op != wire.FrameConnAck {
		conn.Close()
		return fmt.Errorf("transport: relay refused connection: %s", ack.Error)
	}
	conn.SetReadDeadline(time.Time{})
	glog.V(1).Infof("[relay]connected to %s as %s\n", r.url, ack.ID)

	r.wmu.Lock()
	r.conn = conn
	r.wmu.Unlock()
	r.mu.Lock()
	r.id = ack.ID
	r.mu.Unlock()
	go r.readLoop(conn)
	return nil
}

func (r *Relay) Publish(ctx context.Context, topic string, payload []byte, retained bool) error {
	return r.send(ctx, wire.Frame{Op: wire.FramePublish, Topic: topic, Payload: payload, Retained: retained})
}

func (r *Relay) Subscribe(ctx context.Context, topic string, h Handler) error {
	r.mu.Lock()
	r.handlers[topic] = h
	r.mu.Unlock()
	return r.send(ctx, wire.Frame{Op: wire.FrameSubscribe, Topic: topic})
}

func (r *Relay) Unsubscribe(ctx context.Context, topic string) error {
	r.mu.Lock()
	delete(r.handlers, topic)
	r.mu.Unlock()
	return r.send(ctx, wire.Frame{Op: wire.FrameUnsubscribe, Topic: topic})
}

func (r *Relay) Close() error {
	r.mu.Lock()
	r.closing = true
	r.mu.Unlock()

	r.wmu.Lock()
	defer r.wmu.Unlock()
	if r.conn == nil {
		return nil
	}
	conn := r.conn
	r.conn = nil
	writeFrame(conn, wire.Frame{Op: wire.FrameDisconnect}, time.Now().Add(relayWriteTimeout))
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return conn.Close()
}

func (r *Relay) send(ctx context.Context, f wire.Frame) error {
	r.wmu.Lock()
	defer r.wmu.Unlock()
	if r.conn == nil {
		return ErrNotConnected
	}
	return writeFrame(r.conn, f, deadline(ctx))
}

func (r *Relay) readLoop(conn *websocket.Conn) {
	for {
		_, b, err := conn.ReadMessage()
		if err != nil {
			r.mu.Lock()
			closing := r.closing
			r.mu.Unlock()
			if !closing {
				glog.Warningf("[relay]read: %s\n", err)
			}
			return
		}
		var f wire.Frame
		if err := json.Unmarshal(b, &f); err != nil {
			glog.Warningf("[relay]bad frame: %s\n", err)
			continue
		}
		switch f.Op {
		case wire.FrameMessage:
			r.mu.Lock()
			h := r.handlers[f.Topic]
			r.mu.Unlock()
			if h != nil {
				h(Message{Topic: f.Topic, Payload: f.Payload, Retained: f.Retained})
			}
		case wire.FrameError:
			glog.Warningf("[relay]%s\n", f.Error)
		}
	}
}

func writeFrame(conn *websocket.Conn, f wire.Frame, until time.Time) error {
	conn.SetWriteDeadline(until)
	return conn.WriteJSON(f)
}

func deadline(ctx context.Context) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return time.Now().Add(relayWriteTimeout)
}
