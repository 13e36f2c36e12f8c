// Package transport is the pub/sub link between a participant and the rest
// of a session. Delivery is at-least-once and ordered per topic and sender.
package transport

import (
	"context"
	"errors"
)

var (
	ErrClosed       = errors.New("transport: closed")
	ErrNotConnected = errors.New("transport: not connected")
)

// Message is one delivery on a topic.
type Message struct {
	Topic    string
	Payload  []byte
	Retained bool
}

// Handler receives deliveries for a subscription. Handlers run on the
// transport's goroutine and must not block.
type Handler func(Message)

// Will is published on the participant's behalf when its connection is
// lost without a clean Close.
type Will struct {
	Topic   string
	Payload []byte
}

type Transport interface {
	// Connect registers will (which may be nil) and opens the connection.
	Connect(ctx context.Context, will *Will) error
	Publish(ctx context.Context, topic string, payload []byte, retained bool) error
	// Subscribe delivers every later message on topic, plus the retained
	// one if any, to h. A second Subscribe on the same topic replaces h.
	Subscribe(ctx context.Context, topic string, h Handler) error
	Unsubscribe(ctx context.Context, topic string) error
	// Close disconnects cleanly. The will is not published.
	Close() error
}
