package transport

import (
	"context"
	"sync"

	"github.com/golang/glog"
)

// Broker is an in-process pub/sub broker. Every client gets its own
// delivery goroutine, so a slow handler only delays its own client.
type Broker struct {
	mu       sync.Mutex
	clients  map[*Memory]struct{}
	retained map[string][]byte
}

func NewBroker() *Broker {
	return &Broker{
		clients:  map[*Memory]struct{}{},
		retained: map[string][]byte{},
	}
}

// Client returns a new, unconnected client of the broker.
func (b *Broker) Client() *Memory {
	c := &Memory{
		broker:   b,
		handlers: map[string]Handler{},
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

func (b *Broker) publish(topic string, payload []byte, retained bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if retained {
		if len(payload) == 0 {
			delete(b.retained, topic)
		} else {
			b.retained[topic] = payload
		}
	}
	for c := range b.clients {
		c.deliver(Message{Topic: topic, Payload: payload}, false)
	}
}

// Memory is a Broker client.
type Memory struct {
	broker *Broker

	mu        sync.Mutex
	cond      *sync.Cond
	queue     []Message
	handlers  map[string]Handler
	will      *Will
	connected bool
	closed    bool
}

func (c *Memory) Connect(ctx context.Context, will *Will) error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.connected {
		return nil
	}
	c.will = will
	c.connected = true
	c.broker.clients[c] = struct{}{}
	go c.run()
	return nil
}

func (c *Memory) Publish(ctx context.Context, topic string, payload []byte, retained bool) error {
	if err := c.check(); err != nil {
		return err
	}
	c.broker.publish(topic, payload, retained)
	return nil
}

func (c *Memory) Subscribe(ctx context.Context, topic string, h Handler) error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if err := c.check(); err != nil {
		return err
	}
	c.mu.Lock()
	c.handlers[topic] = h
	c.mu.Unlock()
	if payload, ok := c.broker.retained[topic]; ok {
		c.deliver(Message{Topic: topic, Payload: payload, Retained: true}, true)
	}
	return nil
}

func (c *Memory) Unsubscribe(ctx context.Context, topic string) error {
	if err := c.check(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, topic)
	return nil
}

func (c *Memory) Close() error {
	c.disconnect()
	return nil
}

// Kill drops the client as if its network went away: the will, if any, is
// published to the remaining clients.
func (c *Memory) Kill() {
	c.mu.Lock()
	will := c.will
	c.mu.Unlock()
	if !c.disconnect() {
		return
	}
	if will != nil {
		glog.V(2).Infof("[memory]will on %s\n", will.Topic)
		c.broker.publish(will.Topic, will.Payload, false)
	}
}

func (c *Memory) check() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if !c.connected {
		return ErrNotConnected
	}
	return nil
}

func (c *Memory) disconnect() bool {
	c.broker.mu.Lock()
	delete(c.broker.clients, c)
	c.broker.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	c.cond.Broadcast()
	return true
}

// deliver queues msg if the client subscribes to its topic. Called with the
// broker lock held, which fixes one global delivery order.
func (c *Memory) deliver(msg Message, subscribed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if _, ok := c.handlers[msg.Topic]; !ok && !subscribed {
		return
	}
	c.queue = append(c.queue, msg)
	c.cond.Signal()
}

func (c *Memory) run() {
	for {
		c.mu.Lock()
		for len(c.queue) == 0 && !c.closed {
			c.cond.Wait()
		}
		if c.closed {
			c.mu.Unlock()
			return
		}
		msg := c.queue[0]
		c.queue = c.queue[1:]
		h := c.handlers[msg.Topic]
		c.mu.Unlock()

		if h != nil {
			h(msg)
		}
	}
}
