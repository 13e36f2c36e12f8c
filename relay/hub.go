package relay

import (
	"context"
	"encoding/json"
	"time"

	"github.com/golang/glog"

	"collabtext/codelive/wire"
)

const storeTimeout = 5 * time.Second

type subscription struct {
	client *Client
	topic  string
}

// Hub maintains the set of active clients and their topics and routes
// published messages to subscribers.
type Hub struct {
	clients map[*Client]bool
	topics  map[string]map[*Client]bool

	register    chan *Client
	unregister  chan *Client
	subscribe   chan subscription
	unsubscribe chan subscription
	publish     chan wire.Frame
	// deliveries coming back from the bus
	inbound chan wire.Frame

	store Store
	bus   Bus
	done  chan struct{}
}

// NewHub returns a hub keeping retained messages in store. With a non-nil
// bus, publications are routed through it so several relays share topics.
func NewHub(store Store, bus Bus) *Hub {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Hub{
		clients:     make(map[*Client]bool),
		topics:      make(map[string]map[*Client]bool),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		subscribe:   make(chan subscription),
		unsubscribe: make(chan subscription),
		publish:     make(chan wire.Frame),
		inbound:     make(chan wire.Frame, 64),
		store:       store,
		bus:         bus,
		done:        make(chan struct{}),
	}
}

// Run routes messages until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	if h.bus != nil {
		go func() {
			err := h.bus.Subscribe(ctx, func(f wire.Frame) {
				select {
				case h.inbound <- f:
				case <-ctx.Done():
				}
			})
			if err != nil && ctx.Err() == nil {
				glog.Errorf("[hub]bus: %s\n", err)
			}
		}()
	}
	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				close(client.send)
			}
			return
		case client := <-h.register:
			h.clients[client] = true
			glog.V(1).Infof("[hub]client %s registered. Total clients: %d\n", client.id, len(h.clients))
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				h.drop(client)
				glog.V(1).Infof("[hub]client %s unregistered. Total clients: %d\n", client.id, len(h.clients))
			}
		case sub := <-h.subscribe:
			if !h.clients[sub.client] {
				continue
			}
			subs, ok := h.topics[sub.topic]
			if !ok {
				subs = make(map[*Client]bool)
				h.topics[sub.topic] = subs
			}
			subs[sub.client] = true
			h.sendRetained(ctx, sub)
		case sub := <-h.unsubscribe:
			if subs, ok := h.topics[sub.topic]; ok {
				delete(subs, sub.client)
				if len(subs) == 0 {
					delete(h.topics, sub.topic)
				}
			}
		case f := <-h.publish:
			h.retain(ctx, f)
			if h.bus != nil {
				if err := h.bus.Publish(ctx, f); err != nil {
					glog.Warningf("[hub]bus publish %s: %s\n", f.Topic, err)
				}
				continue
			}
			h.deliver(f)
		case f := <-h.inbound:
			h.deliver(f)
		}
	}
}

// Publish queues a publication as if a client had sent it.
func (h *Hub) Publish(topic string, payload []byte, retained bool) {
	select {
	case h.publish <- wire.Frame{Op: wire.FramePublish, Topic: topic, Payload: payload, Retained: retained}:
	case <-h.done:
	}
}

func (h *Hub) deliver(f wire.Frame) {
	b, err := json.Marshal(wire.Frame{Op: wire.FrameMessage, Topic: f.Topic, Payload: f.Payload})
	if err != nil {
		glog.Errorf("[hub]encode message: %s\n", err)
		return
	}
	for client := range h.topics[f.Topic] {
		select {
		case client.send <- b:
		default:
			glog.Warningf("[hub]client %s is not keeping up, dropping it\n", client.id)
			h.drop(client)
		}
	}
}

func (h *Hub) drop(client *Client) {
	delete(h.clients, client)
	for topic, subs := range h.topics {
		delete(subs, client)
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
	close(client.send)
}

func (h *Hub) retain(ctx context.Context, f wire.Frame) {
	if !f.Retained {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	var err error
	if len(f.Payload) == 0 {
		err = h.store.Delete(ctx, f.Topic)
	} else {
		err = h.store.Put(ctx, f.Topic, f.Payload)
	}
	if err != nil {
		glog.Warningf("[hub]retain %s: %s\n", f.Topic, err)
	}
}

func (h *Hub) sendRetained(ctx context.Context, sub subscription) {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	payload, ok, err := h.store.Get(ctx, sub.topic)
	if err != nil {
		glog.Warningf("[hub]retained %s: %s\n", sub.topic, err)
		return
	}
	if !ok {
		return
	}
	b, err := json.Marshal(wire.Frame{Op: wire.FrameMessage, Topic: sub.topic, Payload: payload, Retained: true})
	if err != nil {
		return
	}
	select {
	case sub.client.send <- b:
	default:
		h.drop(sub.client)
	}
}
