package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

type inbox struct {
	mu   sync.Mutex
	msgs []Message
}

func (i *inbox) handle(m Message) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.msgs = append(i.msgs, m)
}

func (i *inbox) payloads() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]string, len(i.msgs))
	for j, m := range i.msgs {
		out[j] = string(m.Payload)
	}
	return out
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	end := time.Now().Add(2 * time.Second)
	for time.Now().Before(end) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met")
}

func connected(t *testing.T, b *Broker, will *Will) *Memory {
	t.Helper()
	c := b.Client()
	assert.Equal(t, c.Connect(context.Background(), will), nil)
	return c
}

func TestMemoryOrderedDelivery(t *testing.T) {
	ctx := context.Background()
	b := NewBroker()
	pub := connected(t, b, nil)
	sub := connected(t, b, nil)
	in := &inbox{}
	assert.Equal(t, sub.Subscribe(ctx, "doc", in.handle), nil)

	want := []string{}
	for _, p := range []string{"a", "b", "c", "d"} {
		assert.Equal(t, pub.Publish(ctx, "doc", []byte(p), false), nil)
		want = append(want, p)
	}
	assert.Equal(t, pub.Publish(ctx, "other", []byte("x"), false), nil)
	eventually(t, func() bool { return len(in.payloads()) == 4 })
	assert.Equal(t, in.payloads(), want)
}

func TestMemoryRetained(t *testing.T) {
	ctx := context.Background()
	b := NewBroker()
	pub := connected(t, b, nil)
	assert.Equal(t, pub.Publish(ctx, "state", []byte("v1"), true), nil)
	assert.Equal(t, pub.Publish(ctx, "state", []byte("v2"), true), nil)

	late := connected(t, b, nil)
	in := &inbox{}
	assert.Equal(t, late.Subscribe(ctx, "state", in.handle), nil)
	eventually(t, func() bool { return len(in.payloads()) == 1 })
	assert.Equal(t, in.payloads(), []string{"v2"})
	in.mu.Lock()
	assert.Equal(t, in.msgs[0].Retained, true)
	in.mu.Unlock()
}

func TestMemoryKillPublishesWill(t *testing.T) {
	ctx := context.Background()
	b := NewBroker()
	watcher := connected(t, b, nil)
	in := &inbox{}
	assert.Equal(t, watcher.Subscribe(ctx, "members", in.handle), nil)

	dying := connected(t, b, &Will{Topic: "members", Payload: []byte("gone")})
	dying.Kill()
	eventually(t, func() bool { return len(in.payloads()) == 1 })
	assert.Equal(t, in.payloads(), []string{"gone"})
	assert.Equal(t, errors.Is(dying.Publish(ctx, "members", nil, false), ErrClosed), true)

	clean := connected(t, b, &Will{Topic: "members", Payload: []byte("never")})
	assert.Equal(t, clean.Close(), nil)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, in.payloads(), []string{"gone"})
}

func TestMemoryUnsubscribe(t *testing.T) {
	ctx := context.Background()
	b := NewBroker()
	c := connected(t, b, nil)
	in := &inbox{}
	assert.Equal(t, c.Subscribe(ctx, "t", in.handle), nil)
	assert.Equal(t, c.Publish(ctx, "t", []byte("1"), false), nil)
	eventually(t, func() bool { return len(in.payloads()) == 1 })
	assert.Equal(t, c.Unsubscribe(ctx, "t"), nil)
	assert.Equal(t, c.Publish(ctx, "t", []byte("2"), false), nil)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, in.payloads(), []string{"1"})
}

func TestMemoryNotConnected(t *testing.T) {
	c := NewBroker().Client()
	err := c.Publish(context.Background(), "t", nil, false)
	assert.Equal(t, errors.Is(err, ErrNotConnected), true)
}
