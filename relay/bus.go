package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/golang/glog"
	"github.com/redis/go-redis/v9"

	"collabtext/codelive/wire"
)

const busPrefix = "codelive:"

// Bus carries publications between relay instances.
type Bus interface {
	Publish(ctx context.Context, f wire.Frame) error
	// Subscribe calls deliver for every publication, including the ones
	// made through this instance, until ctx is done.
	Subscribe(ctx context.Context, deliver func(wire.Frame)) error
	Close() error
}

// RedisBus shares topics through redis pub/sub.
type RedisBus struct {
	rdb *redis.Client
}

func NewRedisBus(ctx context.Context, addr string) (*RedisBus, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("relay: could not connect to redis at %s: %w", addr, err)
	}
	return &RedisBus{rdb: rdb}, nil
}

func (b *RedisBus) Publish(ctx context.Context, f wire.Frame) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, busPrefix+f.Topic, payload).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, deliver func(wire.Frame)) error {
	pubsub := b.rdb.PSubscribe(ctx, busPrefix+"*")
	defer pubsub.Close()
	// wait for the subscription to be confirmed
	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var f wire.Frame
			if err := json.Unmarshal([]byte(msg.Payload), &f); err != nil {
				glog.Warningf("[bus]bad payload on %s: %s\n", msg.Channel, err)
				continue
			}
			f.Topic = strings.TrimPrefix(msg.Channel, busPrefix)
			deliver(f)
		}
	}
}

func (b *RedisBus) Close() error {
	return b.rdb.Close()
}
