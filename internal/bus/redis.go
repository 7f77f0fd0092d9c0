package bus

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Channel is the Redis Pub/Sub channel all contexts share.
const Channel = "simcore:changes"

// RedisBus implements Bus over Redis Pub/Sub so contexts in separate OS
// processes observe each other's writes. A publisher receives its own
// messages through the subscription, which keeps delivery uniform: every
// context, including the writer, sees each change exactly once.
type RedisBus struct {
	rdb    *redis.Client
	local  *LocalBus
	pubsub *redis.PubSub
	cancel context.CancelFunc
}

// NewRedisBus subscribes to the shared channel and starts the receive
// loop. Close must be called to release the subscription.
func NewRedisBus(rdb *redis.Client) *RedisBus {
	ctx, cancel := context.WithCancel(context.Background())
	b := &RedisBus{
		rdb:    rdb,
		local:  NewLocalBus(),
		pubsub: rdb.Subscribe(ctx, Channel),
		cancel: cancel,
	}
	go b.receive(ctx)
	return b
}

func (b *RedisBus) receive(ctx context.Context) {
	for msg := range b.pubsub.Channel() {
		var ch Change
		if err := json.Unmarshal([]byte(msg.Payload), &ch); err != nil {
			slog.Warn("bus: dropping malformed change message", "err", err)
			continue
		}
		b.local.Publish(ctx, ch)
	}
}

func (b *RedisBus) Publish(ctx context.Context, ch Change) error {
	data, err := json.Marshal(ch)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, Channel, data).Err()
}

func (b *RedisBus) Subscribe(fn func(Change)) func() {
	return b.local.Subscribe(fn)
}

// Close tears down the subscription and stops the receive loop.
func (b *RedisBus) Close() error {
	b.cancel()
	return b.pubsub.Close()
}
