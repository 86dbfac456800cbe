package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	goredis "github.com/go-redis/redis/v8"

	"marketpulse/internal/model"
)

const tickChannelPrefix = "pub:tick:"

// TickBus carries ticks between processes over Redis PubSub, one channel per
// symbol. A single publisher per symbol keeps per-symbol order.
type TickBus struct {
	client *goredis.Client

	// OnSubscribed fires once the pattern subscription is confirmed.
	OnSubscribed func()
}

// NewTickBus wraps client. The caller owns client.
func NewTickBus(client *goredis.Client) *TickBus {
	return &TickBus{client: client}
}

// Channel returns the PubSub channel for symbol.
func Channel(symbol string) string { return tickChannelPrefix + symbol }

// Publish sends t on its symbol's channel.
func (b *TickBus) Publish(ctx context.Context, t model.Tick) error {
	if err := b.client.Publish(ctx, Channel(t.Symbol), t.JSON()).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", t.Symbol, err)
	}
	return nil
}

// Run pattern-subscribes to every tick channel and calls fn per tick until
// ctx is cancelled or the subscription breaks.
func (b *TickBus) Run(ctx context.Context, fn func(model.Tick)) error {
	ps := b.client.PSubscribe(ctx, tickChannelPrefix+"*")
	defer ps.Close()

	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("redis psubscribe: %w", err)
	}
	if b.OnSubscribed != nil {
		b.OnSubscribed()
	}
	log.Printf("[redis] subscribed to %s*", tickChannelPrefix)

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("redis subscription closed")
			}
			var t model.Tick
			if err := json.Unmarshal([]byte(msg.Payload), &t); err != nil || t.Symbol == "" {
				log.Printf("[redis] dropping malformed tick on %s", msg.Channel)
				continue
			}
			fn(t)
		}
	}
}

// Close is a no-op; the client belongs to the caller.
func (b *TickBus) Close() error { return nil }
