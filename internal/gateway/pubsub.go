package gateway

import (
	"context"
	"errors"
	"log"
	"time"

	"marketpulse/internal/model"
)

// Relay feeds the hub from a broker subscription (Redis PubSub or Kafka)
// instead of the in-process bus.
type Relay struct {
	hub *Hub
	sub model.TickSubscriber

	// RetryDelay is the pause before resubscribing after a transport error.
	RetryDelay time.Duration
}

// NewRelay creates a Relay publishing everything sub receives into hub.
func NewRelay(hub *Hub, sub model.TickSubscriber) *Relay {
	return &Relay{hub: hub, sub: sub, RetryDelay: 2 * time.Second}
}

// Run blocks until ctx is cancelled, resubscribing after transport errors.
func (r *Relay) Run(ctx context.Context) {
	for {
		err := r.sub.Run(ctx, func(t model.Tick) { r.hub.Publish(t) })
		if ctx.Err() != nil {
			return
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("[relay] subscription ended: %v; retrying in %s", err, r.RetryDelay)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.RetryDelay):
		}
	}
}
