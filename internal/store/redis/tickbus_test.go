package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"

	"marketpulse/internal/model"
)

func TestTickBus_PublishRun(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer client.Close()

	bus := NewTickBus(client)
	ready := make(chan struct{})
	bus.OnSubscribed = func() { close(ready) }

	got := make(chan model.Tick, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- bus.Run(ctx, func(t model.Tick) { got <- t }) }()

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not confirmed")
	}

	client.Publish(ctx, Channel("JUNK"), "not json")
	for i := 1; i <= 3; i++ {
		tk := model.NewTick("BTCUSDT", decimal.NewFromInt(int64(i)), nil, time.Now())
		if err := bus.Publish(ctx, tk); err != nil {
			t.Fatal(err)
		}
	}

	for i := int64(1); i <= 3; i++ {
		select {
		case tk := <-got:
			if tk.Symbol != "BTCUSDT" || tk.Price.IntPart() != i {
				t.Errorf("tick %d = %s %s", i, tk.Symbol, tk.Price)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("tick %d not received", i)
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
