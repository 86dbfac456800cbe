package bus

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"marketpulse/internal/model"
)

func testTick(sym string) model.Tick {
	return model.NewTick(sym, decimal.NewFromInt(100), nil, time.Now())
}

func TestFanOut_BroadcastsToAll(t *testing.T) {
	fo := New(10)
	out1 := fo.Subscribe("cache")
	out2 := fo.Subscribe("hub")

	input := make(chan model.Tick, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go fo.Run(ctx, input)

	input <- testTick("BTCUSDT")

	for name, out := range map[string]<-chan model.Tick{"cache": out1, "hub": out2} {
		select {
		case tk := <-out:
			if tk.Symbol != "BTCUSDT" {
				t.Errorf("%s: expected BTCUSDT, got %s", name, tk.Symbol)
			}
		case <-time.After(time.Second):
			t.Fatalf("%s: timed out waiting for tick", name)
		}
	}
}

func TestFanOut_SlowConsumerDoesNotBlock(t *testing.T) {
	fo := New(1)
	slow := fo.Subscribe("slow")
	fast := fo.Subscribe("fast")

	drops := make(chan string, 10)
	fo.OnDrop = func(name string) { drops <- name }

	input := make(chan model.Tick)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go fo.Run(ctx, input)

	input <- testTick("A")
	<-fast
	input <- testTick("B")
	<-fast

	select {
	case name := <-drops:
		if name != "slow" {
			t.Errorf("dropped for %s, want slow", name)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a drop for the slow consumer")
	}
	if len(slow) != 1 {
		t.Errorf("slow consumer holds %d ticks, want 1", len(slow))
	}
}

func TestFanOut_ClosesOutputsAfterInputDrains(t *testing.T) {
	fo := New(10)
	out := fo.Subscribe("cache")

	input := make(chan model.Tick, 3)
	input <- testTick("A")
	input <- testTick("B")
	close(input)

	fo.Run(context.Background(), input)

	var got []string
	for tk := range out {
		got = append(got, tk.Symbol)
	}
	if len(got) != 2 || got[0] != "A" || got[1] != "B" {
		t.Errorf("drained %v, want [A B]", got)
	}
}

func TestFanOut_ChannelStats(t *testing.T) {
	fo := New(4)
	fo.Subscribe("cache")
	stats := fo.ChannelStats()
	if len(stats) != 1 || stats[0].Name != "cache" || stats[0].Cap != 4 {
		t.Errorf("stats = %+v", stats)
	}
}
