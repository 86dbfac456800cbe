package pricecache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketpulse/internal/model"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestCache(ttl time.Duration) (*Memory, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := NewMemory(NewPolicy(ttl, nil))
	m.now = clock.Now
	return m, clock
}

func tick(sym string, price string, ts time.Time) model.Tick {
	return model.NewTick(sym, decimal.RequireFromString(price), nil, ts)
}

func TestMemory_PutGet(t *testing.T) {
	ctx := context.Background()
	m, clock := newTestCache(10 * time.Second)

	require.NoError(t, m.Put(ctx, tick("btcusdt", "65000.5", clock.Now())))

	got, ok := m.Get(ctx, "BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, "BTCUSDT", got.Symbol)
	assert.True(t, got.Price.Equal(decimal.RequireFromString("65000.5")))

	_, ok = m.Get(ctx, "ETHUSDT")
	assert.False(t, ok)
}

func TestMemory_LastWriteWins(t *testing.T) {
	ctx := context.Background()
	m, clock := newTestCache(10 * time.Second)

	now := clock.Now()
	require.NoError(t, m.Put(ctx, tick("AAPL", "190", now)))
	// An older timestamp still replaces the entry.
	require.NoError(t, m.Put(ctx, tick("AAPL", "189", now.Add(-time.Second))))

	got, ok := m.Get(ctx, "AAPL")
	require.True(t, ok)
	assert.Equal(t, "189", got.Price.String())
}

func TestMemory_Staleness(t *testing.T) {
	ctx := context.Background()
	m, clock := newTestCache(10 * time.Second)

	require.NoError(t, m.Put(ctx, tick("BTCUSDT", "100", clock.Now())))

	clock.Advance(10 * time.Second)
	_, ok := m.Get(ctx, "BTCUSDT")
	assert.True(t, ok, "age == ttl is still fresh")

	clock.Advance(time.Millisecond)
	_, ok = m.Get(ctx, "BTCUSDT")
	assert.False(t, ok, "age > ttl must be absent")
	assert.Equal(t, 0, m.Len(), "expired entry is evicted lazily on read")
}

func TestMemory_SnapshotExcludesExpired(t *testing.T) {
	ctx := context.Background()
	m, clock := newTestCache(10 * time.Second)

	require.NoError(t, m.Put(ctx, tick("OLD", "1", clock.Now().Add(-11*time.Second))))
	require.NoError(t, m.Put(ctx, tick("NEW", "2", clock.Now())))

	snap := m.Snapshot(ctx)
	assert.Len(t, snap, 1)
	assert.Contains(t, snap, "NEW")
	assert.NotContains(t, snap, "OLD")
}

func TestMemory_GetMany(t *testing.T) {
	ctx := context.Background()
	m, clock := newTestCache(10 * time.Second)

	require.NoError(t, m.Put(ctx, tick("A", "1", clock.Now())))
	require.NoError(t, m.Put(ctx, tick("B", "2", clock.Now().Add(-time.Minute))))
	require.NoError(t, m.Put(ctx, tick("C", "3", clock.Now())))

	got := m.GetMany(ctx, []string{"a", "B", "C", "D"})
	assert.Len(t, got, 2)
	assert.Contains(t, got, "A")
	assert.Contains(t, got, "C")
}

func TestMemory_ClassTTL(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	policy := NewPolicy(time.Minute, map[string]time.Duration{"crypto": 5 * time.Second})
	policy.Assign("crypto", "btcusdt")
	m := NewMemory(policy)
	m.now = clock.Now

	require.NoError(t, m.Put(ctx, tick("BTCUSDT", "1", clock.Now())))
	require.NoError(t, m.Put(ctx, tick("AAPL", "2", clock.Now())))

	clock.Advance(6 * time.Second)
	_, ok := m.Get(ctx, "BTCUSDT")
	assert.False(t, ok, "crypto ttl is 5s")
	_, ok = m.Get(ctx, "AAPL")
	assert.True(t, ok, "unclassified symbol uses default ttl")
}

func TestMemory_Sweep(t *testing.T) {
	ctx := context.Background()
	m, clock := newTestCache(time.Second)

	for _, s := range []string{"A", "B", "C"} {
		require.NoError(t, m.Put(ctx, tick(s, "1", clock.Now())))
	}
	clock.Advance(2 * time.Second)
	require.NoError(t, m.Put(ctx, tick("D", "1", clock.Now())))

	assert.Equal(t, 3, m.Sweep())
	assert.Equal(t, 1, m.Len())
}

func TestMemory_PutAfterClose(t *testing.T) {
	ctx := context.Background()
	m, clock := newTestCache(time.Second)
	require.NoError(t, m.Close())
	assert.ErrorIs(t, m.Put(ctx, tick("A", "1", clock.Now())), ErrClosed)
}

func TestMemory_ConcurrentReadersAndWriters(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(NewPolicy(time.Minute, nil))

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				_ = m.Put(ctx, tick("BTCUSDT", "1", time.Now()))
			}
		}()
	}
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				m.Get(ctx, "BTCUSDT")
				m.Snapshot(ctx)
			}
		}()
	}
	wg.Wait()

	_, ok := m.Get(ctx, "BTCUSDT")
	assert.True(t, ok)
}

func TestWriter_DrainsUntilClosed(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(NewPolicy(time.Minute, nil))
	w := NewWriter(m)

	var writes int
	w.OnWrite = func(model.Tick) { writes++ }

	in := make(chan model.Tick, 3)
	in <- tick("A", "1", time.Now())
	in <- tick("B", "2", time.Now())
	in <- tick("A", "3", time.Now())
	close(in)

	w.Run(ctx, in)

	assert.Equal(t, 3, writes)
	got, ok := m.Get(ctx, "A")
	require.True(t, ok)
	assert.Equal(t, "3", got.Price.String())
}
