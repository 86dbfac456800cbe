package pricecache

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"marketpulse/internal/model"
)

// Memory is an in-process PriceCache. Reads take a shared lock; expired
// entries are evicted lazily on read or by the optional compactor.
type Memory struct {
	mu     sync.RWMutex
	ticks  map[string]model.Tick
	policy *Policy
	closed atomic.Bool

	// now is swapped in tests.
	now func() time.Time
}

// NewMemory creates an empty cache governed by policy.
func NewMemory(policy *Policy) *Memory {
	return &Memory{
		ticks:  make(map[string]model.Tick),
		policy: policy,
		now:    time.Now,
	}
}

// Put overwrites the entry for the tick's symbol.
func (m *Memory) Put(_ context.Context, t model.Tick) error {
	if m.closed.Load() {
		return ErrClosed
	}
	m.mu.Lock()
	m.ticks[t.Symbol] = t
	m.mu.Unlock()
	return nil
}

// Get returns the symbol's tick if present and fresh.
func (m *Memory) Get(_ context.Context, symbol string) (model.Tick, bool) {
	symbol = model.NormalizeSymbol(symbol)
	m.mu.RLock()
	t, ok := m.ticks[symbol]
	m.mu.RUnlock()
	if !ok {
		return model.Tick{}, false
	}
	if m.policy.Expired(t, m.now()) {
		m.evict(t)
		return model.Tick{}, false
	}
	return t, true
}

// GetMany returns the fresh ticks among symbols.
func (m *Memory) GetMany(ctx context.Context, symbols []string) map[string]model.Tick {
	out := make(map[string]model.Tick, len(symbols))
	for _, s := range symbols {
		if t, ok := m.Get(ctx, s); ok {
			out[t.Symbol] = t
		}
	}
	return out
}

// Snapshot copies entries under the read lock and filters expiry after releasing it.
func (m *Memory) Snapshot(_ context.Context) model.Snapshot {
	m.mu.RLock()
	all := make([]model.Tick, 0, len(m.ticks))
	for _, t := range m.ticks {
		all = append(all, t)
	}
	m.mu.RUnlock()

	now := m.now()
	snap := make(model.Snapshot, len(all))
	for _, t := range all {
		if m.policy.Expired(t, now) {
			continue
		}
		snap[t.Symbol] = t
	}
	return snap
}

// Len returns the number of stored entries, expired ones included.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.ticks)
}

// Sweep removes every expired entry and returns how many were removed.
func (m *Memory) Sweep() int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for sym, t := range m.ticks {
		if m.policy.Expired(t, now) {
			delete(m.ticks, sym)
			n++
		}
	}
	return n
}

// RunCompactor sweeps expired entries every interval until ctx is cancelled.
func (m *Memory) RunCompactor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Sweep(); n > 0 {
				log.Printf("[pricecache] compactor evicted %d expired entries", n)
			}
		}
	}
}

// Close ends the cache lifecycle. Reads keep working on what is left.
func (m *Memory) Close() error {
	m.closed.Store(true)
	return nil
}

// evict deletes t's entry unless a newer tick replaced it in the meantime.
func (m *Memory) evict(t model.Tick) {
	m.mu.Lock()
	if cur, ok := m.ticks[t.Symbol]; ok && cur.Timestamp.Equal(t.Timestamp) && cur.Price.Equal(t.Price) {
		delete(m.ticks, t.Symbol)
	}
	m.mu.Unlock()
}
