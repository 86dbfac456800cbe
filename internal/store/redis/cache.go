// Package redis holds the Redis-backed price cache and tick bus.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"marketpulse/internal/model"
	"marketpulse/internal/pricecache"
)

const (
	latestKeyPrefix = "tick:latest:"
	snapshotKey     = "tick:snapshot"
)

// Options configures the Redis connection.
type Options struct {
	Addr     string // e.g. "localhost:6379"
	Password string
	DB       int
}

// Connect opens a client and pings the server.
func Connect(ctx context.Context, opts Options) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	log.Printf("[redis] connected to %s", opts.Addr)
	return client, nil
}

func latestKey(symbol string) string { return latestKeyPrefix + symbol }

// Cache is a PriceCache shared across processes. Each symbol is stored twice:
// a per-symbol key expiring with the symbol's TTL for point reads, and a field
// of one snapshot hash for whole-market reads. Hash fields do not expire on
// their own, so Snapshot and Sweep prune them.
//
// Backend failures never reach readers: reads degrade to absent/empty.
// Writes rejected by an open breaker keep the newest tick per symbol and are
// flushed once the breaker closes.
type Cache struct {
	client  *goredis.Client
	policy  *pricecache.Policy
	breaker *CircuitBreaker
	closed  atomic.Bool
	now     func() time.Time

	// wmu orders backend writes so a held tick never lands after a newer one.
	wmu     sync.Mutex
	mu      sync.Mutex
	pending map[string]model.Tick

	// OnError is called for every backend failure (metrics).
	OnError func(op string, err error)
}

// NewCache wraps client. The caller owns client and closes it after Close.
func NewCache(client *goredis.Client, policy *pricecache.Policy, breaker *CircuitBreaker) *Cache {
	if breaker == nil {
		breaker = NewCircuitBreaker(5, 10*time.Second)
	}
	c := &Cache{
		client:  client,
		policy:  policy,
		breaker: breaker,
		now:     time.Now,
		pending: make(map[string]model.Tick),
	}

	prev := breaker.OnStateChange
	breaker.OnStateChange = func(from, to State) {
		if prev != nil {
			prev(from, to)
		}
		log.Printf("[redis] circuit breaker %s -> %s", from, to)
		if to == StateClosed {
			go c.flush(context.Background())
		}
	}
	return c
}

// Breaker exposes the breaker for health reporting.
func (c *Cache) Breaker() *CircuitBreaker { return c.breaker }

// Put writes t to both the per-symbol key and the snapshot hash in one pipeline.
func (c *Cache) Put(ctx context.Context, t model.Tick) error {
	if c.closed.Load() {
		return pricecache.ErrClosed
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.put(ctx, t)
}

// put writes t with wmu held. A successful write supersedes any tick held
// for the same symbol.
func (c *Cache) put(ctx context.Context, t model.Tick) error {
	err := c.breaker.Execute(func() error { return c.write(ctx, t) })
	if errors.Is(err, ErrCircuitOpen) {
		c.hold(t)
		return nil
	}
	if err != nil {
		c.fail("put", err)
		return fmt.Errorf("redis put %s: %w", t.Symbol, err)
	}
	c.mu.Lock()
	delete(c.pending, t.Symbol)
	c.mu.Unlock()
	return nil
}

func (c *Cache) hold(t model.Tick) {
	c.mu.Lock()
	if cur, ok := c.pending[t.Symbol]; !ok || !t.Timestamp.Before(cur.Timestamp) {
		c.pending[t.Symbol] = t
	}
	c.mu.Unlock()
}

func (c *Cache) write(ctx context.Context, t model.Tick) error {
	ttl := c.policy.TTL(t.Symbol)
	var px time.Duration
	if ttl > 0 {
		px = ttl - t.Age(c.now())
		if px <= 0 {
			return nil // already stale
		}
	}
	payload, err := json.Marshal(t)
	if err != nil {
		return err
	}
	_, err = c.client.Pipelined(ctx, func(p goredis.Pipeliner) error {
		p.Set(ctx, latestKey(t.Symbol), payload, px)
		p.HSet(ctx, snapshotKey, t.Symbol, payload)
		return nil
	})
	return err
}

// Get returns the symbol's tick if present and fresh.
func (c *Cache) Get(ctx context.Context, symbol string) (model.Tick, bool) {
	symbol = model.NormalizeSymbol(symbol)
	var raw string
	err := c.breaker.Execute(func() error {
		var err error
		raw, err = c.client.Get(ctx, latestKey(symbol)).Result()
		if err == goredis.Nil {
			return nil
		}
		return err
	})
	if err != nil {
		c.fail("get", err)
		return model.Tick{}, false
	}
	if raw == "" {
		return model.Tick{}, false
	}
	t, ok := c.decode(raw)
	if !ok || c.policy.Expired(t, c.now()) {
		return model.Tick{}, false
	}
	return t, true
}

// GetMany reads every symbol in one MGET.
func (c *Cache) GetMany(ctx context.Context, symbols []string) map[string]model.Tick {
	symbols = model.NormalizeSymbols(symbols)
	out := make(map[string]model.Tick, len(symbols))
	if len(symbols) == 0 {
		return out
	}
	keys := make([]string, len(symbols))
	for i, s := range symbols {
		keys[i] = latestKey(s)
	}

	var vals []interface{}
	err := c.breaker.Execute(func() error {
		var err error
		vals, err = c.client.MGet(ctx, keys...).Result()
		return err
	})
	if err != nil {
		c.fail("mget", err)
		return out
	}

	now := c.now()
	for _, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		if t, ok := c.decode(raw); ok && !c.policy.Expired(t, now) {
			out[t.Symbol] = t
		}
	}
	return out
}

// Snapshot reads the snapshot hash, dropping and pruning expired fields.
func (c *Cache) Snapshot(ctx context.Context) model.Snapshot {
	snap, stale, err := c.scan(ctx)
	if err != nil {
		c.fail("snapshot", err)
		return model.Snapshot{}
	}
	if len(stale) > 0 {
		c.prune(ctx, stale)
	}
	return snap
}

// Sweep prunes expired fields from the snapshot hash and returns how many were removed.
func (c *Cache) Sweep(ctx context.Context) int {
	_, stale, err := c.scan(ctx)
	if err != nil {
		c.fail("sweep", err)
		return 0
	}
	return c.prune(ctx, stale)
}

// RunCompactor sweeps every interval until ctx is cancelled.
func (c *Cache) RunCompactor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Sweep(ctx); n > 0 {
				log.Printf("[redis] compactor pruned %d expired snapshot fields", n)
			}
		}
	}
}

// Pending returns how many ticks are waiting for the breaker to close.
func (c *Cache) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close rejects further writes. The client stays open.
func (c *Cache) Close() error {
	c.closed.Store(true)
	return nil
}

func (c *Cache) scan(ctx context.Context) (model.Snapshot, []string, error) {
	var fields map[string]string
	err := c.breaker.Execute(func() error {
		var err error
		fields, err = c.client.HGetAll(ctx, snapshotKey).Result()
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	now := c.now()
	snap := make(model.Snapshot, len(fields))
	var stale []string
	for sym, raw := range fields {
		t, ok := c.decode(raw)
		if !ok || c.policy.Expired(t, now) {
			stale = append(stale, sym)
			continue
		}
		snap[t.Symbol] = t
	}
	return snap, stale, nil
}

func (c *Cache) prune(ctx context.Context, fields []string) int {
	if len(fields) == 0 {
		return 0
	}
	var n int64
	err := c.breaker.Execute(func() error {
		var err error
		n, err = c.client.HDel(ctx, snapshotKey, fields...).Result()
		return err
	})
	if err != nil {
		c.fail("hdel", err)
		return 0
	}
	return int(n)
}

// flush replays ticks held back while the breaker was open. Live writes wait
// on wmu until it finishes, and a held tick whose symbol was written since it
// was held is already gone from pending.
func (c *Cache) flush(ctx context.Context) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	c.mu.Lock()
	if len(c.pending) == 0 {
		c.mu.Unlock()
		return
	}
	held := c.pending
	c.pending = make(map[string]model.Tick)
	c.mu.Unlock()

	flushed := 0
	for _, t := range held {
		if c.closed.Load() {
			break
		}
		if err := c.put(ctx, t); err == nil {
			flushed++
		}
	}
	log.Printf("[redis] flushed %d held ticks", flushed)
}

func (c *Cache) decode(raw string) (model.Tick, bool) {
	var t model.Tick
	if err := json.Unmarshal([]byte(raw), &t); err != nil || t.Symbol == "" {
		return model.Tick{}, false
	}
	return t, true
}

func (c *Cache) fail(op string, err error) {
	if errors.Is(err, ErrCircuitOpen) {
		return
	}
	log.Printf("[redis] %s failed: %v", op, err)
	if c.OnError != nil {
		c.OnError(op, err)
	}
}
