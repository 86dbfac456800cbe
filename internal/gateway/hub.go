package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"marketpulse/internal/logger"
	"marketpulse/internal/model"
)

// ErrHandleClosed is returned when updating interest on a deregistered handle.
var ErrHandleClosed = errors.New("subscriber handle closed")

// BacklogPolicy decides what happens when a subscriber's queue is full.
type BacklogPolicy int

const (
	// DropOldest evicts the oldest queued tick to make room for the new one.
	DropOldest BacklogPolicy = iota
	// DisconnectSlow deregisters the subscriber on its first overflow.
	DisconnectSlow
)

func (p BacklogPolicy) String() string {
	switch p {
	case DropOldest:
		return "drop_oldest"
	case DisconnectSlow:
		return "disconnect"
	default:
		return "unknown"
	}
}

// ParseBacklogPolicy parses "drop_oldest" or "disconnect".
func ParseBacklogPolicy(s string) (BacklogPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "drop_oldest", "":
		return DropOldest, nil
	case "disconnect":
		return DisconnectSlow, nil
	default:
		return 0, fmt.Errorf("unknown backlog policy %q", s)
	}
}

// HubConfig tunes per-subscriber queues.
type HubConfig struct {
	// QueueSize is the per-subscriber buffer. Defaults to 256.
	QueueSize int

	Policy BacklogPolicy

	// MaxDrops disconnects a DropOldest subscriber after this many consecutive
	// overflows. Zero never disconnects.
	MaxDrops int
}

const shardCount = 32

// shard indexes symbol -> interested handles for a slice of the symbol space.
type shard struct {
	mu   sync.RWMutex
	subs map[string]map[*Handle]struct{}

	// hookMu serializes interest hooks for the shard's symbols; announced
	// holds the symbols OnFirstInterest was last reported for.
	hookMu    sync.Mutex
	announced map[string]struct{}
}

// Hub routes ticks to the subscribers interested in their symbol.
//
// Publishing touches one index shard and the interested handles only; it
// never blocks on a subscriber. Interest updates lock the handle's own
// Subscription plus the shards of the symbols being changed.
type Hub struct {
	cfg    HubConfig
	prices model.PriceReader
	shards [shardCount]shard

	regMu   sync.Mutex
	handles map[*Handle]struct{}

	published atomic.Uint64
	sessions  sync.WaitGroup

	// Optional hooks. OnFirstInterest/OnLastInterest fire when a symbol gains
	// its first or loses its last subscriber across the hub.
	OnFirstInterest func(symbol string)
	OnLastInterest  func(symbol string)
	OnDeliver       func()
	OnDrop          func(h *Handle)
	OnEvict         func(h *Handle, reason string)
}

// NewHub creates a hub. prices, if non-nil, primes newly subscribed symbols
// with their cached tick.
func NewHub(cfg HubConfig, prices model.PriceReader) *Hub {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	h := &Hub{
		cfg:     cfg,
		prices:  prices,
		handles: make(map[*Handle]struct{}),
	}
	for i := range h.shards {
		h.shards[i].subs = make(map[string]map[*Handle]struct{})
		h.shards[i].announced = make(map[string]struct{})
	}
	return h
}

// Handle is one registered subscriber.
type Handle struct {
	ID    string
	Label string

	hub   *Hub
	sub   *Subscription
	queue chan model.Tick
	done  chan struct{}
	once  sync.Once

	qmu       sync.Mutex // serializes overflow handling
	overflows int

	delivered atomic.Uint64
	dropped   atomic.Uint64
	evicted   atomic.Bool
}

// C is the subscriber's delivery queue.
func (h *Handle) C() <-chan model.Tick { return h.queue }

// Done is closed when the handle is deregistered.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Evicted reports whether the hub disconnected h for falling behind.
func (h *Handle) Evicted() bool { return h.evicted.Load() }

// Symbols returns the handle's current interest set.
func (h *Handle) Symbols() []string { return h.sub.Symbols() }

// Delivered counts ticks enqueued for this subscriber.
func (h *Handle) Delivered() uint64 { return h.delivered.Load() }

// Dropped counts ticks discarded because the queue was full.
func (h *Handle) Dropped() uint64 { return h.dropped.Load() }

// Register creates a handle with an empty interest set.
func (hub *Hub) Register(label string) *Handle {
	h := &Handle{
		ID:    logger.NewConnID(),
		Label: label,
		hub:   hub,
		sub:   newSubscription(),
		queue: make(chan model.Tick, hub.cfg.QueueSize),
		done:  make(chan struct{}),
	}
	hub.regMu.Lock()
	hub.handles[h] = struct{}{}
	hub.regMu.Unlock()
	return h
}

// Count returns the number of registered handles.
func (hub *Hub) Count() int {
	hub.regMu.Lock()
	defer hub.regMu.Unlock()
	return len(hub.handles)
}

// Published returns how many ticks were handed to Publish.
func (hub *Hub) Published() uint64 { return hub.published.Load() }

// Symbols returns every symbol with at least one subscriber, sorted.
func (hub *Hub) Symbols() []string {
	var out []string
	for i := range hub.shards {
		sh := &hub.shards[i]
		sh.mu.RLock()
		for sym := range sh.subs {
			out = append(out, sym)
		}
		sh.mu.RUnlock()
	}
	sort.Strings(out)
	return out
}

// UpdateInterest adds and removes symbols for h and returns what actually
// changed. Newly added symbols are primed with their cached tick.
func (hub *Hub) UpdateInterest(ctx context.Context, h *Handle, add, remove []string) (added, removed []string, err error) {
	add = model.NormalizeSymbols(add)
	remove = model.NormalizeSymbols(remove)

	var cached map[string]model.Tick
	if hub.prices != nil && len(add) > 0 {
		cached = hub.prices.GetMany(ctx, add)
	}

	var first, last []string
	var evict bool

	h.sub.mu.Lock()
	if h.sub.closed {
		h.sub.mu.Unlock()
		return nil, nil, ErrHandleClosed
	}
	for _, sym := range add {
		if _, ok := h.sub.symbols[sym]; ok {
			continue
		}
		// Prime before indexing so a cached tick can never overtake a live one.
		if t, ok := cached[sym]; ok {
			if _, ev := h.offer(t); ev {
				evict = true
			}
		}
		h.sub.symbols[sym] = struct{}{}
		if hub.index(sym, h) {
			first = append(first, sym)
		}
		added = append(added, sym)
	}
	for _, sym := range remove {
		if _, ok := h.sub.symbols[sym]; !ok {
			continue
		}
		delete(h.sub.symbols, sym)
		if hub.unindex(sym, h) {
			last = append(last, sym)
		}
		removed = append(removed, sym)
	}
	h.sub.mu.Unlock()

	hub.fireInterest(first, last)
	if evict {
		hub.evict(h, "backlog")
	}
	return added, removed, nil
}

// Publish delivers t to every handle interested in its symbol and returns how
// many handles were targeted. It never blocks on a subscriber.
func (hub *Hub) Publish(t model.Tick) int {
	hub.published.Add(1)

	sh := hub.shardFor(t.Symbol)
	sh.mu.RLock()
	set := sh.subs[t.Symbol]
	if len(set) == 0 {
		sh.mu.RUnlock()
		return 0
	}
	targets := make([]*Handle, 0, len(set))
	for h := range set {
		targets = append(targets, h)
	}
	sh.mu.RUnlock()

	for _, h := range targets {
		hub.deliver(h, t)
	}
	return len(targets)
}

// Run publishes every tick from in until in is closed or ctx is cancelled.
func (hub *Hub) Run(ctx context.Context, in <-chan model.Tick) {
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-in:
			if !ok {
				return
			}
			hub.Publish(t)
		}
	}
}

// Deregister removes h from the hub and closes h.Done(). Safe to call more than once.
func (hub *Hub) Deregister(h *Handle) {
	h.once.Do(func() {
		var last []string

		h.sub.mu.Lock()
		h.sub.closed = true
		for sym := range h.sub.symbols {
			if hub.unindex(sym, h) {
				last = append(last, sym)
			}
		}
		h.sub.symbols = make(map[string]struct{})
		h.sub.mu.Unlock()

		hub.regMu.Lock()
		delete(hub.handles, h)
		hub.regMu.Unlock()

		close(h.done)
		hub.fireInterest(nil, last)
	})
}

// Close deregisters every handle. Ticks already queued stay readable from C.
func (hub *Hub) Close() {
	hub.regMu.Lock()
	all := make([]*Handle, 0, len(hub.handles))
	for h := range hub.handles {
		all = append(all, h)
	}
	hub.regMu.Unlock()

	for _, h := range all {
		hub.Deregister(h)
	}
}

// Wait blocks until every WebSocket session has flushed its queue and
// closed, or ctx is done.
func (hub *Hub) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		hub.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (hub *Hub) deliver(h *Handle, t model.Tick) {
	dropped, evict := h.offer(t)
	switch {
	case evict:
		hub.evict(h, "backlog")
	case dropped:
		if hub.OnDrop != nil {
			hub.OnDrop(h)
		}
	default:
		if hub.OnDeliver != nil {
			hub.OnDeliver()
		}
	}
}

func (hub *Hub) evict(h *Handle, reason string) {
	select {
	case <-h.done:
		return
	default:
	}
	log.Printf("[hub] disconnecting subscriber %s (%s): %s, dropped=%d", h.ID, h.Label, reason, h.Dropped())
	h.evicted.Store(true)
	hub.Deregister(h)
	if hub.OnEvict != nil {
		hub.OnEvict(h, reason)
	}
}

// offer enqueues t without blocking. dropped reports that a tick was
// discarded; evict reports that the backlog policy wants h disconnected.
func (h *Handle) offer(t model.Tick) (dropped, evict bool) {
	select {
	case <-h.done:
		return false, false
	default:
	}

	h.qmu.Lock()
	defer h.qmu.Unlock()

	select {
	case h.queue <- t:
		h.overflows = 0
		h.delivered.Add(1)
		return false, false
	default:
	}

	if h.hub.cfg.Policy == DisconnectSlow {
		h.dropped.Add(1)
		return true, true
	}

	select {
	case <-h.queue:
	default:
	}
	select {
	case h.queue <- t:
		h.delivered.Add(1)
	default:
	}
	h.dropped.Add(1)
	h.overflows++
	return true, h.hub.cfg.MaxDrops > 0 && h.overflows >= h.hub.cfg.MaxDrops
}

// index adds h under sym and reports whether sym had no subscribers before.
func (hub *Hub) index(sym string, h *Handle) bool {
	sh := hub.shardFor(sym)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	set, ok := sh.subs[sym]
	if !ok {
		set = make(map[*Handle]struct{})
		sh.subs[sym] = set
	}
	set[h] = struct{}{}
	return len(set) == 1
}

// unindex removes h from sym and reports whether sym is now unsubscribed.
func (hub *Hub) unindex(sym string, h *Handle) bool {
	sh := hub.shardFor(sym)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	set, ok := sh.subs[sym]
	if !ok {
		return false
	}
	delete(set, h)
	if len(set) == 0 {
		delete(sh.subs, sym)
		return true
	}
	return false
}

// fireInterest reconciles the interest hooks with the index for the symbols
// whose first or last subscriber changed. Each call reads the index as it is
// at that moment, under the shard's hook lock, so concurrent updates from
// different handles cannot leave the upstream out of step with the hub.
func (hub *Hub) fireInterest(first, last []string) {
	if hub.OnFirstInterest == nil && hub.OnLastInterest == nil {
		return
	}
	for _, syms := range [][]string{first, last} {
		for _, sym := range syms {
			hub.announce(sym)
		}
	}
}

func (hub *Hub) announce(sym string) {
	sh := hub.shardFor(sym)
	sh.hookMu.Lock()
	defer sh.hookMu.Unlock()

	sh.mu.RLock()
	wanted := len(sh.subs[sym]) > 0
	sh.mu.RUnlock()

	_, live := sh.announced[sym]
	switch {
	case wanted && !live:
		sh.announced[sym] = struct{}{}
		if hub.OnFirstInterest != nil {
			hub.OnFirstInterest(sym)
		}
	case !wanted && live:
		delete(sh.announced, sym)
		if hub.OnLastInterest != nil {
			hub.OnLastInterest(sym)
		}
	}
}

func (hub *Hub) shardFor(sym string) *shard {
	// FNV-1a
	var x uint32 = 2166136261
	for i := 0; i < len(sym); i++ {
		x ^= uint32(sym[i])
		x *= 16777619
	}
	return &hub.shards[x%shardCount]
}
