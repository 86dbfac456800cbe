package gateway

import (
	"sort"
	"sync"
)

// Subscription is one connection's interest set. It is owned by a Handle and
// guarded by its own lock, so updates on different connections never contend.
type Subscription struct {
	mu      sync.RWMutex
	symbols map[string]struct{}
	closed  bool
}

func newSubscription() *Subscription {
	return &Subscription{symbols: make(map[string]struct{})}
}

// Contains reports whether symbol is in the set.
func (s *Subscription) Contains(symbol string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.symbols[symbol]
	return ok
}

// Symbols returns the set, sorted.
func (s *Subscription) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.symbols))
	for sym := range s.symbols {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of symbols.
func (s *Subscription) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.symbols)
}
