// Package pricecache keeps the latest tick per symbol with bounded staleness.
package pricecache

import (
	"errors"
	"strings"
	"sync"
	"time"

	"marketpulse/internal/model"
)

// ErrClosed is returned by Put after Close.
var ErrClosed = errors.New("price cache closed")

// Policy resolves the staleness bound for a symbol from its instrument class.
// Symbols without a class, or classes without an override, use DefaultTTL.
type Policy struct {
	DefaultTTL time.Duration

	mu       sync.RWMutex
	classTTL map[string]time.Duration
	classes  map[string]string // symbol -> class
}

// NewPolicy builds a policy. classTTL may be nil.
func NewPolicy(defaultTTL time.Duration, classTTL map[string]time.Duration) *Policy {
	p := &Policy{
		DefaultTTL: defaultTTL,
		classTTL:   make(map[string]time.Duration, len(classTTL)),
		classes:    make(map[string]string),
	}
	for class, ttl := range classTTL {
		p.classTTL[strings.ToLower(class)] = ttl
	}
	return p
}

// Assign tags symbols with an instrument class.
func (p *Policy) Assign(class string, symbols ...string) {
	class = strings.ToLower(class)
	p.mu.Lock()
	for _, s := range symbols {
		p.classes[model.NormalizeSymbol(s)] = class
	}
	p.mu.Unlock()
}

// Class returns the class assigned to symbol, or "".
func (p *Policy) Class(symbol string) string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.classes[symbol]
}

// TTL returns the staleness bound for symbol.
func (p *Policy) TTL(symbol string) time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if class, ok := p.classes[symbol]; ok {
		if ttl, ok := p.classTTL[class]; ok {
			return ttl
		}
	}
	return p.DefaultTTL
}

// Expired reports whether t is past its symbol's TTL at now.
func (p *Policy) Expired(t model.Tick, now time.Time) bool {
	return t.Expired(now, p.TTL(t.Symbol))
}
