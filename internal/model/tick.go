package model

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Tick is the latest observed price for one symbol as reported by an upstream feed.
// Ticks are values: once built they are never mutated, only replaced.
type Tick struct {
	Symbol        string              `json:"symbol"`
	Price         decimal.Decimal     `json:"price"`
	PercentChange decimal.NullDecimal `json:"change"`
	Timestamp     time.Time           `json:"timestamp"`
}

// NewTick builds a Tick with a normalized symbol and a UTC timestamp.
func NewTick(symbol string, price decimal.Decimal, change *decimal.Decimal, ts time.Time) Tick {
	t := Tick{
		Symbol:    NormalizeSymbol(symbol),
		Price:     price,
		Timestamp: ts.UTC(),
	}
	if change != nil {
		t.PercentChange = decimal.NewNullDecimal(*change)
	}
	return t
}

// Age returns how old the tick is relative to now.
func (t Tick) Age(now time.Time) time.Duration {
	return now.Sub(t.Timestamp)
}

// Expired reports whether the tick is older than ttl. A non-positive ttl never expires.
func (t Tick) Expired(now time.Time, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	return t.Age(now) > ttl
}

// JSON returns the wire encoding of the tick.
func (t Tick) JSON() []byte {
	b, _ := json.Marshal(t)
	return b
}

// Snapshot maps symbol to its latest non-expired tick.
type Snapshot map[string]Tick

// Symbols returns the snapshot's keys in no particular order.
func (s Snapshot) Symbols() []string {
	out := make([]string, 0, len(s))
	for sym := range s {
		out = append(out, sym)
	}
	return out
}

// NormalizeSymbol trims and upper-cases a symbol so that "btcusdt" and "BTCUSDT" are the same key.
func NormalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// NormalizeSymbols normalizes and de-duplicates a list, dropping empty entries.
func NormalizeSymbols(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = NormalizeSymbol(s)
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
