package pricecache

import (
	"context"
	"log"

	"marketpulse/internal/model"
)

// Writer drains a tick channel into a PriceCache.
type Writer struct {
	cache model.PriceCache

	// Optional hooks for metrics.
	OnWrite func(model.Tick)
	OnError func(error)
}

// NewWriter creates a Writer for cache.
func NewWriter(cache model.PriceCache) *Writer {
	return &Writer{cache: cache}
}

// Run stores every tick from in. It returns once in is closed, so ticks
// already queued at shutdown still land in the cache.
func (w *Writer) Run(ctx context.Context, in <-chan model.Tick) {
	for t := range in {
		if err := w.cache.Put(ctx, t); err != nil {
			if w.OnError != nil {
				w.OnError(err)
			} else {
				log.Printf("[pricecache] put %s failed: %v", t.Symbol, err)
			}
			continue
		}
		if w.OnWrite != nil {
			w.OnWrite(t)
		}
	}
}
