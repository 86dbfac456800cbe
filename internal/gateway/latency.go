package gateway

import (
	"sort"
	"sync"
	"time"
)

// LatencyTracker keeps the last N tick-to-write latencies in a ring and
// reports percentiles over them.
type LatencyTracker struct {
	mu      sync.Mutex
	samples []time.Duration
	pos     int
	count   int

	// Observe, if set, also receives every sample (e.g. a histogram).
	Observe func(time.Duration)
}

// NewLatencyTracker holds the last capacity samples. Defaults to 10000.
func NewLatencyTracker(capacity int) *LatencyTracker {
	if capacity <= 0 {
		capacity = 10000
	}
	return &LatencyTracker{samples: make([]time.Duration, capacity)}
}

// Record adds a sample. Negative samples (clock skew against the feed) are ignored.
func (lt *LatencyTracker) Record(d time.Duration) {
	if d < 0 {
		return
	}
	lt.mu.Lock()
	lt.samples[lt.pos] = d
	lt.pos = (lt.pos + 1) % len(lt.samples)
	if lt.count < len(lt.samples) {
		lt.count++
	}
	lt.mu.Unlock()
	if lt.Observe != nil {
		lt.Observe(d)
	}
}

// Since records time elapsed since the tick's source timestamp.
func (lt *LatencyTracker) Since(ts time.Time) {
	if ts.IsZero() {
		return
	}
	lt.Record(time.Since(ts))
}

// Percentiles returns p50, p95 and p99, or zeros with no samples.
func (lt *LatencyTracker) Percentiles() (p50, p95, p99 time.Duration) {
	lt.mu.Lock()
	n := lt.count
	if n == 0 {
		lt.mu.Unlock()
		return 0, 0, 0
	}
	sorted := make([]time.Duration, n)
	copy(sorted, lt.samples[:n])
	lt.mu.Unlock()

	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return percentile(sorted, 0.50), percentile(sorted, 0.95), percentile(sorted, 0.99)
}

// Count returns the number of retained samples.
func (lt *LatencyTracker) Count() int {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	return lt.count
}

// percentile interpolates linearly between closest ranks.
func percentile(sorted []time.Duration, p float64) time.Duration {
	n := len(sorted)
	switch n {
	case 0:
		return 0
	case 1:
		return sorted[0]
	}
	rank := p * float64(n-1)
	lower := int(rank)
	if lower+1 >= n {
		return sorted[n-1]
	}
	frac := rank - float64(lower)
	return sorted[lower] + time.Duration(frac*float64(sorted[lower+1]-sorted[lower]))
}
