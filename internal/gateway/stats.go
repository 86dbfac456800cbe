package gateway

import (
	"runtime"
	"time"
)

// Stats is the /api/stats payload.
type Stats struct {
	Subscribers int     `json:"subscribers"`
	Symbols     int     `json:"symbols"`
	Published   uint64  `json:"published"`
	LatencyP50  float64 `json:"latency_p50_ms"`
	LatencyP95  float64 `json:"latency_p95_ms"`
	LatencyP99  float64 `json:"latency_p99_ms"`
	CachedTicks int     `json:"cached_ticks"`
	HeapAllocMB float64 `json:"heap_alloc_mb"`
	GCRuns      uint32  `json:"gc_runs"`
	Goroutines  int     `json:"goroutines"`
	UptimeSec   int64   `json:"uptime_sec"`
	TS          string  `json:"ts"`
}

// CollectStats gathers hub counters and process usage.
func CollectStats(hub *Hub, latency *LatencyTracker, start time.Time) Stats {
	s := Stats{
		Subscribers: hub.Count(),
		Symbols:     len(hub.Symbols()),
		Published:   hub.Published(),
		Goroutines:  runtime.NumGoroutine(),
		UptimeSec:   int64(time.Since(start).Seconds()),
		TS:          time.Now().UTC().Format(time.RFC3339Nano),
	}
	if latency != nil {
		p50, p95, p99 := latency.Percentiles()
		s.LatencyP50, s.LatencyP95, s.LatencyP99 = ms(p50), ms(p95), ms(p99)
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	s.HeapAllocMB = float64(m.HeapAlloc) / 1024 / 1024
	s.GCRuns = m.NumGC
	return s
}

func ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000.0
}
