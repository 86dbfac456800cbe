package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"sort"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthStatus aggregates liveness of feeds and backing stores.
type HealthStatus struct {
	mu sync.RWMutex

	feeds        map[string]bool
	lastTickTime time.Time

	redisEnabled   bool
	redisConnected bool
	redisLatencyMs float64

	ledgerEnabled   bool
	ledgerOK        bool
	ledgerLatencyMs float64

	lastCheckAt time.Time
	startedAt   time.Time
}

// NewHealthStatus returns a status with no feeds and no optional stores.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		feeds:     make(map[string]bool),
		startedAt: time.Now(),
	}
}

// SetFeedConnected records a connector's state.
func (h *HealthStatus) SetFeedConnected(feed string, v bool) {
	h.mu.Lock()
	h.feeds[feed] = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastTickTime(t time.Time) {
	h.mu.Lock()
	if t.After(h.lastTickTime) {
		h.lastTickTime = t
	}
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency and connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.redisEnabled = true
	h.redisConnected = err == nil
	h.redisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.lastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckLedger pings the ledger database and records latency and health.
func (h *HealthStatus) CheckLedger(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.ledgerEnabled = true
	h.ledgerOK = err == nil
	h.ledgerLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.lastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker checks the stores every interval. Either may be nil.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, db *sql.DB, interval time.Duration) {
	check := func() {
		checkCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if rdb != nil {
			h.CheckRedis(checkCtx, rdb)
		}
		if db != nil {
			h.CheckLedger(checkCtx, db)
		}
	}
	check()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				check()
			}
		}
	}()
}

// Report is the /healthz body.
type Report struct {
	Status          string          `json:"status"`
	Uptime          string          `json:"uptime"`
	Feeds           map[string]bool `json:"feeds"`
	LastTickTime    string          `json:"last_tick_time,omitempty"`
	TickAge         string          `json:"tick_age,omitempty"`
	RedisConnected  *bool           `json:"redis_connected,omitempty"`
	RedisLatencyMs  float64         `json:"redis_latency_ms,omitempty"`
	LedgerOK        *bool           `json:"ledger_ok,omitempty"`
	LedgerLatencyMs float64         `json:"ledger_latency_ms,omitempty"`
	LastCheckAt     string          `json:"last_check_at,omitempty"`
}

// Snapshot evaluates overall health. Any disconnected feed or failing store
// degrades; no connected feed and no working store is unhealthy.
func (h *HealthStatus) Snapshot() Report {
	h.mu.RLock()
	defer h.mu.RUnlock()

	r := Report{
		Status: "healthy",
		Uptime: time.Since(h.startedAt).Round(time.Second).String(),
		Feeds:  make(map[string]bool, len(h.feeds)),
	}

	names := make([]string, 0, len(h.feeds))
	for name := range h.feeds {
		names = append(names, name)
	}
	sort.Strings(names)
	anyFeed := false
	for _, name := range names {
		up := h.feeds[name]
		r.Feeds[name] = up
		if up {
			anyFeed = true
		} else {
			r.Status = "degraded"
		}
	}

	storesOK := true
	if h.redisEnabled {
		v := h.redisConnected
		r.RedisConnected = &v
		r.RedisLatencyMs = h.redisLatencyMs
		storesOK = storesOK && v
	}
	if h.ledgerEnabled {
		v := h.ledgerOK
		r.LedgerOK = &v
		r.LedgerLatencyMs = h.ledgerLatencyMs
		storesOK = storesOK && v
	}
	if !storesOK {
		r.Status = "degraded"
	}
	if len(h.feeds) > 0 && !anyFeed && !storesOK {
		r.Status = "unhealthy"
	}

	if !h.lastTickTime.IsZero() {
		r.LastTickTime = h.lastTickTime.Format(time.RFC3339)
		r.TickAge = time.Since(h.lastTickTime).Round(time.Millisecond).String()
	}
	if !h.lastCheckAt.IsZero() {
		r.LastCheckAt = h.lastCheckAt.Format(time.RFC3339)
	}
	return r
}

// ServeHTTP handles /healthz.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rep := h.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	if rep.Status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(rep)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	addr string
	srv  *http.Server
}

// NewServer creates a metrics and health server reading from gatherer.
func NewServer(addr string, health *HealthStatus, gatherer prometheus.Gatherer) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.Handle("/healthz", health)

	return &Server{
		addr: addr,
		srv:  &http.Server{Addr: addr, Handler: mux},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
