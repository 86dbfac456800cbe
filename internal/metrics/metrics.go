package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every Prometheus collector the daemon exports.
type Metrics struct {
	// Feed connectors
	FeedTicks      *prometheus.CounterVec // labels: feed
	FeedDrops      *prometheus.CounterVec // labels: feed, reason
	FeedReconnects *prometheus.CounterVec // labels: feed
	FeedState      *prometheus.GaugeVec   // labels: feed; 0=disconnected 1=connecting 2=connected

	// Internal bus
	BusDrops             *prometheus.CounterVec // labels: subscriber
	ChannelSaturationPct *prometheus.GaugeVec   // labels: channel_name

	// Price cache
	CacheWrites       prometheus.Counter
	CacheErrors       *prometheus.CounterVec // labels: op
	CacheEvicted      prometheus.Counter
	CacheBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	CacheBreakerTrips prometheus.Counter

	// Fan-out hub
	HubSubscribers  prometheus.Gauge
	HubSymbols      prometheus.Gauge
	HubDeliveries   prometheus.Counter
	HubDrops        prometheus.Counter
	HubEvictions    *prometheus.CounterVec // labels: reason
	DeliveryLatency prometheus.Histogram

	// Broker transport
	BrokerPublishErrors prometheus.Counter

	// Ledger
	HoldingsComputeDur prometheus.Histogram
	LedgerViolations   prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FeedTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketpulse_feed_ticks_total",
			Help: "Ticks decoded from upstream feeds",
		}, []string{"feed"}),
		FeedDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketpulse_feed_dropped_total",
			Help: "Upstream messages dropped, by reason (malformed, unknown_symbol, backpressure)",
		}, []string{"feed", "reason"}),
		FeedReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketpulse_feed_reconnects_total",
			Help: "Upstream reconnection attempts",
		}, []string{"feed"}),
		FeedState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "marketpulse_feed_state",
			Help: "Connector state (0=disconnected, 1=connecting, 2=connected)",
		}, []string{"feed"}),

		BusDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketpulse_bus_drops_total",
			Help: "Ticks dropped by the internal fan-out bus per subscriber",
		}, []string{"subscriber"}),
		ChannelSaturationPct: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "marketpulse_channel_saturation_pct",
			Help: "Channel fill percentage (len/cap * 100)",
		}, []string{"channel_name"}),

		CacheWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketpulse_cache_writes_total",
			Help: "Ticks written to the price cache",
		}),
		CacheErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketpulse_cache_errors_total",
			Help: "Price cache backend failures by operation",
		}, []string{"op"}),
		CacheEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketpulse_cache_evicted_total",
			Help: "Expired entries removed by the compactor",
		}),
		CacheBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "marketpulse_cache_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		CacheBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketpulse_cache_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),

		HubSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "marketpulse_hub_subscribers",
			Help: "Registered downstream subscribers",
		}),
		HubSymbols: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "marketpulse_hub_symbols",
			Help: "Symbols with at least one subscriber",
		}),
		HubDeliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketpulse_hub_deliveries_total",
			Help: "Ticks enqueued to subscribers",
		}),
		HubDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketpulse_hub_drops_total",
			Help: "Ticks discarded because a subscriber queue was full",
		}),
		HubEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketpulse_hub_evictions_total",
			Help: "Subscribers disconnected by the hub",
		}, []string{"reason"}),
		DeliveryLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "marketpulse_delivery_latency_seconds",
			Help:    "Latency from tick timestamp to socket write",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}),

		BrokerPublishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketpulse_broker_publish_errors_total",
			Help: "Ticks the broker transport failed to publish",
		}),

		HoldingsComputeDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "marketpulse_holdings_compute_duration_seconds",
			Help:    "Holdings computation latency (ledger load + price read + replay)",
			Buckets: prometheus.DefBuckets,
		}),
		LedgerViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketpulse_ledger_violations_total",
			Help: "Symbols excluded from holdings because their ledger could not be replayed",
		}),
	}

	reg.MustRegister(
		m.FeedTicks,
		m.FeedDrops,
		m.FeedReconnects,
		m.FeedState,
		m.BusDrops,
		m.ChannelSaturationPct,
		m.CacheWrites,
		m.CacheErrors,
		m.CacheEvicted,
		m.CacheBreakerState,
		m.CacheBreakerTrips,
		m.HubSubscribers,
		m.HubSymbols,
		m.HubDeliveries,
		m.HubDrops,
		m.HubEvictions,
		m.DeliveryLatency,
		m.BrokerPublishErrors,
		m.HoldingsComputeDur,
		m.LedgerViolations,
	)
	return m
}
