// cmd/marketd — market data distribution and position accounting daemon.
//
// Pipeline:
//
//	feed connectors → tick channel → FanOut ─┬─ cache writer → PriceCache (memory | redis)
//	                                         └─ hub (direct, or via redis/kafka broker relay)
//	                                                └─ WebSocket subscribers (/ws)
//	ledger store (sqlite | postgres) + PriceCache → holdings API (/api/holdings)
//
// Config: YAML file (-config or MARKETPULSE_CONFIG), .env and environment.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"marketpulse/config"
	"marketpulse/internal/broker/kafka"
	"marketpulse/internal/gateway"
	"marketpulse/internal/ledger"
	"marketpulse/internal/logger"
	"marketpulse/internal/marketdata/bus"
	"marketpulse/internal/marketdata/feed"
	"marketpulse/internal/metrics"
	"marketpulse/internal/model"
	"marketpulse/internal/notification"
	"marketpulse/internal/pricecache"
	redisstore "marketpulse/internal/store/redis"
	"marketpulse/internal/store/postgres"
	"marketpulse/internal/store/sqlite"
)

const (
	tickChannelSize = 10000
	busBufferSize   = 5000
)

// ledgerStore is what both SQL backends provide.
type ledgerStore interface {
	model.TransactionStore
	DB() *sql.DB
}

func main() {
	configPath := flag.String("config", "", "path to YAML config")
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("[marketd] config: %v", err)
	}
	slogger := logger.Init("marketd", logger.ParseLevel(cfg.LogLevel))
	log.Println("[marketd] starting...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// ── Metrics & health ──
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	prom := metrics.New(reg)
	health := metrics.NewHealthStatus()
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health, reg)
	metricsSrv.Start()

	stopProfiler, err := metrics.StartProfiler("marketd", cfg.PyroscopeAddr, map[string]string{
		"cache":  cfg.Cache.Backend,
		"broker": cfg.Broker.Kind,
	})
	if err != nil {
		log.Printf("[marketd] ⚠️  %v", err)
		stopProfiler = func() {}
	}

	// ── Alerts ──
	alerts := notification.NewDispatcher(
		notification.Build(cfg.Alerts.WebhookURL, cfg.Alerts.TelegramToken, cfg.Alerts.TelegramChatID),
		cfg.Alerts.Cooldown,
	)
	alertCtx, stopAlerts := context.WithCancel(ctx)
	go alerts.Run(alertCtx)

	// ── Staleness policy ──
	policy := pricecache.NewPolicy(cfg.Cache.DefaultTTL, cfg.Cache.ClassTTL)
	for _, f := range cfg.Feeds {
		policy.Assign(f.Class, f.Symbols...)
	}
	for sym := range cfg.Indices.Symbols {
		policy.Assign(cfg.Indices.Class, sym)
	}

	// ── Redis (cache and/or broker) ──
	var rdb *goredis.Client
	if cfg.Cache.Backend == "redis" || cfg.Broker.Kind == "redis" {
		rdb, err = redisstore.Connect(ctx, redisstore.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			log.Fatalf("[marketd] %v", err)
		}
	}

	// ── Price cache ──
	var cache model.PriceCache
	switch cfg.Cache.Backend {
	case "redis":
		breaker := redisstore.NewCircuitBreaker(5, 10*time.Second)
		breaker.OnStateChange = func(_, to redisstore.State) {
			prom.CacheBreakerState.Set(float64(to))
			switch to {
			case redisstore.StateOpen:
				prom.CacheBreakerTrips.Inc()
				alerts.Notify(notification.Alert{
					Level: notification.AlertCritical, Key: "cache:breaker",
					Title: "price cache unavailable", Message: "redis circuit breaker opened; writes are held",
				})
			case redisstore.StateClosed:
				alerts.Notify(notification.Alert{
					Level: notification.AlertInfo, Key: "cache:breaker:closed",
					Title: "price cache recovered", Message: "redis circuit breaker closed",
				})
			}
		}
		rc := redisstore.NewCache(rdb, policy, breaker)
		rc.OnError = func(op string, _ error) { prom.CacheErrors.WithLabelValues(op).Inc() }
		go rc.RunCompactor(ctx, cfg.Cache.CompactInterval)
		cache = rc
	default:
		mc := pricecache.NewMemory(policy)
		go mc.RunCompactor(ctx, cfg.Cache.CompactInterval)
		cache = mc
	}
	log.Printf("[marketd] price cache: %s (default ttl %s)", cfg.Cache.Backend, cfg.Cache.DefaultTTL)

	// ── Ledger ──
	store, err := openLedger(ctx, cfg.Ledger)
	if err != nil {
		log.Fatalf("[marketd] ledger: %v", err)
	}
	method, err := ledger.ParseCostBasisMethod(cfg.Ledger.CostBasis)
	if err != nil {
		log.Fatalf("[marketd] ledger: %v", err)
	}
	holdings := ledger.NewService(store, cache, ledger.ServiceConfig{
		Method:        method,
		MemoTTL:       cfg.Ledger.MemoTTL,
		MaxConcurrent: cfg.Ledger.MaxConcurrent,
	})
	holdings.OnCompute = func(elapsed time.Duration, r ledger.Report) {
		prom.HoldingsComputeDur.Observe(elapsed.Seconds())
		prom.LedgerViolations.Add(float64(len(r.Violations)))
		if len(r.Violations) > 0 {
			alerts.Notify(notification.Alert{
				Level: notification.AlertWarning, Key: "ledger:" + r.AccountID,
				Title:   "ledger violation",
				Message: fmt.Sprintf("account %s: %v", r.AccountID, r.Violations[0]),
			})
		}
	}

	// ── Hub ──
	backlog, err := gateway.ParseBacklogPolicy(cfg.Gateway.BacklogPolicy)
	if err != nil {
		log.Fatalf("[marketd] gateway: %v", err)
	}
	hub := gateway.NewHub(gateway.HubConfig{
		QueueSize: cfg.Gateway.SubscriberBuffer,
		Policy:    backlog,
		MaxDrops:  cfg.Gateway.MaxDrops,
	}, cache)
	hub.OnDeliver = func() { prom.HubDeliveries.Inc() }
	hub.OnDrop = func(*gateway.Handle) { prom.HubDrops.Inc() }
	hub.OnEvict = func(h *gateway.Handle, reason string) {
		prom.HubEvictions.WithLabelValues(reason).Inc()
		alerts.Notify(notification.Alert{
			Level: notification.AlertInfo, Key: "hub:evict",
			Title:   "slow subscriber disconnected",
			Message: fmt.Sprintf("%s (%s), %d ticks dropped", h.Label, reason, h.Dropped()),
		})
	}

	// ── Feed connectors ──
	tickCh := make(chan model.Tick, tickChannelSize)
	var connectors []*feed.Connector
	static := make(map[string]bool)
	for _, fc := range cfg.Feeds {
		codec, err := feed.CodecFor(fc.Protocol)
		if err != nil {
			log.Fatalf("[marketd] feed %s: %v", fc.Name, err)
		}
		c, err := feed.New(feed.Config{
			Name:              fc.Name,
			URL:               fc.URL,
			ReconnectDelay:    cfg.Reconnect.Delay,
			MaxReconnectDelay: cfg.Reconnect.MaxDelay,
			Jitter:            cfg.Reconnect.Jitter,
		}, codec, tickCh)
		if err != nil {
			log.Fatalf("[marketd] feed %s: %v", fc.Name, err)
		}
		c.OnStateChange, c.OnDrop, c.OnTick = feedHooks(c.Name(), prom, health, alerts)
		c.OnReconnect = func() { prom.FeedReconnects.WithLabelValues(c.Name()).Inc() }
		connectors = append(connectors, c)
		for _, s := range model.NormalizeSymbols(fc.Symbols) {
			static[s] = true
		}
	}

	// Index levels are polled; no streaming feed carries them.
	var indices *feed.Poller
	if len(cfg.Indices.Symbols) > 0 {
		indices, err = feed.NewPoller(feed.PollConfig{
			Name:     "indices",
			BaseURL:  cfg.Indices.URL,
			Symbols:  cfg.Indices.Symbols,
			Interval: cfg.Indices.Interval,
		}, tickCh)
		if err != nil {
			log.Fatalf("[marketd] indices: %v", err)
		}
		indices.OnStateChange, indices.OnDrop, indices.OnTick = feedHooks(indices.Name(), prom, health, alerts)
		for _, s := range indices.Symbols() {
			static[s] = true
		}
	}

	// Symbols nobody configured follow downstream interest on the first feed.
	if cfg.Gateway.DynamicUpstream && len(connectors) > 0 {
		upstream := connectors[0]
		hub.OnFirstInterest = func(sym string) {
			if !static[sym] {
				upstream.Subscribe(sym)
			}
		}
		hub.OnLastInterest = func(sym string) {
			if !static[sym] {
				upstream.Unsubscribe(sym)
			}
		}
	}

	// ── Internal bus ──
	fanout := bus.New(busBufferSize)
	fanout.OnDrop = func(name string) { prom.BusDrops.WithLabelValues(name).Inc() }
	cacheIn := fanout.Subscribe("cache")
	hubIn := fanout.Subscribe("hub")

	var pipeline sync.WaitGroup
	pipeline.Add(1)
	go func() {
		defer pipeline.Done()
		fanout.Run(context.Background(), tickCh)
	}()

	writer := pricecache.NewWriter(cache)
	writer.OnWrite = func(t model.Tick) {
		prom.CacheWrites.Inc()
		health.SetLastTickTime(t.Timestamp)
	}
	pipeline.Add(1)
	go func() {
		defer pipeline.Done()
		writer.Run(context.Background(), cacheIn)
	}()

	// ── Broker ──
	var (
		publisher  model.TickPublisher
		subscriber model.TickSubscriber
	)
	switch cfg.Broker.Kind {
	case "redis":
		tb := redisstore.NewTickBus(rdb)
		publisher, subscriber = tb, tb
	case "kafka":
		kcfg := kafka.Config{
			Brokers: cfg.Broker.KafkaBrokers,
			Topic:   cfg.Broker.KafkaTopic,
			GroupID: cfg.Broker.KafkaGroup,
		}
		if err := kafka.EnsureTopic(kcfg.Brokers[0], kcfg.Topic, 3); err != nil {
			log.Printf("[marketd] ⚠️  kafka topic check failed: %v", err)
		}
		publisher, subscriber = kafka.NewProducer(kcfg), kafka.NewConsumer(kcfg)
	}

	pipeline.Add(1)
	if publisher == nil {
		go func() {
			defer pipeline.Done()
			hub.Run(context.Background(), hubIn)
		}()
	} else {
		go func() {
			defer pipeline.Done()
			for t := range hubIn {
				if err := publisher.Publish(context.Background(), t); err != nil {
					prom.BrokerPublishErrors.Inc()
				}
			}
		}()
		go gateway.NewRelay(hub, subscriber).Run(ctx)
		log.Printf("[marketd] hub fed through %s broker", cfg.Broker.Kind)
	}

	for i, c := range connectors {
		c.Start(ctx, cfg.Feeds[i].Symbols)
	}
	if indices != nil {
		indices.Start(ctx)
	}

	// ── HTTP ──
	latency := gateway.NewLatencyTracker(10000)
	latency.Observe = func(d time.Duration) { prom.DeliveryLatency.Observe(d.Seconds()) }

	mux := http.NewServeMux()
	gateway.RegisterRoutes(mux, gateway.Routes{
		Hub:      hub,
		Cache:    cache,
		Ledger:   holdings,
		Appender: store,
		Latency:  latency,
		Start:    time.Now(),
	})
	httpSrv := &http.Server{Addr: cfg.Gateway.Addr, Handler: mux}
	go func() {
		if err := httpSrv.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatalf("[marketd] http server error: %v", err)
		}
	}()

	health.StartLivenessChecker(ctx, rdb, store.DB(), 10*time.Second)

	// Gauges sampled every 5s
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, s := range fanout.ChannelStats() {
					if s.Cap > 0 {
						prom.ChannelSaturationPct.WithLabelValues(s.Name).Set(float64(s.Len) / float64(s.Cap) * 100)
					}
				}
				prom.ChannelSaturationPct.WithLabelValues("ticks").Set(float64(len(tickCh)) / float64(cap(tickCh)) * 100)
				prom.HubSubscribers.Set(float64(hub.Count()))
				prom.HubSymbols.Set(float64(len(hub.Symbols())))
			}
		}
	}()

	log.Println("[marketd] ╔════════════════════════════════════════╗")
	log.Println("[marketd] ║   marketd running                      ║")
	log.Printf("[marketd] ║   Feeds:    %-27d║", len(connectors))
	log.Printf("[marketd] ║   Gateway:  %-27s║", cfg.Gateway.Addr)
	log.Printf("[marketd] ║   Metrics:  %-27s║", cfg.MetricsAddr)
	log.Println("[marketd] ╚════════════════════════════════════════╝")
	slogger.Info("marketd started",
		"feeds", len(connectors),
		"cache", cfg.Cache.Backend,
		"broker", cfg.Broker.Kind,
		"ledger", cfg.Ledger.Driver,
		"cost_basis", method.String(),
		"backlog_policy", backlog.String(),
	)

	sig := <-sigCh
	log.Printf("[marketd] received %v, shutting down...", sig)

	// Shutdown is not an outage.
	stopAlerts()

	// Upstream first so the tick channel can be closed and drained.
	for _, c := range connectors {
		c.Stop()
	}
	if indices != nil {
		indices.Stop()
	}
	close(tickCh)

	drained := make(chan struct{})
	go func() { pipeline.Wait(); close(drained) }()
	select {
	case <-drained:
	case <-time.After(5 * time.Second):
		log.Println("[marketd] ⚠️  pipeline drain timed out")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	httpSrv.Shutdown(shutdownCtx)
	hub.Close()
	if err := hub.Wait(shutdownCtx); err != nil {
		log.Printf("[marketd] ⚠️  ws sessions did not flush: %v", err)
	}
	cancel()

	if publisher != nil {
		publisher.Close()
		if cfg.Broker.Kind == "kafka" {
			subscriber.Close()
		}
	}
	cache.Close()
	store.Close()
	if rdb != nil {
		rdb.Close()
	}
	metricsSrv.Stop(shutdownCtx)
	stopProfiler()

	log.Println("[marketd] stopped")
}

func openLedger(ctx context.Context, cfg config.LedgerConfig) (ledgerStore, error) {
	switch cfg.Driver {
	case "postgres":
		return postgres.Open(ctx, cfg.PostgresDSN)
	default:
		if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
		}
		return sqlite.Open(cfg.SQLitePath)
	}
}

// feedHooks returns the metrics, health and alerting hooks shared by
// connectors and pollers.
func feedHooks(name string, prom *metrics.Metrics, health *metrics.HealthStatus, alerts *notification.Dispatcher) (
	onState func(feed.State), onDrop func(string), onTick func(model.Tick)) {
	var wasUp, wasDown bool // only touched from the source's loop goroutine
	onState = func(s feed.State) {
		prom.FeedState.WithLabelValues(name).Set(float64(s))
		health.SetFeedConnected(name, s == feed.Connected)
		switch {
		case s == feed.Disconnected && wasUp:
			wasUp, wasDown = false, true
			alerts.Notify(notification.Alert{
				Level: notification.AlertWarning, Key: "feed:" + name + ":down",
				Title: "feed disconnected", Message: name + " lost its upstream connection; reconnecting",
			})
		case s == feed.Connected:
			if wasDown {
				alerts.Notify(notification.Alert{
					Level: notification.AlertInfo, Key: "feed:" + name + ":up",
					Title: "feed reconnected", Message: name + " is streaming again",
				})
			}
			wasUp, wasDown = true, false
		}
	}
	onDrop = func(reason string) { prom.FeedDrops.WithLabelValues(name, reason).Inc() }
	onTick = func(model.Tick) { prom.FeedTicks.WithLabelValues(name).Inc() }
	return onState, onDrop, onTick
}
