package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
// Precedence: built-in defaults < YAML file < .env file < process environment.
type Config struct {
	LogLevel    string `yaml:"log_level"`
	MetricsAddr string `yaml:"metrics_addr"`

	// PyroscopeAddr enables continuous profiling, e.g. "http://localhost:4040".
	PyroscopeAddr string `yaml:"pyroscope_addr"`

	Feeds     []FeedConfig    `yaml:"feeds"`
	Indices   IndexConfig     `yaml:"indices"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Cache     CacheConfig     `yaml:"cache"`
	Redis     RedisConfig     `yaml:"redis"`
	Broker    BrokerConfig    `yaml:"broker"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Alerts    AlertsConfig    `yaml:"alerts"`
}

// FeedConfig describes one upstream WebSocket source.
type FeedConfig struct {
	Name     string   `yaml:"name"`
	URL      string   `yaml:"url"`
	Protocol string   `yaml:"protocol"` // generic | binance | finnhub
	Class    string   `yaml:"class"`    // instrument class for TTL lookup
	Symbols  []string `yaml:"symbols"`
}

// IndexConfig polls index levels over HTTP. No symbols disables it.
type IndexConfig struct {
	Symbols  map[string]string `yaml:"symbols"` // published symbol -> quote id, e.g. NSE: ^NSEI
	URL      string            `yaml:"url"`
	Class    string            `yaml:"class"`
	Interval time.Duration     `yaml:"interval"`
}

// ReconnectConfig controls the upstream backoff.
type ReconnectConfig struct {
	Delay    time.Duration `yaml:"delay"`
	MaxDelay time.Duration `yaml:"max_delay"`
	Jitter   bool          `yaml:"jitter"`
}

// CacheConfig selects the price cache backend and its TTLs.
type CacheConfig struct {
	Backend         string                   `yaml:"backend"` // memory | redis
	DefaultTTL      time.Duration            `yaml:"default_ttl"`
	ClassTTL        map[string]time.Duration `yaml:"class_ttl"`
	CompactInterval time.Duration            `yaml:"compact_interval"`
}

// RedisConfig is shared by the redis cache, the pubsub bus and health checks.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// BrokerConfig selects the cross-process tick transport.
type BrokerConfig struct {
	Kind         string   `yaml:"kind"` // none | redis | kafka
	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic"`
	KafkaGroup   string   `yaml:"kafka_group"`
}

// LedgerConfig selects the transaction store and cost-basis method.
type LedgerConfig struct {
	Driver        string        `yaml:"driver"` // sqlite | postgres
	SQLitePath    string        `yaml:"sqlite_path"`
	PostgresDSN   string        `yaml:"postgres_dsn"`
	CostBasis     string        `yaml:"cost_basis"` // FIFO | WEIGHTED_AVERAGE
	MemoTTL       time.Duration `yaml:"memo_ttl"`
	MaxConcurrent int           `yaml:"max_concurrent"`
}

// GatewayConfig controls the downstream WebSocket hub.
type GatewayConfig struct {
	Addr             string `yaml:"addr"`
	SubscriberBuffer int    `yaml:"subscriber_buffer"`
	BacklogPolicy    string `yaml:"backlog_policy"` // drop_oldest | disconnect
	MaxDrops         int    `yaml:"max_drops"`
	DynamicUpstream  bool   `yaml:"dynamic_upstream"`
}

// AlertsConfig routes operational alerts. Empty targets fall back to the log.
type AlertsConfig struct {
	WebhookURL     string        `yaml:"webhook_url"`
	TelegramToken  string        `yaml:"telegram_token"`
	TelegramChatID string        `yaml:"telegram_chat_id"`
	Cooldown       time.Duration `yaml:"cooldown"`
}

// Default returns a configuration that runs against cmd/tickserver with in-memory
// caching and a local SQLite ledger.
func Default() *Config {
	return &Config{
		LogLevel:    "info",
		MetricsAddr: ":9090",
		Feeds: []FeedConfig{{
			Name:     "tickserver",
			URL:      "ws://localhost:9001/ws",
			Protocol: "generic",
			Class:    "crypto",
			Symbols:  []string{"BTCUSDT", "ETHUSDT"},
		}},
		Indices: IndexConfig{
			Class:    "index",
			Interval: 10 * time.Second,
		},
		Reconnect: ReconnectConfig{
			Delay:    2 * time.Second,
			MaxDelay: 30 * time.Second,
			Jitter:   true,
		},
		Cache: CacheConfig{
			Backend:    "memory",
			DefaultTTL: 30 * time.Second,
			ClassTTL: map[string]time.Duration{
				"crypto": 10 * time.Second,
				"equity": 60 * time.Second,
				"index":  60 * time.Second,
			},
			CompactInterval: time.Minute,
		},
		Redis: RedisConfig{Addr: "localhost:6379"},
		Broker: BrokerConfig{
			Kind:         "none",
			KafkaBrokers: []string{"localhost:9092"},
			KafkaTopic:   "market_ticks",
			KafkaGroup:   "marketpulse-hub",
		},
		Ledger: LedgerConfig{
			Driver:        "sqlite",
			SQLitePath:    "data/ledger.db",
			CostBasis:     "FIFO",
			MemoTTL:       2 * time.Second,
			MaxConcurrent: 8,
		},
		Gateway: GatewayConfig{
			Addr:             ":8080",
			SubscriberBuffer: 256,
			BacklogPolicy:    "drop_oldest",
			MaxDrops:         1024,
		},
		Alerts: AlertsConfig{Cooldown: 5 * time.Minute},
	}
}

// Load builds the configuration. path may be empty, in which case
// MARKETPULSE_CONFIG is consulted; no file at all means defaults plus env.
func Load(path string) (*Config, error) {
	// .env only fills variables that are not already set.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("[config] ignoring .env: %v", err)
	}

	cfg := Default()

	if path == "" {
		path = os.Getenv("MARKETPULSE_CONFIG")
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	log.Printf("[config] loaded %s", path)
	return nil
}

func (c *Config) applyEnv() error {
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.MetricsAddr = getEnv("METRICS_ADDR", c.MetricsAddr)
	c.PyroscopeAddr = getEnv("PYROSCOPE_ADDR", c.PyroscopeAddr)

	// A single FEED_URL replaces any file-defined feeds.
	if u := os.Getenv("FEED_URL"); u != "" {
		c.Feeds = []FeedConfig{{
			Name:     getEnv("FEED_NAME", "feed"),
			URL:      u,
			Protocol: getEnv("FEED_PROTOCOL", "generic"),
			Class:    getEnv("FEED_CLASS", "crypto"),
			Symbols:  splitList(getEnv("FEED_SYMBOLS", "BTCUSDT,ETHUSDT")),
		}}
	}

	var err error
	// INDEX_SYMBOLS="NSE=^NSEI,BSE=^BSESN"
	if v := os.Getenv("INDEX_SYMBOLS"); v != "" {
		if c.Indices.Symbols, err = parseMapping("INDEX_SYMBOLS", v); err != nil {
			return err
		}
	}
	c.Indices.URL = getEnv("INDEX_QUOTE_URL", c.Indices.URL)
	c.Indices.Class = getEnv("INDEX_CLASS", c.Indices.Class)
	if c.Indices.Interval, err = getDuration("INDEX_POLL_INTERVAL", c.Indices.Interval); err != nil {
		return err
	}

	if c.Reconnect.Delay, err = getDuration("RECONNECT_DELAY", c.Reconnect.Delay); err != nil {
		return err
	}
	if c.Reconnect.MaxDelay, err = getDuration("MAX_RECONNECT_DELAY", c.Reconnect.MaxDelay); err != nil {
		return err
	}
	if c.Reconnect.Jitter, err = getBool("RECONNECT_JITTER", c.Reconnect.Jitter); err != nil {
		return err
	}

	c.Cache.Backend = getEnv("CACHE_BACKEND", c.Cache.Backend)
	if c.Cache.DefaultTTL, err = getDuration("CACHE_DEFAULT_TTL", c.Cache.DefaultTTL); err != nil {
		return err
	}
	if c.Cache.CompactInterval, err = getDuration("CACHE_COMPACT_INTERVAL", c.Cache.CompactInterval); err != nil {
		return err
	}
	// CACHE_CLASS_TTLS="crypto=10s,equity=1m"
	if v := os.Getenv("CACHE_CLASS_TTLS"); v != "" {
		ttls, err := parseClassTTLs(v)
		if err != nil {
			return err
		}
		if c.Cache.ClassTTL == nil {
			c.Cache.ClassTTL = make(map[string]time.Duration)
		}
		for class, ttl := range ttls {
			c.Cache.ClassTTL[class] = ttl
		}
	}

	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	if c.Redis.DB, err = getInt("REDIS_DB", c.Redis.DB); err != nil {
		return err
	}

	c.Broker.Kind = getEnv("BROKER", c.Broker.Kind)
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Broker.KafkaBrokers = splitList(v)
	}
	c.Broker.KafkaTopic = getEnv("KAFKA_TOPIC", c.Broker.KafkaTopic)
	c.Broker.KafkaGroup = getEnv("KAFKA_GROUP", c.Broker.KafkaGroup)

	c.Ledger.Driver = getEnv("LEDGER_DRIVER", c.Ledger.Driver)
	c.Ledger.SQLitePath = getEnv("SQLITE_PATH", c.Ledger.SQLitePath)
	c.Ledger.PostgresDSN = getEnv("POSTGRES_DSN", c.Ledger.PostgresDSN)
	c.Ledger.CostBasis = getEnv("COST_BASIS", c.Ledger.CostBasis)
	if c.Ledger.MemoTTL, err = getDuration("HOLDINGS_MEMO_TTL", c.Ledger.MemoTTL); err != nil {
		return err
	}
	if c.Ledger.MaxConcurrent, err = getInt("HOLDINGS_MAX_CONCURRENT", c.Ledger.MaxConcurrent); err != nil {
		return err
	}

	c.Gateway.Addr = getEnv("GATEWAY_ADDR", c.Gateway.Addr)
	if c.Gateway.SubscriberBuffer, err = getInt("SUBSCRIBER_BUFFER", c.Gateway.SubscriberBuffer); err != nil {
		return err
	}
	c.Gateway.BacklogPolicy = getEnv("BACKLOG_POLICY", c.Gateway.BacklogPolicy)
	if c.Gateway.MaxDrops, err = getInt("BACKLOG_MAX_DROPS", c.Gateway.MaxDrops); err != nil {
		return err
	}
	if c.Gateway.DynamicUpstream, err = getBool("DYNAMIC_UPSTREAM", c.Gateway.DynamicUpstream); err != nil {
		return err
	}

	c.Alerts.WebhookURL = getEnv("ALERT_WEBHOOK_URL", c.Alerts.WebhookURL)
	c.Alerts.TelegramToken = getEnv("TELEGRAM_BOT_TOKEN", c.Alerts.TelegramToken)
	c.Alerts.TelegramChatID = getEnv("TELEGRAM_CHAT_ID", c.Alerts.TelegramChatID)
	if c.Alerts.Cooldown, err = getDuration("ALERT_COOLDOWN", c.Alerts.Cooldown); err != nil {
		return err
	}
	return nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if len(c.Feeds) == 0 {
		return errors.New("config: at least one feed is required")
	}
	for i, f := range c.Feeds {
		if f.URL == "" {
			return fmt.Errorf("config: feeds[%d] has no url", i)
		}
		switch strings.ToLower(f.Protocol) {
		case "", "generic", "binance", "finnhub":
		default:
			return fmt.Errorf("config: feeds[%d] unknown protocol %q", i, f.Protocol)
		}
	}
	if len(c.Indices.Symbols) > 0 && c.Indices.Interval <= 0 {
		return errors.New("config: index poll interval must be positive")
	}
	if c.Reconnect.Delay <= 0 || c.Reconnect.MaxDelay < c.Reconnect.Delay {
		return fmt.Errorf("config: reconnect delay %s / max %s", c.Reconnect.Delay, c.Reconnect.MaxDelay)
	}
	switch c.Cache.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("config: unknown cache backend %q", c.Cache.Backend)
	}
	if c.Cache.DefaultTTL <= 0 {
		return errors.New("config: cache default ttl must be positive")
	}
	switch c.Broker.Kind {
	case "none", "redis":
	case "kafka":
		if len(c.Broker.KafkaBrokers) == 0 || c.Broker.KafkaTopic == "" {
			return errors.New("config: kafka broker needs brokers and topic")
		}
	default:
		return fmt.Errorf("config: unknown broker %q", c.Broker.Kind)
	}
	switch c.Ledger.Driver {
	case "sqlite":
		if c.Ledger.SQLitePath == "" {
			return errors.New("config: sqlite ledger needs a path")
		}
	case "postgres":
		if c.Ledger.PostgresDSN == "" {
			return errors.New("config: postgres ledger needs a dsn")
		}
	default:
		return fmt.Errorf("config: unknown ledger driver %q", c.Ledger.Driver)
	}
	switch c.Gateway.BacklogPolicy {
	case "drop_oldest", "disconnect":
	default:
		return fmt.Errorf("config: unknown backlog policy %q", c.Gateway.BacklogPolicy)
	}
	if c.Gateway.SubscriberBuffer <= 0 {
		return errors.New("config: subscriber buffer must be positive")
	}
	if (c.Alerts.TelegramToken == "") != (c.Alerts.TelegramChatID == "") {
		return errors.New("config: telegram alerts need both token and chat id")
	}
	return nil
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}

func getBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("config: %s: %w", key, err)
	}
	return b, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return d, nil
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseMapping(key, s string) (map[string]string, error) {
	out := make(map[string]string)
	for _, part := range splitList(s) {
		k, v, ok := strings.Cut(part, "=")
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if !ok || k == "" || v == "" {
			return nil, fmt.Errorf("config: %s entry %q is not name=id", key, part)
		}
		out[k] = v
	}
	return out, nil
}

func parseClassTTLs(s string) (map[string]time.Duration, error) {
	out := make(map[string]time.Duration)
	for _, part := range splitList(s) {
		class, raw, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("config: CACHE_CLASS_TTLS entry %q is not class=duration", part)
		}
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("config: CACHE_CLASS_TTLS %s: %w", class, err)
		}
		out[strings.ToLower(strings.TrimSpace(class))] = d
	}
	return out, nil
}
