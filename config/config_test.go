package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("MARKETPULSE_CONFIG", "")
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Cache.Backend)
	assert.Equal(t, 2*time.Second, cfg.Reconnect.Delay)
	assert.Equal(t, 30*time.Second, cfg.Reconnect.MaxDelay)
	assert.Equal(t, "FIFO", cfg.Ledger.CostBasis)
	require.Len(t, cfg.Feeds, 1)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, cfg.Feeds[0].Symbols)
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "marketpulse.yaml")
	yml := `
log_level: debug
feeds:
  - name: binance
    url: wss://stream.binance.com:9443/ws
    protocol: binance
    class: crypto
    symbols: [btcusdt, solusdt]
reconnect:
  delay: 1s
  max_delay: 1m
cache:
  backend: redis
  default_ttl: 15s
  class_ttl:
    crypto: 5s
gateway:
  backlog_policy: disconnect
  subscriber_buffer: 64
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o644))

	t.Setenv("CACHE_CLASS_TTLS", "equity=45s")
	t.Setenv("COST_BASIS", "WEIGHTED_AVERAGE")
	t.Setenv("REDIS_DB", "3")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	require.Len(t, cfg.Feeds, 1)
	assert.Equal(t, "binance", cfg.Feeds[0].Protocol)
	assert.Equal(t, time.Second, cfg.Reconnect.Delay)
	assert.Equal(t, time.Minute, cfg.Reconnect.MaxDelay)
	assert.Equal(t, "redis", cfg.Cache.Backend)
	assert.Equal(t, 5*time.Second, cfg.Cache.ClassTTL["crypto"])
	assert.Equal(t, 45*time.Second, cfg.Cache.ClassTTL["equity"])
	assert.Equal(t, "WEIGHTED_AVERAGE", cfg.Ledger.CostBasis)
	assert.Equal(t, 3, cfg.Redis.DB)
	assert.Equal(t, "disconnect", cfg.Gateway.BacklogPolicy)
	assert.Equal(t, 64, cfg.Gateway.SubscriberBuffer)
}

func TestLoad_FeedURLOverride(t *testing.T) {
	t.Setenv("FEED_URL", "wss://ws.finnhub.io?token=x")
	t.Setenv("FEED_PROTOCOL", "finnhub")
	t.Setenv("FEED_CLASS", "equity")
	t.Setenv("FEED_SYMBOLS", "AAPL, MSFT ,")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Len(t, cfg.Feeds, 1)
	assert.Equal(t, "finnhub", cfg.Feeds[0].Protocol)
	assert.Equal(t, []string{"AAPL", "MSFT"}, cfg.Feeds[0].Symbols)
}

func TestLoad_IndexSymbols(t *testing.T) {
	t.Setenv("INDEX_SYMBOLS", "NSE=^NSEI, BANKNIFTY = ^NSEBANK")
	t.Setenv("INDEX_POLL_INTERVAL", "15s")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"NSE": "^NSEI", "BANKNIFTY": "^NSEBANK"}, cfg.Indices.Symbols)
	assert.Equal(t, 15*time.Second, cfg.Indices.Interval)
	assert.Equal(t, "index", cfg.Indices.Class)
	assert.Equal(t, time.Minute, cfg.Cache.ClassTTL["index"])

	t.Setenv("INDEX_SYMBOLS", "NSE")
	_, err = Load("")
	assert.Error(t, err)
}

func TestLoad_InvalidEnv(t *testing.T) {
	t.Setenv("RECONNECT_DELAY", "soon")
	_, err := Load("")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no feeds", func(c *Config) { c.Feeds = nil }},
		{"bad protocol", func(c *Config) { c.Feeds[0].Protocol = "fix" }},
		{"max below delay", func(c *Config) { c.Reconnect.MaxDelay = time.Millisecond }},
		{"bad backend", func(c *Config) { c.Cache.Backend = "memcached" }},
		{"kafka without topic", func(c *Config) { c.Broker.Kind = "kafka"; c.Broker.KafkaTopic = "" }},
		{"postgres without dsn", func(c *Config) { c.Ledger.Driver = "postgres" }},
		{"bad policy", func(c *Config) { c.Gateway.BacklogPolicy = "block" }},
		{"telegram without chat", func(c *Config) { c.Alerts.TelegramToken = "t" }},
		{"index without interval", func(c *Config) {
			c.Indices.Symbols = map[string]string{"NSE": "^NSEI"}
			c.Indices.Interval = 0
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
	assert.NoError(t, Default().Validate())
}
