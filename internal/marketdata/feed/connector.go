// Package feed maintains persistent WebSocket connections to upstream price
// feeds and turns their frames into model.Tick values.
//
// A Connector never blocks its socket read loop on downstream consumers:
// parsed ticks are offered to the output channel with a non-blocking send
// and dropped (and counted) when the channel is full.
package feed

import (
	"context"
	"log"
	"math/rand"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"marketpulse/internal/model"
)

// State is the connection state of a Connector.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// Drop reasons reported through OnDrop.
const (
	DropMalformed     = "malformed"
	DropUnknownSymbol = "unknown_symbol"
	DropBackpressure  = "backpressure"
)

// Config holds configuration for one upstream connection.
type Config struct {
	// Name labels logs and metrics, e.g. "binance".
	Name string

	// URL of the upstream WebSocket, e.g. "wss://stream.binance.com:9443/ws".
	URL string

	// ReconnectDelay is the initial delay before reconnection attempts.
	// Defaults to 2 seconds if zero.
	ReconnectDelay time.Duration

	// MaxReconnectDelay caps the exponential backoff. Defaults to 30s.
	// Set it equal to ReconnectDelay for a fixed delay.
	MaxReconnectDelay time.Duration

	// Jitter randomizes each wait within [delay/2, delay].
	Jitter bool

	// StableAfter is how long a session must last before the backoff starts
	// over. Defaults to 10s.
	StableAfter time.Duration

	// PingInterval between keepalive pings. Defaults to 20s.
	PingInterval time.Duration

	// ReadTimeout closes a silent connection. Defaults to 60s.
	ReadTimeout time.Duration
}

func (c *Config) defaults() {
	if c.Name == "" {
		c.Name = "feed"
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 2 * time.Second
	}
	if c.MaxReconnectDelay == 0 {
		c.MaxReconnectDelay = 30 * time.Second
	}
	if c.MaxReconnectDelay < c.ReconnectDelay {
		c.MaxReconnectDelay = c.ReconnectDelay
	}
	if c.StableAfter == 0 {
		c.StableAfter = 10 * time.Second
	}
	if c.PingInterval == 0 {
		c.PingInterval = 20 * time.Second
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 60 * time.Second
	}
}

// Stats are cumulative counters for diagnostics.
type Stats struct {
	Received     uint64 `json:"received"`
	Malformed    uint64 `json:"malformed"`
	Unknown      uint64 `json:"unknown_symbol"`
	Backpressure uint64 `json:"backpressure"`
	Reconnects   uint64 `json:"reconnects"`
}

// Dropped is the total of all drop counters.
func (s Stats) Dropped() uint64 { return s.Malformed + s.Unknown + s.Backpressure }

// Connector owns one upstream connection and its registered symbol set.
type Connector struct {
	cfg   Config
	codec Codec
	out   chan<- model.Tick

	mu      sync.Mutex
	symbols map[string]struct{}
	conn    *websocket.Conn
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	writeMu sync.Mutex
	state   atomic.Int32

	received     atomic.Uint64
	malformed    atomic.Uint64
	unknown      atomic.Uint64
	backpressure atomic.Uint64
	reconnects   atomic.Uint64

	// Optional hooks. They run on the connector's goroutines and must not block.
	OnStateChange func(State)
	OnDrop        func(reason string)
	OnTick        func(model.Tick)
	OnReconnect   func()
}

// New creates a Connector that delivers parsed ticks to out. The caller owns out
// and may close it once Stop has returned.
func New(cfg Config, codec Codec, out chan<- model.Tick) (*Connector, error) {
	cfg.defaults()
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, err
	}
	return &Connector{
		cfg:     cfg,
		codec:   codec,
		out:     out,
		symbols: make(map[string]struct{}),
	}, nil
}

// Name returns the configured connector name.
func (c *Connector) Name() string { return c.cfg.Name }

// State returns the current connection state.
func (c *Connector) State() State { return State(c.state.Load()) }

// Stats returns a copy of the counters.
func (c *Connector) Stats() Stats {
	return Stats{
		Received:     c.received.Load(),
		Malformed:    c.malformed.Load(),
		Unknown:      c.unknown.Load(),
		Backpressure: c.backpressure.Load(),
		Reconnects:   c.reconnects.Load(),
	}
}

// Subscriptions returns the registered symbols, sorted.
func (c *Connector) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sortedSymbolsLocked()
}

// Start registers symbols and launches the connection loop in the background.
// Calling Start on a running connector subscribes any new symbols.
func (c *Connector) Start(ctx context.Context, symbols []string) {
	c.mu.Lock()
	var added []string
	for _, s := range model.NormalizeSymbols(symbols) {
		if _, ok := c.symbols[s]; !ok {
			c.symbols[s] = struct{}{}
			added = append(added, s)
		}
	}
	if c.running {
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			for _, s := range added {
				c.sendControl(conn, Subscribe, s)
			}
		}
		return
	}
	c.running = true
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	go c.loop(ctx, done)
}

// Stop closes the connection and waits for the loop to exit.
func (c *Connector) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	cancel()
	<-done

	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
}

// Subscribe registers symbol and, if connected, asks upstream for it.
// Write failures are logged; the symbol is re-sent on the next connect.
func (c *Connector) Subscribe(symbol string) {
	symbol = model.NormalizeSymbol(symbol)
	if symbol == "" {
		return
	}
	c.mu.Lock()
	if _, ok := c.symbols[symbol]; ok {
		c.mu.Unlock()
		return
	}
	c.symbols[symbol] = struct{}{}
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		c.sendControl(conn, Subscribe, symbol)
	}
}

// Unsubscribe removes symbol from the registered set.
func (c *Connector) Unsubscribe(symbol string) {
	symbol = model.NormalizeSymbol(symbol)
	c.mu.Lock()
	if _, ok := c.symbols[symbol]; !ok {
		c.mu.Unlock()
		return
	}
	delete(c.symbols, symbol)
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		c.sendControl(conn, Unsubscribe, symbol)
	}
}

func (c *Connector) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer c.setState(Disconnected)

	delay := c.cfg.ReconnectDelay
	for {
		if ctx.Err() != nil {
			return
		}

		c.setState(Connecting)
		uptime, err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		c.setState(Disconnected)

		// An upstream that accepts and then drops us keeps backing off.
		if uptime >= c.cfg.StableAfter {
			delay = c.cfg.ReconnectDelay
		}
		wait := backoff(delay, c.cfg.Jitter)
		log.Printf("[feed:%s] disconnected (%v), reconnecting in %s", c.cfg.Name, err, wait)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		c.reconnects.Add(1)
		if c.OnReconnect != nil {
			c.OnReconnect()
		}
		delay *= 2
		if delay > c.cfg.MaxReconnectDelay {
			delay = c.cfg.MaxReconnectDelay
		}
	}
}

// runOnce makes a single connection attempt and reads until disconnect or ctx cancel.
// uptime is how long the session lasted, zero if the dial failed.
func (c *Connector) runOnce(ctx context.Context) (uptime time.Duration, err error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return 0, err
	}
	start := time.Now()

	c.mu.Lock()
	c.conn = conn
	symbols := c.sortedSymbolsLocked()
	c.mu.Unlock()

	finished := make(chan struct{})
	defer func() {
		close(finished)
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
	}()

	// Closes the connection when ctx is cancelled; sends keepalive pings otherwise.
	go func() {
		ticker := time.NewTicker(c.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-finished:
				return
			case <-ctx.Done():
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
					time.Now().Add(time.Second))
				conn.Close()
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	c.setState(Connected)
	log.Printf("[feed:%s] connected to %s, subscribing %d symbols", c.cfg.Name, c.cfg.URL, len(symbols))

	for _, s := range symbols {
		if err := c.writeControl(conn, Subscribe, s); err != nil {
			return time.Since(start), err
		}
	}

	conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		return nil
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return time.Since(start), err
		}
		conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		c.handleFrame(raw)
	}
}

func (c *Connector) handleFrame(raw []byte) {
	ticks, err := c.codec.Decode(raw)
	if err != nil {
		c.drop(DropMalformed)
		return
	}
	for _, t := range ticks {
		if !c.registered(t.Symbol) {
			c.drop(DropUnknownSymbol)
			continue
		}
		c.received.Add(1)
		select {
		case c.out <- t:
			if c.OnTick != nil {
				c.OnTick(t)
			}
		default:
			c.drop(DropBackpressure)
		}
	}
}

func (c *Connector) registered(symbol string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.symbols[symbol]
	return ok
}

func (c *Connector) drop(reason string) {
	switch reason {
	case DropMalformed:
		c.malformed.Add(1)
	case DropUnknownSymbol:
		c.unknown.Add(1)
	case DropBackpressure:
		c.backpressure.Add(1)
	}
	if c.OnDrop != nil {
		c.OnDrop(reason)
	}
}

func (c *Connector) sendControl(conn *websocket.Conn, action Action, symbol string) {
	if err := c.writeControl(conn, action, symbol); err != nil {
		log.Printf("[feed:%s] %s %s failed: %v", c.cfg.Name, action, symbol, err)
	}
}

func (c *Connector) writeControl(conn *websocket.Conn, action Action, symbol string) error {
	frame, err := c.codec.Control(action, symbol)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *Connector) setState(s State) {
	if State(c.state.Swap(int32(s))) == s {
		return
	}
	if c.OnStateChange != nil {
		c.OnStateChange(s)
	}
}

func (c *Connector) sortedSymbolsLocked() []string {
	out := make([]string, 0, len(c.symbols))
	for s := range c.symbols {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// backoff returns the wait before the next attempt. With jitter the wait is
// uniform in [delay/2, delay].
func backoff(delay time.Duration, jitter bool) time.Duration {
	if !jitter || delay < 2 {
		return delay
	}
	half := delay / 2
	return half + time.Duration(rand.Int63n(int64(delay-half)+1))
}
