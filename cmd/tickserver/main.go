// cmd/tickserver — Demo upstream WebSocket feed.
// Serves random-walk prices in the generic feed protocol so marketd can run
// without exchange credentials.
//
// Frames sent to clients are model.Tick JSON:
//
//	{"symbol":"BTCUSDT","price":"65012.34","change":"0.12","timestamp":"..."}
//
// Clients choose what they receive with control frames:
//
//	{"action":"subscribe","symbol":"BTCUSDT"}
//	{"action":"unsubscribe","symbol":"BTCUSDT"}
//
// Connecting with ?all=1 subscribes to every simulated symbol. Unknown symbols
// are accepted and start at 100.00.
//
// Config (env vars):
//
//	TICK_SERVER_ADDR   — listen address  (default: ":9001")
//	TICK_SYMBOLS       — comma-separated SYMBOL:START_PRICE pairs (default: "BTCUSDT:65000,ETHUSDT:3200")
//	TICK_INTERVAL_MS   — broadcast interval milliseconds (default: "100")
//	TICK_MALFORMED_PCT — percentage of frames replaced with garbage (default: "0")
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"marketpulse/internal/model"
)

// instrument holds per-symbol simulation state.
type instrument struct {
	open  decimal.Decimal
	price decimal.Decimal
}

type controlMsg struct {
	Action string `json:"action"`
	Symbol string `json:"symbol"`
}

// ─── Hub ──────────────────────────────────────────────────────────────────────

type client struct {
	send chan []byte

	mu      sync.RWMutex
	symbols map[string]bool
	all     bool
}

func (c *client) wants(sym string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.all || c.symbols[sym]
}

type hub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]*client

	instMu      sync.Mutex
	instruments map[string]*instrument
}

func newHub(instruments map[string]*instrument) *hub {
	return &hub{
		clients:     make(map[*websocket.Conn]*client),
		instruments: instruments,
	}
}

func (h *hub) register(conn *websocket.Conn, all bool) *client {
	c := &client{send: make(chan []byte, 256), symbols: make(map[string]bool), all: all}
	h.mu.Lock()
	h.clients[conn] = c
	h.mu.Unlock()
	return c
}

func (h *hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	if c, ok := h.clients[conn]; ok {
		close(c.send)
		delete(h.clients, conn)
	}
	h.mu.Unlock()
}

// ensure starts simulating sym if it is new.
func (h *hub) ensure(sym string) {
	h.instMu.Lock()
	defer h.instMu.Unlock()
	if _, ok := h.instruments[sym]; !ok {
		p := decimal.NewFromInt(100)
		h.instruments[sym] = &instrument{open: p, price: p}
		log.Printf("[tickserver] simulating new symbol %s", sym)
	}
}

func (h *hub) broadcast(sym string, msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if !c.wants(sym) {
			continue
		}
		select {
		case c.send <- msg:
		default: // slow client — drop tick
		}
	}
}

// ─── WebSocket handler ────────────────────────────────────────────────────────

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

func wsHandler(h *hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[tickserver] upgrade error: %v", err)
			return
		}
		log.Printf("[tickserver] client connected: %s", r.RemoteAddr)

		c := h.register(conn, r.URL.Query().Get("all") == "1")
		defer func() {
			h.unregister(conn)
			conn.Close()
			log.Printf("[tickserver] client disconnected: %s", r.RemoteAddr)
		}()

		// Read pump: applies subscribe/unsubscribe frames.
		go func() {
			defer conn.Close()
			for {
				_, raw, err := conn.ReadMessage()
				if err != nil {
					return
				}
				var msg controlMsg
				if err := json.Unmarshal(raw, &msg); err != nil {
					continue
				}
				sym := model.NormalizeSymbol(msg.Symbol)
				if sym == "" {
					continue
				}
				c.mu.Lock()
				switch strings.ToLower(msg.Action) {
				case "subscribe":
					c.symbols[sym] = true
				case "unsubscribe":
					delete(c.symbols, sym)
				}
				c.mu.Unlock()
				if strings.EqualFold(msg.Action, "subscribe") {
					h.ensure(sym)
				}
				log.Printf("[tickserver] %s %s %s", r.RemoteAddr, strings.ToLower(msg.Action), sym)
			}
		}()

		// Write pump: sends tick JSON to this client.
		for msg := range c.send {
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

// ─── Tick generator ──────────────────────────────────────────────────────────

var (
	walkBand = decimal.NewFromFloat(0.002)
	hundred  = decimal.NewFromInt(100)
	minPrice = decimal.New(1, -2)
)

// walkPrice applies a tiny random walk (±0.1%) to simulate price movement.
func walkPrice(rng *rand.Rand, price decimal.Decimal) decimal.Decimal {
	pct := decimal.NewFromFloat(rng.Float64()).Sub(decimal.NewFromFloat(0.5)).Mul(walkBand)
	next := price.Add(price.Mul(pct)).Round(2)
	if next.LessThan(minPrice) {
		next = minPrice
	}
	return next
}

func runGenerator(h *hub, interval time.Duration, malformedPct int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	for range ticker.C {
		h.instMu.Lock()
		frames := make(map[string][]byte, len(h.instruments))
		for sym, inst := range h.instruments {
			inst.price = walkPrice(rng, inst.price)
			change := inst.price.Sub(inst.open).Div(inst.open).Mul(hundred).Round(2)
			frames[sym] = model.NewTick(sym, inst.price, &change, time.Now().UTC()).JSON()
		}
		h.instMu.Unlock()

		for sym, b := range frames {
			if malformedPct > 0 && rng.Intn(100) < malformedPct {
				b = []byte(`{"symbol":"` + sym + `","price":`)
			}
			h.broadcast(sym, b)
		}
	}
}

// ─── main ─────────────────────────────────────────────────────────────────────

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[tickserver] starting demo tick server...")

	// Config
	addr := envOrDefault("TICK_SERVER_ADDR", ":9001")
	symbolsEnv := envOrDefault("TICK_SYMBOLS", "BTCUSDT:65000,ETHUSDT:3200")
	intervalMs := envIntOrDefault("TICK_INTERVAL_MS", 100)
	malformedPct := envIntOrDefault("TICK_MALFORMED_PCT", 0)

	instruments := parseInstruments(symbolsEnv)
	if len(instruments) == 0 {
		log.Fatalf("[tickserver] no instruments configured via TICK_SYMBOLS")
	}
	log.Printf("[tickserver] instruments: %d", len(instruments))
	log.Printf("[tickserver] broadcast interval: %dms", intervalMs)

	h := newHub(instruments)

	go runGenerator(h, time.Duration(intervalMs)*time.Millisecond, malformedPct)

	// HTTP routes
	http.HandleFunc("/ws", wsHandler(h))
	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, `{"status":"ok","service":"tickserver"}`)
	})

	log.Printf("[tickserver] ✅ listening on %s  (WebSocket: ws://localhost%s/ws)", addr, addr)
	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Fatalf("[tickserver] server error: %v", err)
	}
}

// ─── helpers ──────────────────────────────────────────────────────────────────

func parseInstruments(s string) map[string]*instrument {
	result := make(map[string]*instrument)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		symRaw, priceRaw, _ := strings.Cut(part, ":")
		sym := model.NormalizeSymbol(symRaw)
		if sym == "" {
			log.Printf("[tickserver] skipping invalid symbol spec: %q", part)
			continue
		}
		price := decimal.NewFromInt(100)
		if priceRaw != "" {
			p, err := decimal.NewFromString(strings.TrimSpace(priceRaw))
			if err != nil || !p.IsPositive() {
				log.Printf("[tickserver] bad start price for %s: %q", sym, priceRaw)
				continue
			}
			price = p
		}
		result[sym] = &instrument{open: price, price: price}
	}
	return result
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
