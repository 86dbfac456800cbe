package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"marketpulse/internal/model"
)

// DefaultQuoteURL serves the v8 chart endpoint polled for index levels.
const DefaultQuoteURL = "https://query1.finance.yahoo.com"

// PollConfig configures a Poller.
type PollConfig struct {
	// Name labels logs and metrics, e.g. "indices".
	Name string

	// BaseURL of the quote service. Defaults to DefaultQuoteURL.
	BaseURL string

	// Symbols maps the published symbol to the quote id it is fetched under,
	// e.g. "NSE" -> "^NSEI".
	Symbols map[string]string

	// Interval between rounds. Defaults to 10s.
	Interval time.Duration

	// ErrorBackoff replaces Interval after a round where every fetch failed.
	// Defaults to 30s.
	ErrorBackoff time.Duration

	// Timeout bounds one request. Defaults to 10s.
	Timeout time.Duration
}

func (c *PollConfig) defaults() {
	if c.Name == "" {
		c.Name = "poller"
	}
	if c.BaseURL == "" {
		c.BaseURL = DefaultQuoteURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.Interval == 0 {
		c.Interval = 10 * time.Second
	}
	if c.ErrorBackoff == 0 {
		c.ErrorBackoff = 30 * time.Second
	}
	if c.Timeout == 0 {
		c.Timeout = 10 * time.Second
	}
}

// Poller fetches quotes over HTTP on a fixed interval for instruments no
// streaming feed carries, such as market indices. Ticks go to the same
// channel the connectors write to, with the same non-blocking send.
type Poller struct {
	cfg     PollConfig
	client  *http.Client
	out     chan<- model.Tick
	symbols []string // sorted published symbols

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	state        atomic.Int32
	received     atomic.Uint64
	malformed    atomic.Uint64
	backpressure atomic.Uint64
	failures     atomic.Uint64

	// Optional hooks, same contract as the Connector's. Connected is reported
	// after a round with at least one good quote, Disconnected after a round
	// where every fetch failed.
	OnStateChange func(State)
	OnDrop        func(reason string)
	OnTick        func(model.Tick)
}

// NewPoller creates a Poller that delivers ticks to out. The caller owns out
// and may close it once Stop has returned.
func NewPoller(cfg PollConfig, out chan<- model.Tick) (*Poller, error) {
	cfg.defaults()
	if len(cfg.Symbols) == 0 {
		return nil, errors.New("poller: no symbols")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("poller: %w", err)
	}
	symbols := make(map[string]string, len(cfg.Symbols))
	published := make([]string, 0, len(cfg.Symbols))
	for sym, remote := range cfg.Symbols {
		sym = model.NormalizeSymbol(sym)
		if sym == "" || remote == "" {
			return nil, fmt.Errorf("poller: bad mapping %q -> %q", sym, remote)
		}
		symbols[sym] = remote
		published = append(published, sym)
	}
	sort.Strings(published)
	cfg.Symbols = symbols

	return &Poller{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		out:     out,
		symbols: published,
	}, nil
}

// Name returns the configured poller name.
func (p *Poller) Name() string { return p.cfg.Name }

// Symbols returns the published symbols, sorted.
func (p *Poller) Symbols() []string { return append([]string(nil), p.symbols...) }

// State reports Connected while the quote service answers.
func (p *Poller) State() State { return State(p.state.Load()) }

// Stats returns a copy of the counters. Reconnects counts failed fetches.
func (p *Poller) Stats() Stats {
	return Stats{
		Received:     p.received.Load(),
		Malformed:    p.malformed.Load(),
		Backpressure: p.backpressure.Load(),
		Reconnects:   p.failures.Load(),
	}
}

// Start launches the polling loop. A second Start is a no-op.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	go p.loop(ctx, p.done)
}

// Stop halts polling and waits for an in-flight round to finish.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	cancel()
	<-done

	p.mu.Lock()
	p.running = false
	p.mu.Unlock()
}

func (p *Poller) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer p.setState(Disconnected)

	log.Printf("[feed:%s] polling %d symbols every %s", p.cfg.Name, len(p.symbols), p.cfg.Interval)
	for {
		wait := p.cfg.Interval
		if !p.round(ctx) {
			wait = p.cfg.ErrorBackoff
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// round fetches every symbol once and reports whether any fetch succeeded.
func (p *Poller) round(ctx context.Context) bool {
	ok := 0
	for _, sym := range p.symbols {
		if ctx.Err() != nil {
			return true
		}
		t, err := p.fetch(ctx, sym)
		if err != nil {
			if ctx.Err() != nil {
				return true
			}
			p.failures.Add(1)
			if errors.Is(err, errMalformedQuote) {
				p.drop(DropMalformed)
			}
			log.Printf("[feed:%s] %s: %v", p.cfg.Name, sym, err)
			continue
		}
		ok++
		p.received.Add(1)
		select {
		case p.out <- t:
			if p.OnTick != nil {
				p.OnTick(t)
			}
		default:
			p.drop(DropBackpressure)
		}
	}
	if ok > 0 {
		p.setState(Connected)
		return true
	}
	p.setState(Disconnected)
	return false
}

var errMalformedQuote = errors.New("malformed quote")

// chartResponse is the subset of the v8 chart payload a quote needs.
type chartResponse struct {
	Chart struct {
		Result []struct {
			Meta struct {
				Price         decimal.NullDecimal `json:"regularMarketPrice"`
				PreviousClose decimal.NullDecimal `json:"chartPreviousClose"`
				MarketTime    int64               `json:"regularMarketTime"`
			} `json:"meta"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

func (p *Poller) fetch(ctx context.Context, symbol string) (model.Tick, error) {
	endpoint := fmt.Sprintf("%s/v8/finance/chart/%s?interval=1m&range=1d",
		p.cfg.BaseURL, url.PathEscape(p.cfg.Symbols[symbol]))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return model.Tick{}, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "marketpulse/1.0")

	resp, err := p.client.Do(req)
	if err != nil {
		return model.Tick{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return model.Tick{}, fmt.Errorf("quote status %d", resp.StatusCode)
	}

	var body chartResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return model.Tick{}, fmt.Errorf("%w: %v", errMalformedQuote, err)
	}
	if e := body.Chart.Error; e != nil {
		return model.Tick{}, fmt.Errorf("quote error %s: %s", e.Code, e.Description)
	}
	return parseChart(symbol, body, time.Now())
}

func parseChart(symbol string, body chartResponse, now time.Time) (model.Tick, error) {
	if len(body.Chart.Result) == 0 {
		return model.Tick{}, fmt.Errorf("%w: empty result", errMalformedQuote)
	}
	meta := body.Chart.Result[0].Meta
	if !meta.Price.Valid || !meta.Price.Decimal.IsPositive() {
		return model.Tick{}, fmt.Errorf("%w: no price", errMalformedQuote)
	}

	var change *decimal.Decimal
	if meta.PreviousClose.Valid && meta.PreviousClose.Decimal.IsPositive() {
		pct := meta.Price.Decimal.Sub(meta.PreviousClose.Decimal).
			Div(meta.PreviousClose.Decimal).Mul(decimal.NewFromInt(100)).Round(4)
		change = &pct
	}

	// Market time, unless it lies in the future, so a closed market's level
	// ages out through its TTL.
	ts := now
	if meta.MarketTime > 0 {
		if mt := time.Unix(meta.MarketTime, 0); mt.Before(now) {
			ts = mt
		}
	}
	return model.NewTick(symbol, meta.Price.Decimal, change, ts), nil
}

func (p *Poller) drop(reason string) {
	switch reason {
	case DropMalformed:
		p.malformed.Add(1)
	case DropBackpressure:
		p.backpressure.Add(1)
	}
	if p.OnDrop != nil {
		p.OnDrop(reason)
	}
}

func (p *Poller) setState(s State) {
	if State(p.state.Swap(int32(s))) == s {
		return
	}
	if p.OnStateChange != nil {
		p.OnStateChange(s)
	}
}
