package feed

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"marketpulse/internal/model"
)

// Action is an upstream control verb.
type Action string

const (
	Subscribe   Action = "subscribe"
	Unsubscribe Action = "unsubscribe"
)

var errMissingField = errors.New("missing field")

// Codec translates one upstream protocol. Decode returns (nil, nil) for
// frames that are valid but carry no prices (acks, heartbeats).
type Codec interface {
	Decode(raw []byte) ([]model.Tick, error)
	Control(action Action, symbol string) ([]byte, error)
}

// CodecFor returns the codec for a configured protocol name.
func CodecFor(protocol string) (Codec, error) {
	switch strings.ToLower(protocol) {
	case "", "generic":
		return GenericCodec{}, nil
	case "binance":
		return &BinanceCodec{}, nil
	case "finnhub":
		return FinnhubCodec{}, nil
	default:
		return nil, fmt.Errorf("feed: unknown protocol %q", protocol)
	}
}

// ── generic ──

// GenericCodec speaks the plain protocol served by cmd/tickserver:
//
//	{"symbol":"BTCUSDT","price":"65000.1","percentChange":"1.2","timestamp":"2024-05-01T10:00:00Z"}
//	{"action":"subscribe","symbol":"BTCUSDT"}
//
// A frame may also be a JSON array of such objects. "change" is accepted as
// an alias of "percentChange" and timestamp may be RFC 3339 or epoch millis.
type GenericCodec struct{}

type genericFrame struct {
	Symbol        string           `json:"symbol"`
	Price         *decimal.Decimal `json:"price"`
	PercentChange *decimal.Decimal `json:"percentChange"`
	Change        *decimal.Decimal `json:"change"`
	Timestamp     json.RawMessage  `json:"timestamp"`
}

type controlFrame struct {
	Action Action `json:"action"`
	Symbol string `json:"symbol"`
}

func (GenericCodec) Decode(raw []byte) ([]model.Tick, error) {
	raw = bytes.TrimSpace(raw)
	var frames []genericFrame
	if len(raw) > 0 && raw[0] == '[' {
		if err := json.Unmarshal(raw, &frames); err != nil {
			return nil, err
		}
	} else {
		var f genericFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, err
		}
		frames = []genericFrame{f}
	}

	ticks := make([]model.Tick, 0, len(frames))
	for _, f := range frames {
		if f.Symbol == "" || f.Price == nil {
			return nil, fmt.Errorf("generic frame: %w: symbol/price", errMissingField)
		}
		ts, err := parseTimestamp(f.Timestamp)
		if err != nil {
			return nil, err
		}
		change := f.PercentChange
		if change == nil {
			change = f.Change
		}
		ticks = append(ticks, model.NewTick(f.Symbol, *f.Price, change, ts))
	}
	return ticks, nil
}

func (GenericCodec) Control(action Action, symbol string) ([]byte, error) {
	return json.Marshal(controlFrame{Action: action, Symbol: symbol})
}

// ── binance ──

// BinanceCodec decodes 24h ticker events, raw or wrapped in a combined
// stream envelope, and subscribes with the SUBSCRIBE/UNSUBSCRIBE methods.
type BinanceCodec struct {
	reqID atomic.Int64
}

type binanceTicker struct {
	Event     string           `json:"e"`
	EventTime int64            `json:"E"`
	Symbol    string           `json:"s"`
	Close     *decimal.Decimal `json:"c"`
	Change    *decimal.Decimal `json:"P"`

	// encoding/json matches keys case-insensitively; these absorb "C" and "p"
	// so they cannot overwrite Close and Change.
	CloseTime   int64           `json:"C"`
	PriceChange json.RawMessage `json:"p"`
}

type binanceEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
	ID     *int64          `json:"id"`
}

func (c *BinanceCodec) Decode(raw []byte) ([]model.Tick, error) {
	var env binanceEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	if env.ID != nil && env.Stream == "" {
		// {"result":null,"id":1}
		return nil, nil
	}
	payload := raw
	if env.Stream != "" {
		payload = env.Data
	}

	var t binanceTicker
	if err := json.Unmarshal(payload, &t); err != nil {
		return nil, err
	}
	if t.Symbol == "" || t.Close == nil {
		return nil, fmt.Errorf("binance ticker: %w: s/c", errMissingField)
	}
	ts := time.Now()
	if t.EventTime > 0 {
		ts = time.UnixMilli(t.EventTime)
	}
	return []model.Tick{model.NewTick(t.Symbol, *t.Close, t.Change, ts)}, nil
}

func (c *BinanceCodec) Control(action Action, symbol string) ([]byte, error) {
	method := "SUBSCRIBE"
	if action == Unsubscribe {
		method = "UNSUBSCRIBE"
	}
	return json.Marshal(struct {
		Method string   `json:"method"`
		Params []string `json:"params"`
		ID     int64    `json:"id"`
	}{
		Method: method,
		Params: []string{strings.ToLower(symbol) + "@ticker"},
		ID:     c.reqID.Add(1),
	})
}

// ── finnhub ──

// FinnhubCodec decodes trade frames; each trade becomes a tick without a
// percent change. Ping frames are ignored.
type FinnhubCodec struct{}

type finnhubFrame struct {
	Type string `json:"type"`
	Data []struct {
		Symbol string           `json:"s"`
		Price  *decimal.Decimal `json:"p"`
		Time   int64            `json:"t"`
	} `json:"data"`
	Msg string `json:"msg"`
}

func (FinnhubCodec) Decode(raw []byte) ([]model.Tick, error) {
	var f finnhubFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, err
	}
	switch f.Type {
	case "ping":
		return nil, nil
	case "error":
		return nil, fmt.Errorf("finnhub error frame: %s", f.Msg)
	case "trade":
	default:
		return nil, fmt.Errorf("finnhub: unexpected frame type %q", f.Type)
	}

	ticks := make([]model.Tick, 0, len(f.Data))
	for _, tr := range f.Data {
		if tr.Symbol == "" || tr.Price == nil {
			return nil, fmt.Errorf("finnhub trade: %w: s/p", errMissingField)
		}
		ts := time.Now()
		if tr.Time > 0 {
			ts = time.UnixMilli(tr.Time)
		}
		ticks = append(ticks, model.NewTick(tr.Symbol, *tr.Price, nil, ts))
	}
	return ticks, nil
}

func (FinnhubCodec) Control(action Action, symbol string) ([]byte, error) {
	return json.Marshal(struct {
		Type   Action `json:"type"`
		Symbol string `json:"symbol"`
	}{Type: action, Symbol: symbol})
}

func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return time.Now(), nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, err
		}
		ts, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("timestamp: %w", err)
		}
		return ts, nil
	}
	var ms int64
	if err := json.Unmarshal(raw, &ms); err != nil {
		return time.Time{}, fmt.Errorf("timestamp: %w", err)
	}
	return time.UnixMilli(ms), nil
}
