package gateway

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ── WS protocol ──

// ControlMsg is the client → server interest update.
//
//	{"action":"subscribe","symbol":"BTCUSDT"}
//	{"action":"unsubscribe","symbols":["BTCUSDT","ETHUSDT"]}
type ControlMsg struct {
	Action  string   `json:"action"`
	Symbol  string   `json:"symbol,omitempty"`
	Symbols []string `json:"symbols,omitempty"`
	ReqID   string   `json:"reqId,omitempty"`
}

// AckMsg confirms an interest update with what actually changed.
type AckMsg struct {
	Action  string   `json:"action"`
	Symbols []string `json:"symbols"`
	ReqID   string   `json:"reqId,omitempty"`
}

// ErrorMsg reports a rejected control frame.
type ErrorMsg struct {
	Error string `json:"error"`
	ReqID string `json:"reqId,omitempty"`
}

const (
	actionSubscribe   = "subscribe"
	actionUnsubscribe = "unsubscribe"
)

// ParseControl decodes and validates a control frame.
func ParseControl(raw []byte) (ControlMsg, error) {
	var msg ControlMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		return msg, fmt.Errorf("invalid control frame: %w", err)
	}
	msg.Action = strings.ToLower(strings.TrimSpace(msg.Action))
	switch msg.Action {
	case actionSubscribe, actionUnsubscribe:
	case "":
		return msg, fmt.Errorf("missing action")
	default:
		return msg, fmt.Errorf("unknown action %q", msg.Action)
	}
	if len(msg.Targets()) == 0 {
		return msg, fmt.Errorf("%s requires symbol or symbols", msg.Action)
	}
	return msg, nil
}

// Targets returns symbol and symbols combined, raw.
func (m ControlMsg) Targets() []string {
	out := make([]string, 0, len(m.Symbols)+1)
	if strings.TrimSpace(m.Symbol) != "" {
		out = append(out, m.Symbol)
	}
	for _, s := range m.Symbols {
		if strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}

func errorFrame(reqID, msg string) []byte {
	b, _ := json.Marshal(ErrorMsg{Error: msg, ReqID: reqID})
	return b
}

func ackFrame(action, reqID string, symbols []string) []byte {
	if symbols == nil {
		symbols = []string{}
	}
	b, _ := json.Marshal(AckMsg{Action: action, Symbols: symbols, ReqID: reqID})
	return b
}
