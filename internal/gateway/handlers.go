package gateway

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"marketpulse/internal/ledger"
	"marketpulse/internal/model"
)

var upgrader = websocket.Upgrader{
	CheckOrigin:       func(r *http.Request) bool { return true },
	EnableCompression: true,
}

// Routes bundles what the HTTP surface reads from. Ledger and Appender may be nil.
type Routes struct {
	Hub      *Hub
	Cache    model.PriceCache
	Ledger   *ledger.Service
	Appender model.TransactionAppender
	Latency  *LatencyTracker
	Start    time.Time
}

// SetCORS sets CORS headers for REST endpoints.
func SetCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	SetCORS(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorMsg{Error: msg})
}

// RegisterRoutes registers the socket and read API on mux.
func RegisterRoutes(mux *http.ServeMux, rt Routes) {
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[gateway] ws upgrade error: %v", err)
			return
		}
		ServeClient(r.Context(), rt.Hub, conn, rt.Latency)
	})

	mux.HandleFunc("/api/snapshot", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, rt.Cache.Snapshot(r.Context()))
	})

	mux.HandleFunc("/api/price", func(w http.ResponseWriter, r *http.Request) {
		sym := model.NormalizeSymbol(r.URL.Query().Get("symbol"))
		if sym == "" {
			writeError(w, http.StatusBadRequest, "symbol is required")
			return
		}
		t, ok := rt.Cache.Get(r.Context(), sym)
		if !ok {
			writeError(w, http.StatusNotFound, "no fresh price for "+sym)
			return
		}
		writeJSON(w, http.StatusOK, t)
	})

	mux.HandleFunc("/api/prices", func(w http.ResponseWriter, r *http.Request) {
		syms := model.NormalizeSymbols(strings.Split(r.URL.Query().Get("symbols"), ","))
		if len(syms) == 0 {
			writeError(w, http.StatusBadRequest, "symbols is required")
			return
		}
		writeJSON(w, http.StatusOK, rt.Cache.GetMany(r.Context(), syms))
	})

	mux.HandleFunc("/api/holdings", func(w http.ResponseWriter, r *http.Request) {
		if rt.Ledger == nil {
			writeError(w, http.StatusServiceUnavailable, "ledger not configured")
			return
		}
		acct := strings.TrimSpace(r.URL.Query().Get("account"))
		if acct == "" {
			writeError(w, http.StatusBadRequest, "account is required")
			return
		}
		rep, err := rt.Ledger.Holdings(r.Context(), acct)
		if err != nil {
			log.Printf("[gateway] holdings %s: %v", acct, err)
			writeError(w, http.StatusInternalServerError, "holdings unavailable")
			return
		}
		writeJSON(w, http.StatusOK, rep)
	})

	mux.HandleFunc("/api/transactions", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodOptions:
			SetCORS(w)
			w.WriteHeader(http.StatusOK)
		case http.MethodPost:
			appendTransaction(w, r, rt)
		default:
			listTransactions(w, r, rt)
		}
	})

	mux.HandleFunc("/api/stats", func(w http.ResponseWriter, r *http.Request) {
		s := CollectStats(rt.Hub, rt.Latency, rt.Start)
		if m, ok := rt.Cache.(interface{ Len() int }); ok {
			s.CachedTicks = m.Len()
		}
		writeJSON(w, http.StatusOK, s)
	})
}

func listTransactions(w http.ResponseWriter, r *http.Request, rt Routes) {
	if rt.Ledger == nil {
		writeError(w, http.StatusServiceUnavailable, "ledger not configured")
		return
	}
	acct := strings.TrimSpace(r.URL.Query().Get("account"))
	if acct == "" {
		writeError(w, http.StatusBadRequest, "account is required")
		return
	}
	txs, err := rt.Ledger.Transactions(r.Context(), acct)
	if err != nil {
		log.Printf("[gateway] transactions %s: %v", acct, err)
		writeError(w, http.StatusInternalServerError, "transactions unavailable")
		return
	}
	if txs == nil {
		txs = []model.Transaction{}
	}
	writeJSON(w, http.StatusOK, txs)
}

// transactionRequest is the POST /api/transactions body.
type transactionRequest struct {
	AccountID string          `json:"account_id"`
	Symbol    string          `json:"symbol"`
	Side      string          `json:"side"`
	Quantity  decimal.Decimal `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}

func appendTransaction(w http.ResponseWriter, r *http.Request, rt Routes) {
	if rt.Appender == nil {
		writeError(w, http.StatusServiceUnavailable, "ledger is read-only")
		return
	}
	var req transactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now()
	}
	tx := model.Transaction{
		AccountID: strings.TrimSpace(req.AccountID),
		Symbol:    model.NormalizeSymbol(req.Symbol),
		Side:      model.Side(strings.ToUpper(strings.TrimSpace(req.Side))),
		Quantity:  req.Quantity,
		Price:     req.Price,
		Timestamp: req.Timestamp.UTC(),
	}
	if tx.AccountID == "" {
		writeError(w, http.StatusBadRequest, "account_id is required")
		return
	}
	if err := tx.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := rt.Appender.Append(r.Context(), tx)
	if err != nil {
		if errors.Is(err, model.ErrInvalidTransaction) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Printf("[gateway] append %s: %v", tx.AccountID, err)
		writeError(w, http.StatusInternalServerError, "append failed")
		return
	}
	tx.ID = id
	if rt.Ledger != nil {
		rt.Ledger.Invalidate(tx.AccountID)
	}
	writeJSON(w, http.StatusCreated, tx)
}
