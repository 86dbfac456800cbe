package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a ledger transaction.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// ErrInvalidTransaction is wrapped by Transaction.Validate failures.
var ErrInvalidTransaction = errors.New("invalid transaction")

// Transaction is one immutable ledger entry. IDs are assigned by the store in insertion order.
type Transaction struct {
	ID        int64           `json:"id"`
	AccountID string          `json:"account_id"`
	Symbol    string          `json:"symbol"`
	Side      Side            `json:"side"`
	Quantity  decimal.Decimal `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}

// Validate checks the fields a ledger replay depends on.
func (t Transaction) Validate() error {
	if t.Symbol == "" {
		return fmt.Errorf("%w: empty symbol", ErrInvalidTransaction)
	}
	if t.Side != Buy && t.Side != Sell {
		return fmt.Errorf("%w: unknown side %q", ErrInvalidTransaction, t.Side)
	}
	if !t.Quantity.IsPositive() {
		return fmt.Errorf("%w: quantity must be positive, got %s", ErrInvalidTransaction, t.Quantity)
	}
	if !t.Price.IsPositive() {
		return fmt.Errorf("%w: price must be positive, got %s", ErrInvalidTransaction, t.Price)
	}
	return nil
}

// Holding is a derived per-symbol position. It is never stored.
type Holding struct {
	Symbol        string              `json:"symbol"`
	Quantity      decimal.Decimal     `json:"quantity"`
	AvgPrice      decimal.Decimal     `json:"avg_price"`
	LivePrice     decimal.NullDecimal `json:"live_price"`
	UnrealizedPnL decimal.NullDecimal `json:"unrealized_pnl"`
	RealizedPnL   decimal.Decimal     `json:"realized_pnl"`
}

// CostBasis returns quantity times average price.
func (h Holding) CostBasis() decimal.Decimal {
	return h.Quantity.Mul(h.AvgPrice)
}
