// Package ledger derives holdings and P&L by replaying an append-only
// transaction ledger against live prices.
package ledger

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"marketpulse/internal/model"
)

// Violation records a symbol whose ledger could not be replayed. The symbol
// is left out of the holdings instead of being reported with a made-up position.
type Violation struct {
	Symbol        string `json:"symbol"`
	TransactionID int64  `json:"transaction_id"`
	Reason        string `json:"reason"`
	Err           error  `json:"-"`
}

func (v Violation) Error() string {
	return fmt.Sprintf("ledger %s (tx %d): %s", v.Symbol, v.TransactionID, v.Reason)
}

func (v Violation) Unwrap() error { return v.Err }

// Report is the result of one holdings computation.
type Report struct {
	AccountID   string          `json:"account_id,omitempty"`
	Method      string          `json:"method"`
	Holdings    []model.Holding `json:"holdings"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	Violations  []Violation     `json:"violations,omitempty"`
	ComputedAt  time.Time       `json:"computed_at"`
}

// UnrealizedPnL sums unrealized P&L over holdings that have a live price.
func (r Report) UnrealizedPnL() decimal.Decimal {
	total := decimal.Zero
	for _, h := range r.Holdings {
		if h.UnrealizedPnL.Valid {
			total = total.Add(h.UnrealizedPnL.Decimal)
		}
	}
	return total
}

// SortTransactions returns a copy ordered by timestamp, ties broken by ID.
func SortTransactions(txs []model.Transaction) []model.Transaction {
	sorted := make([]model.Transaction, len(txs))
	copy(sorted, txs)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.ID < b.ID
	})
	return sorted
}

// Symbols lists the distinct normalized symbols in txs, sorted.
func Symbols(txs []model.Transaction) []string {
	seen := make(map[string]struct{})
	for _, tx := range txs {
		seen[model.NormalizeSymbol(tx.Symbol)] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		if s != "" {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

// BuildPositions replays txs in timestamp order. The first violation for a
// symbol drops that symbol's position and its remaining transactions.
func BuildPositions(txs []model.Transaction, method CostBasisMethod) (map[string]*Position, []Violation) {
	positions := make(map[string]*Position)
	failed := make(map[string]bool)
	var violations []Violation

	for _, tx := range SortTransactions(txs) {
		sym := model.NormalizeSymbol(tx.Symbol)
		if failed[sym] {
			continue
		}
		tx.Symbol = sym

		fail := func(err error) {
			violations = append(violations, Violation{
				Symbol:        sym,
				TransactionID: tx.ID,
				Reason:        err.Error(),
				Err:           err,
			})
			failed[sym] = true
			delete(positions, sym)
		}

		if err := tx.Validate(); err != nil {
			fail(err)
			continue
		}

		pos, ok := positions[sym]
		if !ok {
			pos = newPosition(sym, method)
			positions[sym] = pos
		}

		switch tx.Side {
		case model.Buy:
			pos.buy(tx.Quantity, tx.Price)
		case model.Sell:
			if err := pos.sell(tx.Quantity, tx.Price); err != nil {
				fail(err)
			}
		}
	}
	return positions, violations
}

// Engine turns a ledger and a set of live prices into holdings.
type Engine struct {
	Method CostBasisMethod
}

// Compute builds the holdings report. prices maps symbol to its live tick and
// may be nil. Symbols with a net-zero position are left out.
func (e Engine) Compute(txs []model.Transaction, prices map[string]model.Tick) Report {
	positions, violations := BuildPositions(txs, e.Method)

	report := Report{
		Method:      e.Method.String(),
		Holdings:    make([]model.Holding, 0, len(positions)),
		RealizedPnL: decimal.Zero,
		Violations:  violations,
		ComputedAt:  time.Now().UTC(),
	}

	for sym, pos := range positions {
		report.RealizedPnL = report.RealizedPnL.Add(pos.RealizedPnL)

		qty := pos.Quantity()
		if qty.IsZero() {
			continue
		}
		avg := pos.AvgPrice()
		h := model.Holding{
			Symbol:      sym,
			Quantity:    qty,
			AvgPrice:    avg,
			RealizedPnL: pos.RealizedPnL,
		}
		if t, ok := prices[sym]; ok {
			h.LivePrice = decimal.NewNullDecimal(t.Price)
			h.UnrealizedPnL = decimal.NewNullDecimal(t.Price.Sub(avg).Mul(qty))
		}
		report.Holdings = append(report.Holdings, h)
	}

	sort.Slice(report.Holdings, func(i, j int) bool {
		return report.Holdings[i].Symbol < report.Holdings[j].Symbol
	})
	return report
}
