package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrInsufficientLots means a SELL asked for more than the open lots hold.
var ErrInsufficientLots = errors.New("sell exceeds open lots")

// Lot is an open quantity bought at one price. Lots only exist while a
// ledger is being replayed.
type Lot struct {
	Quantity decimal.Decimal `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
}

// Position is the replayed state of one symbol.
type Position struct {
	Symbol      string
	Lots        []Lot
	RealizedPnL decimal.Decimal

	method CostBasisMethod
}

func newPosition(symbol string, method CostBasisMethod) *Position {
	return &Position{Symbol: symbol, method: method}
}

// Quantity is the sum of open lot quantities.
func (p *Position) Quantity() decimal.Decimal {
	q := decimal.Zero
	for _, l := range p.Lots {
		q = q.Add(l.Quantity)
	}
	return q
}

// AvgPrice is Σ(qty·price)/Σqty over the open lots, computed on every call.
// It is zero for a flat position.
func (p *Position) AvgPrice() decimal.Decimal {
	qty, cost := decimal.Zero, decimal.Zero
	for _, l := range p.Lots {
		qty = qty.Add(l.Quantity)
		cost = cost.Add(l.Quantity.Mul(l.Price))
	}
	if qty.IsZero() {
		return decimal.Zero
	}
	return cost.Div(qty)
}

func (p *Position) buy(qty, price decimal.Decimal) {
	if p.method == WeightedAverage && len(p.Lots) > 0 {
		cur := p.Lots[0]
		total := cur.Quantity.Add(qty)
		cost := cur.Quantity.Mul(cur.Price).Add(qty.Mul(price))
		p.Lots[0] = Lot{Quantity: total, Price: cost.Div(total)}
		return
	}
	p.Lots = append(p.Lots, Lot{Quantity: qty, Price: price})
}

// sell consumes qty from the front of the lot queue and books realized P&L.
// On a shortfall the position is left untouched.
func (p *Position) sell(qty, price decimal.Decimal) error {
	if open := p.Quantity(); qty.GreaterThan(open) {
		return fmt.Errorf("%w: %s: sell %s, open %s", ErrInsufficientLots, p.Symbol, qty, open)
	}

	remaining := qty
	for remaining.IsPositive() {
		front := p.Lots[0]
		if front.Quantity.LessThanOrEqual(remaining) {
			p.RealizedPnL = p.RealizedPnL.Add(price.Sub(front.Price).Mul(front.Quantity))
			remaining = remaining.Sub(front.Quantity)
			p.Lots = p.Lots[1:]
			continue
		}
		p.RealizedPnL = p.RealizedPnL.Add(price.Sub(front.Price).Mul(remaining))
		p.Lots[0].Quantity = front.Quantity.Sub(remaining)
		remaining = decimal.Zero
	}
	if len(p.Lots) == 0 {
		p.Lots = nil
	}
	return nil
}
