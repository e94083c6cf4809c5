// Package book implements the per-symbol order book: ordered price levels,
// order matching at price-time priority, and the balance mutation that
// accompanies every fill.
package book

import (
	"github.com/shopspring/decimal"

	"clobengine/internal/model"
)

// Limit is a FIFO queue of resting orders at one price. Named after the
// reference implementation's Limit (a price level holds only limit orders;
// market orders never rest).
type Limit struct {
	Price  decimal.Decimal
	Orders []*model.Order
}

func newLimit(price decimal.Decimal) *Limit {
	return &Limit{Price: price}
}

// Add appends an order to the back of the level, preserving time priority.
func (l *Limit) Add(o *model.Order) {
	l.Orders = append(l.Orders, o)
}

// Remove deletes an order by id, preserving the order of the rest.
func (l *Limit) Remove(orderID uint64) (*model.Order, bool) {
	for i, o := range l.Orders {
		if o.ID == orderID {
			l.Orders = append(l.Orders[:i], l.Orders[i+1:]...)
			return o, true
		}
	}
	return nil, false
}

// IsEmpty reports whether the level has no resting orders left.
func (l *Limit) IsEmpty() bool {
	return len(l.Orders) == 0
}

// TotalQuantity sums the remaining quantity of every order resting at this
// level, used to answer depth queries.
func (l *Limit) TotalQuantity() decimal.Decimal {
	total := decimal.Zero
	for _, o := range l.Orders {
		total = total.Add(o.RemainingQuantity)
	}
	return total
}
