// Package model holds the data types shared by the order book, the
// matching engine and the persistence layer: orders, trades, order updates
// and the balance-exchange "filler" record.
package model

import (
	"github.com/shopspring/decimal"

	"clobengine/internal/asset"
)

// Side is which book side an order rests on or crosses into.
type Side string

const (
	Bid Side = "Bid"
	Ask Side = "Ask"
)

// Type distinguishes market orders (never rest) from limit orders.
type Type string

const (
	Market Type = "Market"
	Limit  Type = "Limit"
)

// Status is a monotone function of an order's remaining quantity plus
// cancellation: InProgress -> {PartiallyFilled, Filled} | Cancelled.
type Status string

const (
	InProgress      Status = "InProgress"
	PartiallyFilled Status = "PartiallyFilled"
	Filled          Status = "Filled"
	Cancelled       Status = "Cancelled"
)

// Order is a resting or in-flight order. Identity is a u64, monotonic per
// symbol; orders never reference users by pointer, only by id.
type Order struct {
	ID                uint64
	ClientOrderID     uint64 // not set by the order book; per-fill counterparty ids are carried on OrderUpdate.ClientOrderID
	UserID            uint64
	Symbol            asset.Symbol
	Side              Side
	Type              Type
	Price             decimal.Decimal // zero for market orders
	InitialQuantity   decimal.Decimal
	RemainingQuantity decimal.Decimal
	FilledQuoteQty    decimal.Decimal
	Status            Status
	Timestamp         int64 // microseconds since epoch
}

// Filled returns the executed quantity, kept as a derived value rather than
// a stored field so it can never drift from RemainingQuantity.
func (o *Order) Filled() decimal.Decimal {
	return o.InitialQuantity.Sub(o.RemainingQuantity)
}

// IsFilled reports whether the order has no remaining quantity.
func (o *Order) IsFilled() bool {
	return o.RemainingQuantity.IsZero()
}

// Clone returns a deep-enough copy for safe mutation (decimal.Decimal is
// already an immutable value type).
func (o *Order) Clone() *Order {
	cp := *o
	return &cp
}

// Trade is a single execution between a taker and a resting maker.
type Trade struct {
	ID            uint64
	Symbol        asset.Symbol
	Quantity      decimal.Decimal
	QuoteQuantity decimal.Decimal
	Price         decimal.Decimal
	IsBuyerMaker  bool
	Timestamp     int64
}

// OrderUpdate is emitted once per fill, per counterparty.
type OrderUpdate struct {
	OrderID          uint64
	ClientOrderID    uint64
	TradeID          uint64
	UserID           uint64
	Side             Side
	Status           Status
	Symbol           asset.Symbol
	Price            decimal.Decimal
	ExecutedQty      decimal.Decimal
	ExecutedQuoteQty decimal.Decimal
	Timestamp        int64
}

// Filler carries the full set of mutations to persist for one fill: both
// users' post-trade balances are not embedded here (the ledger is the
// source of truth for those); Filler instead names the ids needed by the
// persistence sink to write the trade and order-status rows.
type Filler struct {
	Trade        Trade
	TakerUpdate  OrderUpdate
	MakerUpdate  OrderUpdate
	TakerOrderID uint64
	MakerOrderID uint64
}
