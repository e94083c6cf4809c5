// Package validator implements pre-trade validation: computing how much of
// which asset an incoming order must reserve, and attempting to lock it
// atomically against the ledger before the order is admitted to the book.
package validator

import (
	"github.com/shopspring/decimal"

	"clobengine/internal/apierr"
	"clobengine/internal/asset"
	"clobengine/internal/book"
	"clobengine/internal/ledger"
	"clobengine/internal/model"
)

// Reservation describes the asset and amount an admitted order has locked.
// It rides through the order's lifetime so cancellation can unlock exactly
// this amount.
type Reservation struct {
	Asset  asset.Asset
	Amount decimal.Decimal
}

// ValidateAndLock computes the reservation for an incoming order and
// attempts to lock it. Market bids are priced by walking the book via
// QuoteCost; market asks, and all limit orders, have a reservation that can
// be computed without touching the book. Grounded on
// original_source/.../user.rs (validate_and_lock_limit/_market): bid orders
// reserve quote, ask orders reserve base, with market-bid reservation being
// the walked cost rather than price*qty since market orders carry no price.
func ValidateAndLock(ob *book.OrderBook, led *ledger.Ledger, order *model.Order) (Reservation, error) {
	exchange := ob.Exchange

	if order.Type == model.Market && order.RemainingQuantity.Sign() <= 0 {
		return Reservation{}, apierr.New(apierr.KindInvalidPriceLimitOrSide, map[string]any{
			"quantity": order.RemainingQuantity,
		})
	}

	var need Reservation
	switch {
	case order.Type == model.Market && order.Side == model.Bid:
		cost, err := ob.QuoteCost(order.RemainingQuantity)
		if err != nil {
			return Reservation{}, err
		}
		need = Reservation{Asset: exchange.Quote, Amount: cost}

	case order.Type == model.Market && order.Side == model.Ask:
		need = Reservation{Asset: exchange.Base, Amount: order.RemainingQuantity}

	case order.Side == model.Bid:
		if order.Price.Sign() <= 0 {
			return Reservation{}, apierr.New(apierr.KindInvalidPriceLimitOrSide, map[string]any{
				"price": order.Price,
			})
		}
		need = Reservation{Asset: exchange.Quote, Amount: order.Price.Mul(order.RemainingQuantity)}

	default: // limit ask
		if order.Price.Sign() <= 0 {
			return Reservation{}, apierr.New(apierr.KindInvalidPriceLimitOrSide, map[string]any{
				"price": order.Price,
			})
		}
		need = Reservation{Asset: exchange.Base, Amount: order.RemainingQuantity}
	}

	if _, err := led.ValidateAndLock(order.UserID, need.Asset, need.Amount); err != nil {
		return Reservation{}, err
	}
	return need, nil
}
