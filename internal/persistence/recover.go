package persistence

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rs/zerolog/log"

	"clobengine/internal/asset"
	"clobengine/internal/ledger"
	"clobengine/internal/matching"
	"clobengine/internal/model"
)

// Recover rebuilds in-memory state on cold start: every user's balances are
// loaded first, then each registered symbol's book is reconstructed from the
// last windowHours of persisted orders. A persisted order's final Status and
// RemainingQuantity already determine whether it is resting, filled or
// cancelled, so recovery reinserts resting orders directly rather than
// re-running them through matching: the ledger already reflects every
// historical fill, and re-matching could spuriously re-cross orders that
// never actually crossed each other historically.
// Grounded on original_source/services/engine/src/matching_engine/orderbook.rs
// (recover_orderbook, recover_trade_id, recover_order_id, replay_orders).
func Recover(ctx context.Context, store *Store, led *ledger.Ledger, eng *matching.Engine, windowHours int) error {
	users, err := store.LoadUsers(ctx)
	if err != nil {
		return err
	}

	grouped := make(map[uint64]map[asset.Asset]UserRow)
	for _, row := range users {
		if grouped[row.UserID] == nil {
			grouped[row.UserID] = make(map[asset.Asset]UserRow)
		}
		grouped[row.UserID][row.Asset] = row
	}
	for uid, byAsset := range grouped {
		balance := make(map[asset.Asset]decimal.Decimal, len(byAsset))
		locked := make(map[asset.Asset]decimal.Decimal, len(byAsset))
		for a, row := range byAsset {
			balance[a] = row.Balance
			locked[a] = row.Locked
		}
		led.Recover(uid, balance, locked)
	}
	log.Info().Int("users", len(grouped)).Msg("recovery: loaded user balances")

	since := time.Now().Add(-time.Duration(windowHours) * time.Hour).UnixMicro()
	for _, symbol := range eng.Symbols() {
		if err := recoverSymbol(ctx, store, eng, symbol, since); err != nil {
			return err
		}
	}
	return nil
}

func recoverSymbol(ctx context.Context, store *Store, eng *matching.Engine, symbol asset.Symbol, since int64) error {
	b, err := eng.Book(symbol)
	if err != nil {
		return err
	}

	orderCount, err := store.CountOrders(ctx, symbol)
	if err != nil {
		return err
	}
	tradeCount, err := store.CountTrades(ctx, symbol)
	if err != nil {
		return err
	}
	b.RecoverOrderID(orderCount)
	b.RecoverTradeID(tradeCount)

	orders, err := store.LoadOrdersSince(ctx, symbol, since)
	if err != nil {
		return err
	}

	resting := 0
	for _, o := range orders {
		if !isResting(o) {
			continue
		}
		b.RecoverResting(o)
		resting++
	}

	log.Info().Str("symbol", string(symbol)).Int("orders", len(orders)).Int("resting", resting).Msg("recovery: rebuilt book from persisted state")
	return nil
}

// isResting reports whether a persisted order's final state means it is
// still resting in the book: a nonzero remainder that was never cancelled.
// Fully filled orders and cancelled remainders leave nothing to reinsert.
func isResting(o *model.Order) bool {
	if o.RemainingQuantity.IsZero() {
		return false
	}
	return o.Status != model.Cancelled
}
