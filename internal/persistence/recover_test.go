package persistence

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"clobengine/internal/asset"
	"clobengine/internal/db"
	"clobengine/internal/ledger"
	"clobengine/internal/matching"
	"clobengine/internal/model"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestIsRestingFullyFilledOrderDoesNotRest(t *testing.T) {
	o := &model.Order{Status: model.Filled, RemainingQuantity: decimal.Zero}
	require.False(t, isResting(o))
}

func TestIsRestingCancelledRemainderDoesNotRest(t *testing.T) {
	o := &model.Order{Status: model.Cancelled, RemainingQuantity: dec("3")}
	require.False(t, isResting(o), "a cancelled order's leftover quantity never rests again")
}

func TestIsRestingPartiallyFilledOrderRests(t *testing.T) {
	o := &model.Order{Status: model.PartiallyFilled, RemainingQuantity: dec("2")}
	require.True(t, isResting(o))
}

func TestIsRestingFreshOrderRests(t *testing.T) {
	o := &model.Order{Status: model.InProgress, RemainingQuantity: dec("5")}
	require.True(t, isResting(o))
}

// TestRecoverIsIdempotent is an integration test against a live MySQL/TiDB
// instance, matching the db package's skip-when-unset convention: it
// persists one resting order, one fully filled order and one order
// cancelled with a nonzero remainder, then asserts that Recover reconstructs
// the ledger and book from that persisted state without re-deriving trades
// or re-mutating balances that are already reflected in the users table.
func TestRecoverIsIdempotent(t *testing.T) {
	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		t.Skip("DB_DSN environment variable not set, skipping integration test")
	}

	sqlDB, err := db.Connect(dsn)
	require.NoError(t, err)
	defer sqlDB.Close()

	store, err := Open(sqlDB)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	exchange := asset.NewExchange(asset.BTC, asset.USDT)
	symbol := exchange.Symbol()

	const user = uint64(90001)
	require.NoError(t, store.UpsertUserBalance(ctx, user, asset.BTC, dec("7"), dec("2")))
	require.NoError(t, store.UpsertUserBalance(ctx, user, asset.USDT, dec("1000"), dec("0")))

	resting := &model.Order{
		ID: 90001, Symbol: symbol, UserID: user, Side: model.Ask, Type: model.Limit,
		Price: dec("100"), InitialQuantity: dec("2"), RemainingQuantity: dec("2"),
		Status: model.InProgress, Timestamp: time.Now().UnixMicro(),
	}
	require.NoError(t, store.InsertOrder(ctx, resting))

	filled := resting.Clone()
	filled.ID, filled.RemainingQuantity, filled.Status = 90002, decimal.Zero, model.Filled
	require.NoError(t, store.InsertOrder(ctx, filled))

	cancelledWithRemainder := resting.Clone()
	cancelledWithRemainder.ID, cancelledWithRemainder.RemainingQuantity, cancelledWithRemainder.Status = 90003, dec("1"), model.Cancelled
	require.NoError(t, store.InsertOrder(ctx, cancelledWithRemainder))

	led := ledger.New()
	eng := matching.New(led)
	require.NoError(t, eng.AddMarket(exchange))
	require.NoError(t, Recover(ctx, store, led, eng, 24*365))

	baseBal, err := led.Balance(user, asset.BTC)
	require.NoError(t, err)
	require.True(t, baseBal.Equal(dec("7")), "recovery must not mutate a balance already reflected in the users table")
	baseLocked, err := led.LockedBalance(user, asset.BTC)
	require.NoError(t, err)
	require.True(t, baseLocked.Equal(dec("2")))

	ob, err := eng.Book(symbol)
	require.NoError(t, err)
	ids := make(map[uint64]bool)
	for _, o := range ob.RestingOrders() {
		ids[o.ID] = true
	}
	require.True(t, ids[resting.ID], "the still-open order must be reinserted as resting")
	require.False(t, ids[filled.ID], "a fully filled order must not reappear in the book")
	require.False(t, ids[cancelledWithRemainder.ID], "a cancelled order's remainder must not reappear in the book")
}
