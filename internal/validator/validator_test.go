package validator

import (
	"testing"

	"github.com/shopspring/decimal"

	"clobengine/internal/apierr"
	"clobengine/internal/asset"
	"clobengine/internal/book"
	"clobengine/internal/ledger"
	"clobengine/internal/model"
)

func setup(t *testing.T) (*book.OrderBook, *ledger.Ledger) {
	t.Helper()
	led := ledger.New()
	ex := asset.NewExchange(asset.BTC, asset.USDT)
	ob := book.New(ex, led)
	led.NewUser(1)
	led.NewUser(2)
	if err := led.Deposit(1, asset.USDT, decimal.NewFromInt(1000)); err != nil {
		t.Fatal(err)
	}
	if err := led.Deposit(2, asset.BTC, decimal.NewFromInt(10)); err != nil {
		t.Fatal(err)
	}
	return ob, led
}

func TestValidateAndLockLimitBidReservesQuote(t *testing.T) {
	ob, led := setup(t)
	order := &model.Order{
		UserID: 1, Side: model.Bid, Type: model.Limit,
		Price: decimal.NewFromInt(100), RemainingQuantity: decimal.NewFromInt(5),
	}
	res, err := ValidateAndLock(ob, led, order)
	if err != nil {
		t.Fatal(err)
	}
	if res.Asset != asset.USDT || !res.Amount.Equal(decimal.NewFromInt(500)) {
		t.Fatalf("expected 500 USDT reserved, got %s %s", res.Asset, res.Amount)
	}
	locked, err := led.LockedBalance(1, asset.USDT)
	if err != nil {
		t.Fatal(err)
	}
	if !locked.Equal(decimal.NewFromInt(500)) {
		t.Fatalf("ledger should reflect the lock, got %s", locked)
	}
}

func TestValidateAndLockInsufficientBalanceLeavesLedgerUnchanged(t *testing.T) {
	ob, led := setup(t)
	order := &model.Order{
		UserID: 1, Side: model.Bid, Type: model.Limit,
		Price: decimal.NewFromInt(1000), RemainingQuantity: decimal.NewFromInt(5),
	}
	_, err := ValidateAndLock(ob, led, order)
	if !apierr.Is(err, apierr.KindInsufficientBalance) {
		t.Fatalf("expected InsufficientBalance, got %v", err)
	}
	locked, err := led.LockedBalance(1, asset.USDT)
	if err != nil {
		t.Fatal(err)
	}
	if !locked.IsZero() {
		t.Fatalf("rejected lock should not partially apply, got locked=%s", locked)
	}
}

func TestValidateAndLockLimitAskReservesBase(t *testing.T) {
	ob, led := setup(t)
	order := &model.Order{
		UserID: 2, Side: model.Ask, Type: model.Limit,
		Price: decimal.NewFromInt(100), RemainingQuantity: decimal.NewFromInt(3),
	}
	res, err := ValidateAndLock(ob, led, order)
	if err != nil {
		t.Fatal(err)
	}
	if res.Asset != asset.BTC || !res.Amount.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("expected 3 BTC reserved, got %s %s", res.Asset, res.Amount)
	}
}

func TestValidateAndLockMarketBidWithNoLiquidityFails(t *testing.T) {
	ob, led := setup(t)
	order := &model.Order{
		UserID: 1, Side: model.Bid, Type: model.Market,
		RemainingQuantity: decimal.NewFromInt(1),
	}
	_, err := ValidateAndLock(ob, led, order)
	if err == nil {
		t.Fatal("expected error when no asks rest in the book")
	}
}

