package book

import (
	"testing"

	"github.com/shopspring/decimal"

	"clobengine/internal/asset"
	"clobengine/internal/ledger"
	"clobengine/internal/model"
)

func newTestBook(t *testing.T) (*OrderBook, *ledger.Ledger) {
	t.Helper()
	led := ledger.New()
	ex := asset.NewExchange(asset.BTC, asset.USDT)
	for _, u := range []uint64{1, 2, 3} {
		led.NewUser(u)
		if err := led.Deposit(u, asset.BTC, decimal.NewFromInt(100)); err != nil {
			t.Fatal(err)
		}
		if err := led.Deposit(u, asset.USDT, decimal.NewFromInt(1_000_000)); err != nil {
			t.Fatal(err)
		}
	}
	return New(ex, led), led
}

func limitOrder(id, user uint64, side model.Side, price, qty string) *model.Order {
	p := decimal.RequireFromString(price)
	q := decimal.RequireFromString(qty)
	return &model.Order{
		ID: id, UserID: user, Side: side, Type: model.Limit,
		Price: p, InitialQuantity: q, RemainingQuantity: q,
		Status: model.InProgress,
	}
}

func marketOrder(id, user uint64, side model.Side, qty string) *model.Order {
	q := decimal.RequireFromString(qty)
	return &model.Order{
		ID: id, UserID: user, Side: side, Type: model.Market,
		InitialQuantity: q, RemainingQuantity: q, Status: model.InProgress,
	}
}

func lockForOrder(t *testing.T, led *ledger.Ledger, ex asset.Exchange, o *model.Order) {
	t.Helper()
	if o.Side == model.Ask {
		if _, err := led.ValidateAndLock(o.UserID, ex.Base, o.RemainingQuantity); err != nil {
			t.Fatal(err)
		}
		return
	}
	price := o.Price
	if o.Type == model.Market {
		price = decimal.NewFromInt(100_000)
	}
	if _, err := led.ValidateAndLock(o.UserID, ex.Quote, o.RemainingQuantity.Mul(price)); err != nil {
		t.Fatal(err)
	}
}

func TestBidRestsOnEmptyBook(t *testing.T) {
	b, led := newTestBook(t)
	bid := limitOrder(1, 1, model.Bid, "100", "1")
	lockForOrder(t, led, b.Exchange, bid)
	fillers, err := b.Process(bid, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(fillers) != 0 {
		t.Fatalf("expected no fills on empty book, got %d", len(fillers))
	}
	q := b.GetQuote()
	if !q.HasBid || !q.BestBid.Equal(decimal.RequireFromString("100")) {
		t.Fatalf("bid did not rest: %+v", q)
	}
}

func TestCrossingAskFillsRestingBid(t *testing.T) {
	b, led := newTestBook(t)
	bid := limitOrder(1, 1, model.Bid, "100", "2")
	lockForOrder(t, led, b.Exchange, bid)
	if _, err := b.Process(bid, false); err != nil {
		t.Fatal(err)
	}

	ask := limitOrder(2, 2, model.Ask, "99", "1")
	lockForOrder(t, led, b.Exchange, ask)
	fillers, err := b.Process(ask, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(fillers) != 1 {
		t.Fatalf("expected one fill, got %d", len(fillers))
	}
	f := fillers[0]
	if !f.Trade.Price.Equal(decimal.RequireFromString("100")) {
		t.Fatalf("trade should execute at resting bid price, got %s", f.Trade.Price)
	}
	if !f.Trade.Quantity.Equal(decimal.RequireFromString("1")) {
		t.Fatalf("trade quantity should be the crossing amount, got %s", f.Trade.Quantity)
	}
	if ask.Status != model.Filled {
		t.Fatalf("taker ask should be fully filled, got %s", ask.Status)
	}

	q := b.GetQuote()
	if !q.BidVolume.Equal(decimal.RequireFromString("1")) {
		t.Fatalf("resting bid should have 1 remaining, got %s", q.BidVolume)
	}

	bal2BTC, err := led.Balance(2, asset.BTC)
	if err != nil {
		t.Fatal(err)
	}
	if !bal2BTC.Equal(decimal.NewFromInt(99)) {
		t.Fatalf("seller BTC balance should have decreased by 1, got %s", bal2BTC)
	}
	bal1BTC, err := led.Balance(1, asset.BTC)
	if err != nil {
		t.Fatal(err)
	}
	if !bal1BTC.Equal(decimal.NewFromInt(101)) {
		t.Fatalf("buyer BTC balance should have increased by 1, got %s", bal1BTC)
	}
}

func TestMarketOrderConsumesFullQuantity(t *testing.T) {
	b, led := newTestBook(t)
	ask := limitOrder(1, 1, model.Ask, "50", "5")
	lockForOrder(t, led, b.Exchange, ask)
	if _, err := b.Process(ask, false); err != nil {
		t.Fatal(err)
	}

	buy := marketOrder(2, 2, model.Bid, "5")
	lockForOrder(t, led, b.Exchange, buy)
	fillers, err := b.Process(buy, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(fillers) != 1 {
		t.Fatalf("expected one fill, got %d", len(fillers))
	}
	if !fillers[0].Trade.IsBuyerMaker {
		t.Fatalf("market buy crossing a resting ask should set is_buyer_maker")
	}
	if buy.Status != model.Filled {
		t.Fatalf("market order should be fully filled, got %s", buy.Status)
	}
}

func TestMarketOrderLeftoverCancelsWithoutLiquidity(t *testing.T) {
	b, led := newTestBook(t)
	ask := limitOrder(1, 1, model.Ask, "50", "2")
	lockForOrder(t, led, b.Exchange, ask)
	if _, err := b.Process(ask, false); err != nil {
		t.Fatal(err)
	}

	buy := marketOrder(2, 2, model.Bid, "5")
	lockForOrder(t, led, b.Exchange, buy)
	if _, err := b.Process(buy, false); err != nil {
		t.Fatal(err)
	}
	if buy.Status != model.Cancelled {
		t.Fatalf("unfilled market remainder should cancel, got %s", buy.Status)
	}
	if !buy.RemainingQuantity.IsZero() {
		t.Fatalf("cancelled market remainder should be zeroed, not left dangling")
	}
}

func TestCancelAllRemovesRestingOrders(t *testing.T) {
	b, led := newTestBook(t)
	bid := limitOrder(1, 1, model.Bid, "10", "3")
	lockForOrder(t, led, b.Exchange, bid)
	if _, err := b.Process(bid, false); err != nil {
		t.Fatal(err)
	}

	cancelled := b.CancelAll(1)
	if len(cancelled) != 1 {
		t.Fatalf("expected 1 cancelled order, got %d", len(cancelled))
	}
	if cancelled[0].Status != model.Cancelled {
		t.Fatalf("cancelled order should carry Cancelled status")
	}
	q := b.GetQuote()
	if q.HasBid {
		t.Fatalf("book should be empty after cancel-all, got %+v", q)
	}
}

func TestFIFOSurvivesPartialFillOfHeadOrder(t *testing.T) {
	b, led := newTestBook(t)
	first := limitOrder(1, 1, model.Ask, "10", "5")
	second := limitOrder(2, 2, model.Ask, "10", "5")
	lockForOrder(t, led, b.Exchange, first)
	lockForOrder(t, led, b.Exchange, second)
	if _, err := b.Process(first, false); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Process(second, false); err != nil {
		t.Fatal(err)
	}

	partial := limitOrder(3, 3, model.Bid, "10", "2")
	lockForOrder(t, led, b.Exchange, partial)
	fillers, err := b.Process(partial, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(fillers) != 1 || fillers[0].MakerOrderID != first.ID {
		t.Fatalf("partial fill should still hit the head order first")
	}
	if first.Status != model.PartiallyFilled || !first.RemainingQuantity.Equal(decimal.RequireFromString("3")) {
		t.Fatalf("head order should have 3 remaining, got %s (%s)", first.RemainingQuantity, first.Status)
	}

	rest := limitOrder(4, 3, model.Bid, "10", "3")
	lockForOrder(t, led, b.Exchange, rest)
	fillers, err = b.Process(rest, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(fillers) != 1 || fillers[0].MakerOrderID != first.ID {
		t.Fatalf("head order's remainder should still fill before the second order, got maker %d", fillers[0].MakerOrderID)
	}
	if !first.RemainingQuantity.IsZero() {
		t.Fatalf("head order should now be fully filled")
	}

	q := b.GetQuote()
	if !q.AskVolume.Equal(decimal.RequireFromString("5")) {
		t.Fatalf("second order should remain fully resting at 5, got %s", q.AskVolume)
	}
}

func TestCancelOrderLeavesLevelWithOtherUsersOrdersIntact(t *testing.T) {
	b, led := newTestBook(t)
	mine := limitOrder(1, 1, model.Ask, "20", "1")
	other := limitOrder(2, 2, model.Ask, "20", "1")
	lockForOrder(t, led, b.Exchange, mine)
	lockForOrder(t, led, b.Exchange, other)
	if _, err := b.Process(mine, false); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Process(other, false); err != nil {
		t.Fatal(err)
	}

	cancelled, err := b.Cancel(mine.ID)
	if err != nil {
		t.Fatal(err)
	}
	if cancelled.ID != mine.ID {
		t.Fatalf("cancelled the wrong order")
	}

	q := b.GetQuote()
	if !q.HasAsk || !q.AskVolume.Equal(decimal.RequireFromString("1")) {
		t.Fatalf("the other user's order should still rest, got %+v", q)
	}
	open := b.OpenOrders(2)
	if len(open) != 1 || open[0].ID != other.ID {
		t.Fatalf("other user's order should be untouched")
	}
}

func TestPriceTimePriorityFIFO(t *testing.T) {
	b, led := newTestBook(t)
	first := limitOrder(1, 1, model.Ask, "10", "1")
	second := limitOrder(2, 2, model.Ask, "10", "1")
	lockForOrder(t, led, b.Exchange, first)
	lockForOrder(t, led, b.Exchange, second)
	if _, err := b.Process(first, false); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Process(second, false); err != nil {
		t.Fatal(err)
	}

	buy := limitOrder(3, 3, model.Bid, "10", "1")
	lockForOrder(t, led, b.Exchange, buy)
	fillers, err := b.Process(buy, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(fillers) != 1 || fillers[0].MakerOrderID != first.ID {
		t.Fatalf("earlier resting order at the same price should fill first")
	}
}
