package book

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"

	"clobengine/internal/apierr"
	"clobengine/internal/asset"
	"clobengine/internal/ledger"
	"clobengine/internal/model"
)

// location records where a resting order sits, so Cancel can find its level
// without scanning every price.
type location struct {
	side  model.Side
	price decimal.Decimal
}

// OrderBook is the in-memory book for a single symbol: ordered price levels
// on both sides plus the order/trade id counters and the ledger handle
// needed to settle a fill. One OrderBook is owned by exactly one router
// goroutine, so its own mutex exists only to let read-only query methods
// (GetQuote, GetDepth) run from other goroutines without racing a fill.
type OrderBook struct {
	Exchange asset.Exchange

	mu   sync.Mutex
	bids *btree.BTreeG[*Limit]
	asks *btree.BTreeG[*Limit]

	orders map[uint64]location

	nextOrderID uint64
	nextTradeID uint64

	ledger *ledger.Ledger
}

// New constructs an empty order book for the given exchange pair, settling
// fills against led.
func New(exchange asset.Exchange, led *ledger.Ledger) *OrderBook {
	return &OrderBook{
		Exchange: exchange,
		bids: btree.NewBTreeG(func(a, b *Limit) bool {
			return a.Price.GreaterThan(b.Price) // descending: best bid first
		}),
		asks: btree.NewBTreeG(func(a, b *Limit) bool {
			return a.Price.LessThan(b.Price) // ascending: best ask first
		}),
		orders: make(map[uint64]location),
		ledger: led,
	}
}

// NextOrderID hands out the next monotonic order id for this symbol. The
// router assigns the id before persisting and processing the order, mirroring
// the reference implementation's assign-then-persist-then-process sequence.
func (b *OrderBook) NextOrderID() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextOrderID++
	return b.nextOrderID
}

// RecoverOrderID fast-forwards the order id counter past a value already
// seen during replay, so freshly-placed orders never reuse a recovered id.
func (b *OrderBook) RecoverOrderID(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if id > b.nextOrderID {
		b.nextOrderID = id
	}
}

// RecoverTradeID fast-forwards the trade id counter during replay.
func (b *OrderBook) RecoverTradeID(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if id > b.nextTradeID {
		b.nextTradeID = id
	}
}

func (b *OrderBook) levels(side model.Side) *btree.BTreeG[*Limit] {
	if side == model.Bid {
		return b.bids
	}
	return b.asks
}

func (b *OrderBook) oppositeLevels(side model.Side) *btree.BTreeG[*Limit] {
	if side == model.Bid {
		return b.asks
	}
	return b.bids
}

// Process runs a taker order against the resting book. suppressEvents, when
// true, still runs the book mutation (price-time matching, remaining-
// quantity bookkeeping, resting placement) but skips both trade/filler
// emission and the ledger balance exchange for each fill — the mode a
// replay path would need if it had to re-derive crossings instead of
// reinserting already-known resting state (see persistence.Recover, which
// reconstructs the book via RecoverResting and so never needs it).
func (b *OrderBook) Process(order *model.Order, suppressEvents bool) ([]model.Filler, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var fillers []model.Filler
	opposite := b.oppositeLevels(order.Side)

	for !order.RemainingQuantity.IsZero() {
		bestLimit, ok := opposite.Min()
		if !ok {
			break
		}
		if len(bestLimit.Orders) == 0 {
			opposite.Delete(bestLimit)
			continue
		}
		if !canCross(order, bestLimit.Price) {
			break
		}

		maker := bestLimit.Orders[0]
		qty := order.RemainingQuantity
		if maker.RemainingQuantity.LessThan(qty) {
			qty = maker.RemainingQuantity
		}
		price := bestLimit.Price

		order.RemainingQuantity = order.RemainingQuantity.Sub(qty)
		maker.RemainingQuantity = maker.RemainingQuantity.Sub(qty)
		order.FilledQuoteQty = order.FilledQuoteQty.Add(qty.Mul(price))
		maker.FilledQuoteQty = maker.FilledQuoteQty.Add(qty.Mul(price))

		if maker.RemainingQuantity.IsZero() {
			maker.Status = model.Filled
		} else {
			maker.Status = model.PartiallyFilled
		}

		var askUser, bidUser uint64
		if order.Side == model.Bid {
			askUser, bidUser = maker.UserID, order.UserID
		} else {
			askUser, bidUser = order.UserID, maker.UserID
		}
		if !suppressEvents {
			if err := b.ledger.ExchangeBalances(b.Exchange, askUser, bidUser, qty, price); err != nil {
				return fillers, err
			}
		}

		if maker.RemainingQuantity.IsZero() {
			bestLimit.Remove(maker.ID)
			delete(b.orders, maker.ID)
			if bestLimit.IsEmpty() {
				opposite.Delete(bestLimit)
			}
		}

		if !suppressEvents {
			b.nextTradeID++
			fillers = append(fillers, buildFiller(b.nextTradeID, b.Exchange, order, maker, qty, price))
		}
	}

	if order.IsFilled() {
		order.Status = model.Filled
	} else if order.Type == model.Market {
		// No more crossable liquidity: the remainder of a market order
		// never rests, it is simply not executed.
		order.Status = model.Cancelled
		order.RemainingQuantity = decimal.Zero
	} else {
		if order.RemainingQuantity.LessThan(order.InitialQuantity) {
			order.Status = model.PartiallyFilled
		}
		b.addResting(order)
	}

	return fillers, nil
}

// canCross reports whether a taker order crosses a resting price. Market
// orders cross any non-empty level; limit orders require price compatibility.
func canCross(taker *model.Order, restingPrice decimal.Decimal) bool {
	if taker.Type == model.Market {
		return true
	}
	if taker.Side == model.Bid {
		return taker.Price.GreaterThanOrEqual(restingPrice)
	}
	return taker.Price.LessThanOrEqual(restingPrice)
}

// buildFiller assembles the trade, the two order updates and the filler
// record for one fill. is_buyer_maker follows the reference implementation's
// literal rule: true only when the taker was a market buy, never derived
// generically from which side rested.
func buildFiller(tradeID uint64, exchange asset.Exchange, taker, maker *model.Order, qty, price decimal.Decimal) model.Filler {
	now := time.Now().UnixMicro()
	isBuyerMaker := taker.Type == model.Market && taker.Side == model.Bid

	trade := model.Trade{
		ID:            tradeID,
		Symbol:        exchange.Symbol(),
		Quantity:      qty,
		QuoteQuantity: qty.Mul(price),
		Price:         price,
		IsBuyerMaker:  isBuyerMaker,
		Timestamp:     now,
	}

	takerUpdate := model.OrderUpdate{
		OrderID:          taker.ID,
		ClientOrderID:    maker.ID,
		TradeID:          tradeID,
		UserID:           taker.UserID,
		Side:             taker.Side,
		Status:           taker.Status,
		Symbol:           exchange.Symbol(),
		Price:            price,
		ExecutedQty:      qty,
		ExecutedQuoteQty: qty.Mul(price),
		Timestamp:        now,
	}
	makerUpdate := model.OrderUpdate{
		OrderID:          maker.ID,
		ClientOrderID:    taker.ID,
		TradeID:          tradeID,
		UserID:           maker.UserID,
		Side:             maker.Side,
		Status:           maker.Status,
		Symbol:           exchange.Symbol(),
		Price:            price,
		ExecutedQty:      qty,
		ExecutedQuoteQty: qty.Mul(price),
		Timestamp:        now,
	}

	return model.Filler{
		Trade:        trade,
		TakerUpdate:  takerUpdate,
		MakerUpdate:  makerUpdate,
		TakerOrderID: taker.ID,
		MakerOrderID: maker.ID,
	}
}

// addResting inserts a limit order with remaining quantity into its side of
// the book. Caller must hold b.mu.
func (b *OrderBook) addResting(order *model.Order) {
	levels := b.levels(order.Side)
	lim, ok := levels.Get(&Limit{Price: order.Price})
	if !ok {
		lim = newLimit(order.Price)
		levels.Set(lim)
	}
	lim.Add(order)
	b.orders[order.ID] = location{side: order.Side, price: order.Price}
}

// Cancel removes a single resting order, unlocking its reserved funds is the
// caller's responsibility (the ledger doesn't know which asset a given order
// id reserved; the router tracks that from the original order request).
func (b *OrderBook) Cancel(orderID uint64) (*model.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	loc, ok := b.orders[orderID]
	if !ok {
		return nil, apierr.New(apierr.KindInvalidOrderID, map[string]any{"order_id": orderID})
	}
	levels := b.levels(loc.side)
	lim, ok := levels.Get(&Limit{Price: loc.price})
	if !ok {
		return nil, apierr.New(apierr.KindInvalidOrderID, map[string]any{"order_id": orderID})
	}
	order, ok := lim.Remove(orderID)
	if !ok {
		return nil, apierr.New(apierr.KindInvalidOrderID, map[string]any{"order_id": orderID})
	}
	delete(b.orders, orderID)
	if lim.IsEmpty() {
		levels.Delete(lim)
	}
	order.Status = model.Cancelled
	return order, nil
}

// CancelAll removes every resting order belonging to user, for both sides.
func (b *OrderBook) CancelAll(user uint64) []*model.Order {
	b.mu.Lock()
	defer b.mu.Unlock()

	var cancelled []*model.Order
	for _, side := range []model.Side{model.Bid, model.Ask} {
		levels := b.levels(side)
		var empty []*Limit
		levels.Scan(func(lim *Limit) bool {
			remaining := lim.Orders[:0]
			for _, o := range lim.Orders {
				if o.UserID == user {
					delete(b.orders, o.ID)
					o.Status = model.Cancelled
					cancelled = append(cancelled, o)
				} else {
					remaining = append(remaining, o)
				}
			}
			lim.Orders = remaining
			if lim.IsEmpty() {
				empty = append(empty, lim)
			}
			return true
		})
		for _, lim := range empty {
			levels.Delete(lim)
		}
	}
	return cancelled
}

// QuoteCost walks the ask side in priority order, accumulating price*qty
// until qty is satisfied, to price a market buy before it is admitted. It is
// side-effect free: no orders are touched. Returns AskedMoreThanTradeable if
// the resting ask depth cannot fill qty.
func (b *OrderBook) QuoteCost(qty decimal.Decimal) (decimal.Decimal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	remaining := qty
	cost := decimal.Zero
	var walkErr error
	b.asks.Scan(func(lim *Limit) bool {
		for _, o := range lim.Orders {
			if remaining.IsZero() {
				return false
			}
			take := o.RemainingQuantity
			if take.GreaterThan(remaining) {
				take = remaining
			}
			cost = cost.Add(take.Mul(lim.Price))
			remaining = remaining.Sub(take)
		}
		return true
	})
	if !remaining.IsZero() {
		walkErr = apierr.New(apierr.KindAskedMoreThanTradeable, map[string]any{
			"requested": qty, "unfilled": remaining,
		})
		return decimal.Zero, walkErr
	}
	return cost, nil
}

// Quote is the best bid/ask snapshot returned by GetQuote.
type Quote struct {
	BestBid   decimal.Decimal
	BestAsk   decimal.Decimal
	HasBid    bool
	HasAsk    bool
	BidVolume decimal.Decimal
	AskVolume decimal.Decimal
}

// GetQuote returns the best price on each side and the total resting
// quantity at that best price level.
func (b *OrderBook) GetQuote() Quote {
	b.mu.Lock()
	defer b.mu.Unlock()

	var q Quote
	if lim, ok := b.bids.Min(); ok {
		q.HasBid = true
		q.BestBid = lim.Price
		q.BidVolume = lim.TotalQuantity()
	}
	if lim, ok := b.asks.Min(); ok {
		q.HasAsk = true
		q.BestAsk = lim.Price
		q.AskVolume = lim.TotalQuantity()
	}
	return q
}

// DepthLevel is one aggregated row of a depth snapshot.
type DepthLevel struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// GetDepth returns up to depth aggregated levels per side, best price first.
func (b *OrderBook) GetDepth(depth int) (bids, asks []DepthLevel) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.bids.Scan(func(lim *Limit) bool {
		if len(bids) >= depth {
			return false
		}
		if !lim.IsEmpty() {
			bids = append(bids, DepthLevel{Price: lim.Price, Quantity: lim.TotalQuantity()})
		}
		return true
	})
	b.asks.Scan(func(lim *Limit) bool {
		if len(asks) >= depth {
			return false
		}
		if !lim.IsEmpty() {
			asks = append(asks, DepthLevel{Price: lim.Price, Quantity: lim.TotalQuantity()})
		}
		return true
	})
	return bids, asks
}

// OpenOrders returns every order currently resting for user, across both
// sides, used to answer open-order and open-orders queries.
func (b *OrderBook) OpenOrders(user uint64) []*model.Order {
	b.mu.Lock()
	defer b.mu.Unlock()

	var open []*model.Order
	for _, side := range []model.Side{model.Bid, model.Ask} {
		b.levels(side).Scan(func(lim *Limit) bool {
			for _, o := range lim.Orders {
				if o.UserID == user {
					open = append(open, o)
				}
			}
			return true
		})
	}
	return open
}

// RestingOrders returns every order currently resting on either side,
// regardless of owner, used to rebuild a router's reservation bookkeeping
// after the book itself has been reconstructed during cold-start recovery.
func (b *OrderBook) RestingOrders() []*model.Order {
	b.mu.Lock()
	defer b.mu.Unlock()

	var resting []*model.Order
	for _, side := range []model.Side{model.Bid, model.Ask} {
		b.levels(side).Scan(func(lim *Limit) bool {
			resting = append(resting, lim.Orders...)
			return true
		})
	}
	return resting
}

// RecoverResting reinserts an order recovered from storage directly into the
// book, bypassing matching: replay has already reconstructed the ledger
// state from persisted balances, so a recovered order is known-resting, not
// newly placed.
func (b *OrderBook) RecoverResting(order *model.Order) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addResting(order)
}
