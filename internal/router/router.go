// Package router runs one per-symbol request loop: pop from the symbol's
// bus queue, validate, mutate the book, persist, emit, reply.
package router

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gopkg.in/tomb.v2"

	"clobengine/internal/apierr"
	"clobengine/internal/asset"
	"clobengine/internal/bus"
	"clobengine/internal/emitter"
	"clobengine/internal/ledger"
	"clobengine/internal/matching"
	"clobengine/internal/model"
	"clobengine/internal/persistence"
	"clobengine/internal/validator"
	"clobengine/internal/wire"
)

// pollTimeout bounds each blocking pop so the loop periodically checks for
// shutdown, replacing the reference implementation's tight RPOP spin-poll
// with a blocking pop per the §9 design note.
const pollTimeout = time.Second

// Router owns the request loop for exactly one symbol.
type Router struct {
	symbol asset.Symbol
	bus    *bus.Bus
	engine *matching.Engine
	ledger *ledger.Ledger
	sink   *persistence.Sink
	emit   *emitter.Emitter

	// reservations tracks, per order id, which asset a still-resting order
	// locked, so Cancel/CancelAll know what to unlock without the ledger
	// needing to know about orders at all.
	reservations map[uint64]validator.Reservation
}

// New constructs a Router for symbol. resting is every order the book
// already holds for symbol at construction time — non-empty after cold-start
// recovery, empty on a fresh book — and seeds reservations so Cancel/
// CancelAll can unlock a recovered order's funds exactly as they would for
// one admitted during this process's own lifetime.
func New(symbol asset.Symbol, b *bus.Bus, eng *matching.Engine, led *ledger.Ledger, sink *persistence.Sink, emit *emitter.Emitter, resting []*model.Order) *Router {
	r := &Router{
		symbol:       symbol,
		bus:          b,
		engine:       eng,
		ledger:       led,
		sink:         sink,
		emit:         emit,
		reservations: make(map[uint64]validator.Reservation, len(resting)),
	}

	ob, err := eng.Book(symbol)
	if err != nil {
		log.Error().Err(err).Str("symbol", string(symbol)).Msg("router: book lookup failed while seeding recovered reservations")
		return r
	}
	for _, o := range resting {
		lockAsset := ob.Exchange.Base
		if o.Side == model.Bid {
			lockAsset = ob.Exchange.Quote
		}
		r.reservations[o.ID] = validator.Reservation{Asset: lockAsset, Amount: reservationAmount(o)}
	}
	return r
}

// Run starts the router's request loop under t.
func (r *Router) Run(t *tomb.Tomb) {
	t.Go(func() error {
		ctx := context.Background()
		for {
			select {
			case <-t.Dying():
				return nil
			default:
			}

			raw, err := r.bus.PopEngineRequest(ctx, r.symbol, pollTimeout)
			if err != nil {
				log.Error().Err(err).Str("symbol", string(r.symbol)).Msg("router: pop failed")
				continue
			}
			if raw == nil {
				continue // timeout elapsed, loop back and recheck Dying()
			}
			r.handle(ctx, raw)
		}
	})
}

func (r *Router) handle(ctx context.Context, raw []byte) {
	var env wire.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		log.Error().Err(err).Msg("router: malformed envelope")
		return
	}
	req, err := wire.DecodeEngineRequest(env)
	if err != nil {
		log.Error().Err(err).Msg("router: undecodable request")
		return
	}

	switch r2 := req.(type) {
	case *wire.ExecuteOrder:
		r.handleExecuteOrder(ctx, r2)
	case *wire.CancelOrder:
		r.handleCancelOrder(ctx, r2)
	case *wire.CancelAll:
		r.handleCancelAll(ctx, r2)
	case *wire.OpenOrder:
		r.handleOpenOrder(ctx, r2)
	case *wire.OpenOrders:
		r.handleOpenOrders(ctx, r2)
	}
}

func (r *Router) reply(ctx context.Context, subID uint64, result any, err error) {
	var resp wire.Response
	if err != nil {
		resp = wire.ErrorResponse(subID, err)
	} else {
		var buildErr error
		resp, buildErr = wire.OkResponse(subID, result)
		if buildErr != nil {
			resp = wire.ErrorResponse(subID, buildErr)
		}
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		log.Error().Err(err).Msg("router: failed to marshal reply")
		return
	}
	if err := r.bus.PushReply(ctx, subID, raw); err != nil {
		log.Error().Err(err).Msg("router: failed to push reply")
	}
}

func orderResult(o *model.Order) wire.OrderResult {
	return wire.OrderResult{
		OrderID:        o.ID,
		Status:         string(o.Status),
		FilledQuantity: o.Filled(),
		FilledQuoteQty: o.FilledQuoteQty,
		RemainingQty:   o.RemainingQuantity,
	}
}

// reservationAmount is how much of an order's reserved asset remains locked
// for its unfilled remainder: the remaining quantity itself for an ask
// (base reserved 1:1), or remaining*price for a bid (quote reserved at the
// limit price).
func reservationAmount(o *model.Order) decimal.Decimal {
	if o.Side == model.Ask {
		return o.RemainingQuantity
	}
	return o.RemainingQuantity.Mul(o.Price)
}

// snapshot reads back a user's post-mutation balance/locked pair for one
// asset, for the persistence batch. Ledger lookups at this point cannot
// fail: the user and asset were already validated during admission.
func (r *Router) snapshot(user uint64, a asset.Asset) (balance, locked decimal.Decimal) {
	balance, err := r.ledger.Balance(user, a)
	if err != nil {
		log.Error().Err(err).Msg("router: balance lookup failed during persistence snapshot")
	}
	locked, err = r.ledger.LockedBalance(user, a)
	if err != nil {
		log.Error().Err(err).Msg("router: locked-balance lookup failed during persistence snapshot")
	}
	return balance, locked
}

func (r *Router) handleExecuteOrder(ctx context.Context, req *wire.ExecuteOrder) {
	ob, err := r.engine.Book(r.symbol)
	if err != nil {
		r.reply(ctx, req.SubID, nil, err)
		return
	}

	order := &model.Order{
		UserID:            req.UserID,
		Symbol:            r.symbol,
		Side:              model.Side(req.Side),
		Type:              model.Type(req.Type),
		Price:             req.Price,
		InitialQuantity:   req.Quantity,
		RemainingQuantity: req.Quantity,
		Status:            model.InProgress,
		Timestamp:         req.Timestamp,
	}

	reservation, err := validator.ValidateAndLock(ob, r.ledger, order)
	if err != nil {
		r.reply(ctx, req.SubID, nil, err)
		return
	}

	order.ID = ob.NextOrderID()
	r.reservations[order.ID] = reservation

	balance, locked := r.snapshot(order.UserID, reservation.Asset)
	r.sink.Requests() <- persistence.Request{SaveOrder: &persistence.SaveOrder{
		Order:      order,
		LockAsset:  reservation.Asset,
		NewLocked:  locked,
		NewBalance: balance,
	}}

	fillers, err := ob.Process(order, false)
	if err != nil {
		log.Error().Err(err).Uint64("order_id", order.ID).Msg("router: fill failed after admission")
	}
	if order.IsFilled() || order.Status == model.Cancelled {
		delete(r.reservations, order.ID)
	}
	for _, f := range fillers {
		r.emit.Submit(r.symbol, f)
	}

	r.reply(ctx, req.SubID, orderResult(order), nil)
}

func (r *Router) handleCancelOrder(ctx context.Context, req *wire.CancelOrder) {
	ob, err := r.engine.Book(r.symbol)
	if err != nil {
		r.reply(ctx, req.SubID, nil, err)
		return
	}

	order, err := ob.Cancel(req.ID)
	if err != nil {
		r.reply(ctx, req.SubID, nil, err)
		return
	}
	reservation, ok := r.reservations[order.ID]
	if !ok {
		r.reply(ctx, req.SubID, nil, apierr.New(apierr.KindInvalidOrderID, map[string]any{"order_id": req.ID}))
		return
	}
	delete(r.reservations, order.ID)

	if _, err := r.ledger.Unlock(order.UserID, reservation.Asset, reservationAmount(order)); err != nil {
		log.Error().Err(err).Msg("router: unlock on cancel failed")
	}

	balance, locked := r.snapshot(order.UserID, reservation.Asset)
	r.sink.Requests() <- persistence.Request{CancelOrder: &persistence.CancelOrderReq{
		Order:       order,
		UnlockAsset: reservation.Asset,
		NewLocked:   locked,
		NewBalance:  balance,
	}}

	r.reply(ctx, req.SubID, orderResult(order), nil)
}

func (r *Router) handleCancelAll(ctx context.Context, req *wire.CancelAll) {
	ob, err := r.engine.Book(r.symbol)
	if err != nil {
		r.reply(ctx, req.SubID, nil, err)
		return
	}

	cancelled := ob.CancelAll(req.UserID)
	unlocks := make(map[asset.Asset]decimal.Decimal)
	balances := make(map[asset.Asset]decimal.Decimal)

	for _, o := range cancelled {
		reservation, ok := r.reservations[o.ID]
		if !ok {
			continue
		}
		delete(r.reservations, o.ID)
		if _, err := r.ledger.Unlock(o.UserID, reservation.Asset, reservationAmount(o)); err != nil {
			log.Error().Err(err).Msg("router: unlock on cancel-all failed")
			continue
		}
		balance, locked := r.snapshot(o.UserID, reservation.Asset)
		unlocks[reservation.Asset] = locked
		balances[reservation.Asset] = balance
	}

	r.sink.Requests() <- persistence.Request{CancelAllOrders: &persistence.CancelAllReq{
		UserID:   req.UserID,
		Orders:   cancelled,
		Unlocks:  unlocks,
		Balances: balances,
	}}

	results := make([]wire.OrderResult, 0, len(cancelled))
	for _, o := range cancelled {
		results = append(results, orderResult(o))
	}
	r.reply(ctx, req.SubID, wire.OrdersResult{Orders: results}, nil)
}

func (r *Router) handleOpenOrder(ctx context.Context, req *wire.OpenOrder) {
	ob, err := r.engine.Book(r.symbol)
	if err != nil {
		r.reply(ctx, req.SubID, nil, err)
		return
	}
	for _, o := range ob.OpenOrders(req.UserID) {
		if o.ID == req.OrderID {
			r.reply(ctx, req.SubID, orderResult(o), nil)
			return
		}
	}
	r.reply(ctx, req.SubID, nil, apierr.New(apierr.KindInvalidOrderID, map[string]any{"order_id": req.OrderID}))
}

func (r *Router) handleOpenOrders(ctx context.Context, req *wire.OpenOrders) {
	ob, err := r.engine.Book(r.symbol)
	if err != nil {
		r.reply(ctx, req.SubID, nil, err)
		return
	}
	open := ob.OpenOrders(req.UserID)
	results := make([]wire.OrderResult, 0, len(open))
	for _, o := range open {
		results = append(results, orderResult(o))
	}
	r.reply(ctx, req.SubID, wire.OrdersResult{Orders: results}, nil)
}
