package persistence

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gopkg.in/tomb.v2"

	"clobengine/internal/asset"
	"clobengine/internal/model"
)

// Request is the persistence channel's single type, carrying one of the
// three variants from §4.6. Exactly one of SaveOrder, CancelOrder or
// CancelAllOrders is non-nil.
type Request struct {
	SaveOrder       *SaveOrder
	CancelOrder     *CancelOrderReq
	CancelAllOrders *CancelAllReq
}

// SaveOrder is emitted once at admission: insert the order row and reflect
// the new locked balance.
type SaveOrder struct {
	Order      *model.Order
	LockAsset  asset.Asset
	NewLocked  decimal.Decimal
	NewBalance decimal.Decimal
}

// CancelOrderReq is emitted when a single order is cancelled.
type CancelOrderReq struct {
	Order       *model.Order
	UnlockAsset asset.Asset
	NewLocked   decimal.Decimal
	NewBalance  decimal.Decimal
}

// CancelAllReq is emitted when every resting order for a user is cancelled.
type CancelAllReq struct {
	UserID   uint64
	Orders   []*model.Order
	Unlocks  map[asset.Asset]decimal.Decimal
	Balances map[asset.Asset]decimal.Decimal
}

// Sink drains the persistence channel and the filler channel into Store,
// each on its own goroutine, retrying indefinitely on failure as §5/§7
// require: persistence is the system of record and never drops an event.
type Sink struct {
	store    *Store
	requests chan Request
	fillers  chan model.Filler
}

// NewSink constructs a Sink whose request and filler channels each buffer
// 4096 entries. The buffers are bounded: once one is full, a send on it
// blocks until the sink drains an entry.
func NewSink(store *Store) *Sink {
	return &Sink{
		store:    store,
		requests: make(chan Request, 4096),
		fillers:  make(chan model.Filler, 4096),
	}
}

// Requests returns the channel engine routers send persistence events on.
func (s *Sink) Requests() chan<- Request { return s.requests }

// Fillers returns the channel the emitter sends fills on.
func (s *Sink) Fillers() chan<- model.Filler { return s.fillers }

// Run starts the two consumer loops under t, stopping when t is killed.
func (s *Sink) Run(t *tomb.Tomb) {
	t.Go(func() error { return s.runRequests(t) })
	t.Go(func() error { return s.runFillers(t) })
}

func (s *Sink) runRequests(t *tomb.Tomb) error {
	for {
		select {
		case <-t.Dying():
			return nil
		case req := <-s.requests:
			s.applyWithRetry(t, func(ctx context.Context) error {
				return s.applyRequest(ctx, req)
			})
		}
	}
}

func (s *Sink) runFillers(t *tomb.Tomb) error {
	for {
		select {
		case <-t.Dying():
			return nil
		case f := <-s.fillers:
			s.applyWithRetry(t, func(ctx context.Context) error {
				return s.applyFiller(ctx, f)
			})
		}
	}
}

// applyWithRetry retries apply with backoff until it succeeds or t is
// killed. Failures are logged, not dropped: the persistence log is the
// system of record and every event must eventually land.
func (s *Sink) applyWithRetry(t *tomb.Tomb, apply func(context.Context) error) {
	backoff := 100 * time.Millisecond
	const maxBackoff = 10 * time.Second
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := apply(ctx)
		cancel()
		if err == nil {
			return
		}
		log.Error().Err(err).Msg("persistence sink: retrying after failure")
		select {
		case <-t.Dying():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (s *Sink) applyRequest(ctx context.Context, req Request) error {
	switch {
	case req.SaveOrder != nil:
		r := req.SaveOrder
		if err := s.store.InsertOrder(ctx, r.Order); err != nil {
			return err
		}
		return s.store.UpsertUserBalance(ctx, r.Order.UserID, r.LockAsset, r.NewBalance, r.NewLocked)

	case req.CancelOrder != nil:
		r := req.CancelOrder
		if err := s.store.UpdateOrderStatus(ctx, r.Order); err != nil {
			return err
		}
		if err := s.store.InsertCancel(ctx, r.Order.ID, r.Order.UserID, r.Order.Side, r.Order.Symbol, r.Order.Price, r.Order.Timestamp); err != nil {
			return err
		}
		return s.store.UpsertUserBalance(ctx, r.Order.UserID, r.UnlockAsset, r.NewBalance, r.NewLocked)

	case req.CancelAllOrders != nil:
		r := req.CancelAllOrders
		for _, o := range r.Orders {
			if err := s.store.UpdateOrderStatus(ctx, o); err != nil {
				return err
			}
			if err := s.store.InsertCancel(ctx, o.ID, o.UserID, o.Side, o.Symbol, o.Price, o.Timestamp); err != nil {
				return err
			}
		}
		for a, locked := range r.Unlocks {
			if err := s.store.UpsertUserBalance(ctx, r.UserID, a, r.Balances[a], locked); err != nil {
				return err
			}
		}
		return nil
	}
	return nil
}

func (s *Sink) applyFiller(ctx context.Context, f model.Filler) error {
	if err := s.store.InsertTrade(ctx, f.Trade); err != nil {
		return err
	}
	for _, u := range []*model.OrderUpdate{&f.TakerUpdate, &f.MakerUpdate} {
		if err := s.store.ApplyFill(ctx, u.OrderID, u.Symbol, u.ExecutedQty, u.ExecutedQuoteQty, u.Status); err != nil {
			return err
		}
	}
	return nil
}
