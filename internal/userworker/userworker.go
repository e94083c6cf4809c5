// Package userworker runs the user-management request loop: NewUser,
// Deposit, Withdraw, GetUserBalances against the shared ledger.
package userworker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/tomb.v2"

	"clobengine/internal/apierr"
	"clobengine/internal/asset"
	"clobengine/internal/bus"
	"clobengine/internal/ledger"
	"clobengine/internal/wire"
)

const pollTimeout = time.Second

// Worker owns the request loop for queues:user.
type Worker struct {
	bus    *bus.Bus
	ledger *ledger.Ledger
	nextID uint64
}

// New constructs a Worker, seeded with the highest user id already
// assigned; the next NewUser request receives startID+1.
func New(b *bus.Bus, led *ledger.Ledger, startID uint64) *Worker {
	return &Worker{bus: b, ledger: led, nextID: startID}
}

// Run starts the worker's request loop under t.
func (w *Worker) Run(t *tomb.Tomb) {
	t.Go(func() error {
		ctx := context.Background()
		for {
			select {
			case <-t.Dying():
				return nil
			default:
			}
			raw, err := w.bus.PopUserRequest(ctx, pollTimeout)
			if err != nil {
				log.Error().Err(err).Msg("userworker: pop failed")
				continue
			}
			if raw == nil {
				continue
			}
			w.handle(ctx, raw)
		}
	})
}

func (w *Worker) handle(ctx context.Context, raw []byte) {
	var env wire.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		log.Error().Err(err).Msg("userworker: malformed envelope")
		return
	}
	req, err := wire.DecodeUserRequest(env)
	if err != nil {
		log.Error().Err(err).Msg("userworker: undecodable request")
		return
	}

	switch r := req.(type) {
	case *wire.NewUser:
		w.handleNewUser(ctx, r)
	case *wire.Deposit:
		w.handleDeposit(ctx, r)
	case *wire.Withdraw:
		w.handleWithdraw(ctx, r)
	case *wire.GetUserBalances:
		w.handleGetUserBalances(ctx, r)
	}
}

func (w *Worker) reply(ctx context.Context, subID uint64, result any, err error) {
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
		log.Error().Err(err).Msg("userworker: failed to marshal reply")
		return
	}
	if err := w.bus.PushReply(ctx, subID, raw); err != nil {
		log.Error().Err(err).Msg("userworker: failed to push reply")
	}
}

// handleNewUser assigns id = count+1, matching the reference
// implementation's monotonic-counter user registration.
func (w *Worker) handleNewUser(ctx context.Context, req *wire.NewUser) {
	w.nextID++
	id := w.nextID
	w.ledger.NewUser(id)
	w.reply(ctx, req.SubID, map[string]uint64{"user_id": id}, nil)
}

func (w *Worker) handleDeposit(ctx context.Context, req *wire.Deposit) {
	a, ok := asset.Parse(req.Asset)
	if !ok {
		w.reply(ctx, req.SubID, nil, apierr.New(apierr.KindAssetNotFound, map[string]any{"asset": req.Asset}))
		return
	}
	if err := w.ledger.Deposit(req.UserID, a, req.Quantity); err != nil {
		w.reply(ctx, req.SubID, nil, err)
		return
	}
	w.replyBalances(ctx, req.SubID, req.UserID)
}

func (w *Worker) handleWithdraw(ctx context.Context, req *wire.Withdraw) {
	a, ok := asset.Parse(req.Asset)
	if !ok {
		w.reply(ctx, req.SubID, nil, apierr.New(apierr.KindAssetNotFound, map[string]any{"asset": req.Asset}))
		return
	}
	if err := w.ledger.Withdraw(req.UserID, a, req.Quantity); err != nil {
		w.reply(ctx, req.SubID, nil, err)
		return
	}
	w.replyBalances(ctx, req.SubID, req.UserID)
}

func (w *Worker) handleGetUserBalances(ctx context.Context, req *wire.GetUserBalances) {
	w.replyBalances(ctx, req.SubID, req.UserID)
}

func (w *Worker) replyBalances(ctx context.Context, subID, userID uint64) {
	balance := make(map[string]string)
	locked := make(map[string]string)
	for _, a := range asset.All {
		b, err := w.ledger.Balance(userID, a)
		if err != nil {
			w.reply(ctx, subID, nil, err)
			return
		}
		l, err := w.ledger.LockedBalance(userID, a)
		if err != nil {
			w.reply(ctx, subID, nil, err)
			return
		}
		balance[string(a)] = b.String()
		locked[string(a)] = l.String()
	}
	w.reply(ctx, subID, wire.BalancesResult{UserID: userID, Balance: balance, Locked: locked}, nil)
}
