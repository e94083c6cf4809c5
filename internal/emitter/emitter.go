// Package emitter broadcasts fills to the pub/sub bus and forwards them to
// the persistence sink, mirroring original_source's RedisEmit command list:
// two OrderUpdates, one Trade and one Filler per fill.
package emitter

import (
	"context"

	"github.com/rs/zerolog/log"
	"gopkg.in/tomb.v2"

	"clobengine/internal/asset"
	"clobengine/internal/bus"
	"clobengine/internal/model"
)

// Emitter consumes batched fillers produced by the routers and publishes
// their constituent events, then forwards the Filler itself to persistence.
type Emitter struct {
	bus       *bus.Bus
	in        chan fillerBatch
	toPersist chan<- model.Filler
}

type fillerBatch struct {
	symbol asset.Symbol
	filler model.Filler
}

// New constructs an Emitter publishing through b and forwarding fillers to
// toPersist (the persistence sink's Fillers() channel).
func New(b *bus.Bus, toPersist chan<- model.Filler) *Emitter {
	return &Emitter{bus: b, in: make(chan fillerBatch, 4096), toPersist: toPersist}
}

// Submit enqueues one fill for broadcast. Called from a router goroutine
// after a successful Process. The channel buffers 4096 fills; once that
// buffer is full, Submit blocks the calling router until the emitter drains
// an entry.
func (e *Emitter) Submit(symbol asset.Symbol, f model.Filler) {
	e.in <- fillerBatch{symbol: symbol, filler: f}
}

// Run starts the emitter's consumer loop under t.
func (e *Emitter) Run(t *tomb.Tomb) {
	t.Go(func() error {
		for {
			select {
			case <-t.Dying():
				return nil
			case batch := <-e.in:
				e.publish(batch)
			}
		}
	})
}

func (e *Emitter) publish(batch fillerBatch) {
	ctx := context.Background()
	f := batch.filler

	if err := e.bus.Publish(ctx, bus.TradeChannel(batch.symbol), f.Trade); err != nil {
		log.Error().Err(err).Msg("emitter: publish trade failed")
	}
	for _, u := range []model.OrderUpdate{f.TakerUpdate, f.MakerUpdate} {
		if err := e.bus.Publish(ctx, bus.OrderUpdateChannel(batch.symbol), u); err != nil {
			log.Error().Err(err).Msg("emitter: publish order update failed")
		}
	}
	if err := e.bus.Publish(ctx, bus.TickerChannel(batch.symbol), f.Trade); err != nil {
		log.Error().Err(err).Msg("emitter: publish ticker failed")
	}

	e.toPersist <- f
}
