// Command server wires together the ledger, matching engine, Redis bus and
// MySQL-backed persistence into a running exchange process: one router
// goroutine per registered symbol, a user-request worker, a persistence
// sink and an event emitter, all supervised by a single tomb.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/tomb.v2"

	"clobengine/internal/asset"
	"clobengine/internal/bus"
	"clobengine/internal/config"
	"clobengine/internal/db"
	"clobengine/internal/emitter"
	"clobengine/internal/ledger"
	"clobengine/internal/logging"
	"clobengine/internal/matching"
	"clobengine/internal/persistence"
	"clobengine/internal/router"
	"clobengine/internal/userworker"
)

// registeredMarkets lists the symbols the exchange trades. A production
// deployment would load this from config; it is small and fixed enough
// here to keep at startup.
var registeredMarkets = []asset.Exchange{
	asset.NewExchange(asset.BTC, asset.USDT),
	asset.NewExchange(asset.ETH, asset.USDT),
	asset.NewExchange(asset.SOL, asset.USDT),
}

func main() {
	logging.Init()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config: failed to load")
	}

	database, err := db.Connect(cfg.DBDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db: failed to connect")
	}
	defer database.Close()
	log.Info().Msg("db: connection established")

	store, err := persistence.Open(database)
	if err != nil {
		log.Fatal().Err(err).Msg("persistence: failed to open store")
	}
	defer store.Close()

	requestBus := bus.New(cfg.RedisAddr, cfg.RedisDB)
	defer requestBus.Close()

	led := ledger.New()
	eng := matching.New(led)
	for _, exchange := range registeredMarkets {
		if err := eng.AddMarket(exchange); err != nil {
			log.Fatal().Err(err).Str("symbol", string(exchange.Symbol())).Msg("matching: failed to register market")
		}
	}

	ctx := context.Background()
	if err := persistence.Recover(ctx, store, led, eng, cfg.ReplayWindow); err != nil {
		log.Fatal().Err(err).Msg("recovery: failed")
	}

	maxUserID, err := store.MaxUserID(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("recovery: failed to seed user id counter")
	}

	sink := persistence.NewSink(store)
	emit := emitter.New(requestBus, sink.Fillers())
	userWorker := userworker.New(requestBus, led, maxUserID)

	var t tomb.Tomb
	sink.Run(&t)
	emit.Run(&t)
	userWorker.Run(&t)
	for _, exchange := range registeredMarkets {
		ob, err := eng.Book(exchange.Symbol())
		if err != nil {
			log.Fatal().Err(err).Str("symbol", string(exchange.Symbol())).Msg("matching: book lookup failed")
		}
		r := router.New(exchange.Symbol(), requestBus, eng, led, sink, emit, ob.RestingOrders())
		r.Run(&t)
	}

	log.Info().Int("markets", len(registeredMarkets)).Msg("exchange: running")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	select {
	case <-stop:
		log.Info().Msg("exchange: shutdown signal received")
	case <-t.Dying():
		log.Error().Err(t.Err()).Msg("exchange: a supervised goroutine died")
	}

	t.Kill(nil)
	done := make(chan struct{})
	go func() {
		t.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("exchange: shutdown complete")
	case <-time.After(30 * time.Second):
		log.Error().Msg("exchange: shutdown timed out")
	}
}
