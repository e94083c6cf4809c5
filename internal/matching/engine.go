// Package matching owns the set of registered markets: one book.OrderBook
// per symbol, all settling against a shared ledger.
package matching

import (
	"sync"

	"clobengine/internal/apierr"
	"clobengine/internal/asset"
	"clobengine/internal/book"
	"clobengine/internal/ledger"
)

// Engine is the process-wide registry of order books. Each book is
// single-writer (only its owning router goroutine calls Process/Cancel/
// CancelAll on it); Engine itself only needs to protect the registration
// map, since markets are added at startup and rarely thereafter.
type Engine struct {
	mu     sync.RWMutex
	ledger *ledger.Ledger
	books  map[asset.Symbol]*book.OrderBook
}

// New constructs an Engine with no registered markets.
func New(led *ledger.Ledger) *Engine {
	return &Engine{
		ledger: led,
		books:  make(map[asset.Symbol]*book.OrderBook),
	}
}

// AddMarket registers a new tradeable symbol. Re-registering an existing
// symbol is rejected, matching the reference implementation's
// exchange-already-exists check.
func (e *Engine) AddMarket(exchange asset.Exchange) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	symbol := exchange.Symbol()
	if _, ok := e.books[symbol]; ok {
		return apierr.New(apierr.KindExchangeAlreadyExist, map[string]any{"symbol": symbol})
	}
	e.books[symbol] = book.New(exchange, e.ledger)
	return nil
}

// Book returns the order book for symbol, or KindExchangeDoesNotExist.
func (e *Engine) Book(symbol asset.Symbol) (*book.OrderBook, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	b, ok := e.books[symbol]
	if !ok {
		return nil, apierr.New(apierr.KindExchangeDoesNotExist, map[string]any{"symbol": symbol})
	}
	return b, nil
}

// Symbols lists every registered symbol, used by the recovery path to
// rebuild each market's book.
func (e *Engine) Symbols() []asset.Symbol {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]asset.Symbol, 0, len(e.books))
	for s := range e.books {
		out = append(out, s)
	}
	return out
}
