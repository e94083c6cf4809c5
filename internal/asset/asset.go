// Package asset defines the closed set of tradeable assets and the
// registered base/quote symbol pairs that make up an exchange.
package asset

import (
	"strings"

	"clobengine/internal/apierr"
)

// Asset is an enumerated tag from a closed set. Unlike a bare string, the
// zero value is not a valid asset, which catches uninitialized fields.
type Asset string

const (
	USDT Asset = "USDT"
	BTC  Asset = "BTC"
	SOL  Asset = "SOL"
	ETH  Asset = "ETH"
)

// All lists every registered asset, in a stable order.
var All = []Asset{USDT, BTC, SOL, ETH}

// Parse maps a wire string onto a registered Asset.
func Parse(s string) (Asset, bool) {
	for _, a := range All {
		if string(a) == s {
			return a, true
		}
	}
	return "", false
}

// Symbol is the wire form of an Exchange: "BASE_QUOTE".
type Symbol string

// Exchange is an ordered (base, quote) pair. Registered symbols form a
// closed set populated by the matching engine at startup.
type Exchange struct {
	Base  Asset
	Quote Asset
}

// NewExchange builds an Exchange from its base and quote assets.
func NewExchange(base, quote Asset) Exchange {
	return Exchange{Base: base, Quote: quote}
}

// Symbol renders the canonical "BASE_QUOTE" wire form.
func (e Exchange) Symbol() Symbol {
	return Symbol(string(e.Base) + "_" + string(e.Quote))
}

// ParseSymbol splits a "BASE_QUOTE" wire string into an Exchange, rejecting
// unregistered assets or malformed symbols.
func ParseSymbol(s Symbol) (Exchange, error) {
	parts := strings.SplitN(string(s), "_", 2)
	if len(parts) != 2 {
		return Exchange{}, apierr.New(apierr.KindInvalidSymbol, map[string]any{"symbol": s})
	}
	base, ok := Parse(parts[0])
	if !ok {
		return Exchange{}, apierr.New(apierr.KindInvalidSymbol, map[string]any{"symbol": s})
	}
	quote, ok := Parse(parts[1])
	if !ok {
		return Exchange{}, apierr.New(apierr.KindInvalidSymbol, map[string]any{"symbol": s})
	}
	return NewExchange(base, quote), nil
}
