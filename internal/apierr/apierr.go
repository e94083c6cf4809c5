// Package apierr defines the closed taxonomy of domain errors returned by
// the matching core to its callers (the request router, the validator, the
// ledger). Infrastructure failures (DB, Redis) are wrapped separately with
// fmt.Errorf and are not part of this taxonomy.
package apierr

import (
	"errors"
	"fmt"
)

// Kind identifies a domain error category. Kinds are comparable so callers
// can branch on them with errors.Is instead of matching strings.
type Kind string

const (
	KindInsufficientBalance     Kind = "InsufficientBalance"
	KindAskedMoreThanTradeable  Kind = "AskedMoreThanTradeable"
	KindInvalidOrderID          Kind = "InvalidOrderId"
	KindInvalidPriceLimitOrSide Kind = "InvalidPriceLimitOrOrderSide"
	KindUserNotFound            Kind = "UserNotFound"
	KindAssetNotFound           Kind = "AssetNotFound"
	KindOverWithdrawl           Kind = "OverWithdrawl"
	KindExchangeAlreadyExist    Kind = "ExchangeAlreadyExist"
	KindExchangeDoesNotExist    Kind = "ExchangeDoesNotExist"
	KindInvalidSymbol           Kind = "InvalidSymbol"
)

// Error is a structured domain error: a kind plus optional context such as
// {available, required, asset}, the shape the spec's error taxonomy calls
// for in place of ad-hoc strings.
type Error struct {
	Kind    Kind
	Context map[string]any
}

func (e *Error) Error() string {
	if len(e.Context) == 0 {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s %v", e.Kind, e.Context)
}

// Is lets errors.Is(err, apierr.New(KindX, nil)) match on Kind alone.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Kind == e.Kind
	}
	return false
}

// New constructs a domain error of the given kind with optional context.
func New(kind Kind, context map[string]any) *Error {
	return &Error{Kind: kind, Context: context}
}

// Is reports whether err (or any error it wraps) carries the given kind.
func Is(err error, kind Kind) bool {
	return errors.Is(err, &Error{Kind: kind})
}
