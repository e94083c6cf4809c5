// Package wire defines the JSON envelopes exchanged over the request bus
// and the discriminated-union decoding Go needs in place of tagged unions.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// RequestType tags which concrete request a JSON envelope carries.
type RequestType string

const (
	TypeExecuteOrder RequestType = "ExecuteOrder"
	TypeCancelOrder  RequestType = "CancelOrder"
	TypeCancelAll    RequestType = "CancelAll"
	TypeOpenOrder    RequestType = "OpenOrder"
	TypeOpenOrders   RequestType = "OpenOrders"

	TypeNewUser         RequestType = "NewUser"
	TypeDeposit         RequestType = "Deposit"
	TypeWithdraw        RequestType = "Withdraw"
	TypeGetUserBalances RequestType = "GetUserBalances"
)

// Envelope is the outer shape every request arrives in: a tag plus the
// concrete payload as raw JSON, decoded only after the tag is known.
type Envelope struct {
	Type    RequestType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ExecuteOrder places a new market or limit order.
type ExecuteOrder struct {
	UserID    uint64          `json:"user_id"`
	Symbol    string          `json:"symbol"`
	Side      string          `json:"side"`
	Type      string          `json:"type"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	SubID     uint64          `json:"sub_id"`
	Timestamp int64           `json:"timestamp"`
}

// CancelOrder cancels a single resting order.
type CancelOrder struct {
	ID        uint64 `json:"id"`
	UserID    uint64 `json:"user_id"`
	Symbol    string `json:"symbol"`
	SubID     uint64 `json:"sub_id"`
	Timestamp int64  `json:"timestamp"`
}

// CancelAll cancels every resting order a user has on one symbol.
type CancelAll struct {
	UserID    uint64 `json:"user_id"`
	Symbol    string `json:"symbol"`
	SubID     uint64 `json:"sub_id"`
	Timestamp int64  `json:"timestamp"`
}

// OpenOrder asks for the current state of one order.
type OpenOrder struct {
	UserID  uint64 `json:"user_id"`
	OrderID uint64 `json:"order_id"`
	Symbol  string `json:"symbol"`
	SubID   uint64 `json:"sub_id"`
}

// OpenOrders asks for every order a user has resting on one symbol.
type OpenOrders struct {
	UserID uint64 `json:"user_id"`
	Symbol string `json:"symbol"`
	SubID  uint64 `json:"sub_id"`
}

// NewUser registers a user; the user worker assigns the id.
type NewUser struct {
	SubID uint64 `json:"sub_id"`
}

// Deposit credits an asset balance.
type Deposit struct {
	UserID   uint64          `json:"user_id"`
	Asset    string          `json:"asset"`
	Quantity decimal.Decimal `json:"quantity"`
	SubID    uint64          `json:"sub_id"`
}

// Withdraw debits an asset balance.
type Withdraw struct {
	UserID   uint64          `json:"user_id"`
	Asset    string          `json:"asset"`
	Quantity decimal.Decimal `json:"quantity"`
	SubID    uint64          `json:"sub_id"`
}

// GetUserBalances asks for a user's full balance/locked-balance record.
type GetUserBalances struct {
	UserID uint64 `json:"user_id"`
	SubID  uint64 `json:"sub_id"`
}

// DecodeEngineRequest decodes an Envelope's payload into the concrete
// request type its Type names. The returned value is one of *ExecuteOrder,
// *CancelOrder, *CancelAll, *OpenOrder or *OpenOrders.
func DecodeEngineRequest(env Envelope) (any, error) {
	switch env.Type {
	case TypeExecuteOrder:
		var r ExecuteOrder
		return &r, unmarshal(env.Payload, &r)
	case TypeCancelOrder:
		var r CancelOrder
		return &r, unmarshal(env.Payload, &r)
	case TypeCancelAll:
		var r CancelAll
		return &r, unmarshal(env.Payload, &r)
	case TypeOpenOrder:
		var r OpenOrder
		return &r, unmarshal(env.Payload, &r)
	case TypeOpenOrders:
		var r OpenOrders
		return &r, unmarshal(env.Payload, &r)
	default:
		return nil, fmt.Errorf("wire: unknown engine request type %q", env.Type)
	}
}

// DecodeUserRequest decodes an Envelope's payload into the concrete user
// request type its Type names. The returned value is one of *NewUser,
// *Deposit, *Withdraw or *GetUserBalances.
func DecodeUserRequest(env Envelope) (any, error) {
	switch env.Type {
	case TypeNewUser:
		var r NewUser
		return &r, unmarshal(env.Payload, &r)
	case TypeDeposit:
		var r Deposit
		return &r, unmarshal(env.Payload, &r)
	case TypeWithdraw:
		var r Withdraw
		return &r, unmarshal(env.Payload, &r)
	case TypeGetUserBalances:
		var r GetUserBalances
		return &r, unmarshal(env.Payload, &r)
	default:
		return nil, fmt.Errorf("wire: unknown user request type %q", env.Type)
	}
}

func unmarshal(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("wire: empty payload")
	}
	return json.Unmarshal(raw, v)
}
