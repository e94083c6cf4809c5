package wire

import (
	"encoding/json"

	"github.com/shopspring/decimal"

	"clobengine/internal/apierr"
)

// Response is pushed to a reply slot keyed by the request's sub_id. Exactly
// one of Error or Result is set.
type Response struct {
	SubID  uint64          `json:"sub_id"`
	Error  *ErrorPayload   `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// ErrorPayload is the wire shape of an apierr.Error.
type ErrorPayload struct {
	Kind    string         `json:"kind"`
	Context map[string]any `json:"context,omitempty"`
}

// ErrorResponse builds a Response carrying a rejection.
func ErrorResponse(subID uint64, err error) Response {
	var apiErr *apierr.Error
	if e, ok := err.(*apierr.Error); ok {
		apiErr = e
	} else {
		apiErr = apierr.New("InternalError", map[string]any{"message": err.Error()})
	}
	return Response{
		SubID: subID,
		Error: &ErrorPayload{Kind: string(apiErr.Kind), Context: apiErr.Context},
	}
}

// OkResponse marshals result as the Response's payload.
func OkResponse(subID uint64, result any) (Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return Response{}, err
	}
	return Response{SubID: subID, Result: raw}, nil
}

// OrderResult is the payload returned for ExecuteOrder/CancelOrder/OpenOrder.
type OrderResult struct {
	OrderID        uint64          `json:"order_id"`
	Status         string          `json:"status"`
	FilledQuantity decimal.Decimal `json:"filled_quantity"`
	FilledQuoteQty decimal.Decimal `json:"filled_quote_quantity"`
	RemainingQty   decimal.Decimal `json:"remaining_quantity"`
}

// OrdersResult is the payload returned for CancelAll/OpenOrders.
type OrdersResult struct {
	Orders []OrderResult `json:"orders"`
}

// BalancesResult is the payload returned for GetUserBalances.
type BalancesResult struct {
	UserID  uint64            `json:"user_id"`
	Balance map[string]string `json:"balance"`
	Locked  map[string]string `json:"locked_balance"`
}
