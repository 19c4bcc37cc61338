// Package broker provides the OpenAlgo gateway client and its decorators.
package broker

import (
	"context"
	"fmt"
)

// Action is the order side.
type Action string

const (
	// ActionBuy closes (squares off) a short leg.
	ActionBuy Action = "BUY"
	// ActionSell opens a short leg.
	ActionSell Action = "SELL"
)

// InstrumentOptions selects option expiries on the expiry endpoint.
const InstrumentOptions = "options"

// Quote is a single market quote from the gateway.
type Quote struct {
	Symbol       string
	Exchange     string
	LastPrice    float64
	OpenInterest int64
}

// OrderRequest describes one market order.
type OrderRequest struct {
	Symbol   string
	Exchange string
	Product  string
	Action   Action
	Quantity int
	Strategy string
}

// OrderResponse is the gateway's acknowledgement of a placed order.
// FillPrice is only known in paper mode; live fills report zero.
type OrderResponse struct {
	OrderID   string
	FillPrice float64
}

// Broker defines the gateway operations the strategy depends on. All calls
// block on network I/O bounded by the context deadline and the client's
// request timeout.
type Broker interface {
	// GetExpiry returns the available expiry dates for an index, ordered
	// nearest first, in DD-MMM-YY form.
	GetExpiry(ctx context.Context, symbol, exchange string) ([]string, error)

	// GetQuote returns the last traded price for a symbol.
	GetQuote(ctx context.Context, symbol, exchange string) (*Quote, error)

	// PlaceOrder submits a market order and returns the gateway order id.
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResponse, error)
}

// APIError is a non-success response from the gateway.
type APIError struct {
	Endpoint string
	Status   int
	Message  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway %s: status %d: %s", e.Endpoint, e.Status, e.Message)
}
