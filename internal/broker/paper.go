package broker

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// PaperBroker simulates order placement while passing market-data calls
// through to the real gateway. Orders fill instantly at the last traded
// price, so paper journal rows carry realistic fills.
type PaperBroker struct {
	broker Broker
	seq    atomic.Int64
}

// Ensure PaperBroker implements Broker at compile time.
var _ Broker = (*PaperBroker)(nil)

// NewPaperBroker wraps a gateway client for paper trading.
func NewPaperBroker(broker Broker) *PaperBroker {
	return &PaperBroker{broker: broker}
}

// GetExpiry passes through to the underlying gateway.
func (p *PaperBroker) GetExpiry(ctx context.Context, symbol, exchange string) ([]string, error) {
	return p.broker.GetExpiry(ctx, symbol, exchange)
}

// GetQuote passes through to the underlying gateway.
func (p *PaperBroker) GetQuote(ctx context.Context, symbol, exchange string) (*Quote, error) {
	return p.broker.GetQuote(ctx, symbol, exchange)
}

// PlaceOrder fetches the current quote and fabricates a fill at LTP.
func (p *PaperBroker) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResponse, error) {
	quote, err := p.broker.GetQuote(ctx, req.Symbol, req.Exchange)
	if err != nil {
		return nil, fmt.Errorf("paper fill for %s: %w", req.Symbol, err)
	}
	return &OrderResponse{
		OrderID:   fmt.Sprintf("paper_%d_%d", time.Now().Unix(), p.seq.Add(1)),
		FillPrice: quote.LastPrice,
	}, nil
}
