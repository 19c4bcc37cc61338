package broker

import (
	"context"
	"fmt"
	"sync"
)

// MockBroker is a scriptable in-memory gateway for development and tests.
// It returns configured expiries and quotes and records every order placed.
type MockBroker struct {
	mu sync.Mutex

	Expiries     []string
	Quotes       map[string]float64 // symbol -> LTP
	DefaultPrice float64            // used when a symbol has no quote entry
	FailQuotes   map[string]bool    // symbols whose quote calls fail
	FailOrders   bool
	FailOrderFor map[string]bool // symbols whose orders are rejected

	Orders []OrderRequest
	nextID int
}

// Ensure MockBroker implements Broker at compile time.
var _ Broker = (*MockBroker)(nil)

// NewMockBroker returns a mock with plausible defaults.
func NewMockBroker() *MockBroker {
	return &MockBroker{
		Expiries:     []string{"28-Aug-25", "04-Sep-25", "30-Sep-25"},
		Quotes:       make(map[string]float64),
		DefaultPrice: 100.0,
		FailQuotes:   make(map[string]bool),
		FailOrderFor: make(map[string]bool),
	}
}

// SetQuote sets the price returned for a symbol.
func (m *MockBroker) SetQuote(symbol string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Quotes[symbol] = price
}

// GetExpiry returns the configured expiry dates.
func (m *MockBroker) GetExpiry(_ context.Context, symbol, _ string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Expiries) == 0 {
		return nil, &APIError{Endpoint: "expiry", Message: "no expiries configured for " + symbol}
	}
	out := make([]string, len(m.Expiries))
	copy(out, m.Expiries)
	return out, nil
}

// GetQuote returns the configured price for a symbol.
func (m *MockBroker) GetQuote(_ context.Context, symbol, exchange string) (*Quote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailQuotes[symbol] {
		return nil, &APIError{Endpoint: "quotes", Message: "quote unavailable for " + symbol}
	}
	price, ok := m.Quotes[symbol]
	if !ok {
		price = m.DefaultPrice
	}
	return &Quote{Symbol: symbol, Exchange: exchange, LastPrice: price, OpenInterest: 100000}, nil
}

// PlaceOrder records the order and returns a synthetic order id.
func (m *MockBroker) PlaceOrder(_ context.Context, req OrderRequest) (*OrderResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailOrders || m.FailOrderFor[req.Symbol] {
		return nil, &APIError{Endpoint: "placeorder", Message: "order rejected"}
	}
	m.Orders = append(m.Orders, req)
	m.nextID++
	return &OrderResponse{OrderID: fmt.Sprintf("mock_%d", m.nextID)}, nil
}

// PlacedOrders returns a copy of the recorded orders.
func (m *MockBroker) PlacedOrders() []OrderRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]OrderRequest, len(m.Orders))
	copy(out, m.Orders)
	return out
}
