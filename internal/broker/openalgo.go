package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const apiPrefix = "/api/v1/"

// OpenAlgoClient talks to an OpenAlgo gateway over its JSON REST API.
// Every endpoint is a POST with the api key merged into the payload.
type OpenAlgoClient struct {
	host       string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// Ensure OpenAlgoClient implements Broker at compile time.
var _ Broker = (*OpenAlgoClient)(nil)

// NewOpenAlgoClient creates a gateway client. rateLimit caps requests per
// second across all callers (0 disables pacing); timeout bounds each request.
func NewOpenAlgoClient(host, apiKey string, timeout time.Duration, rateLimit float64) *OpenAlgoClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	var limiter *rate.Limiter
	if rateLimit > 0 {
		// Allow short bursts so the candidate fan-out is not fully serialized.
		limiter = rate.NewLimiter(rate.Limit(rateLimit), int(rateLimit)+1)
	}
	return &OpenAlgoClient{
		host:       strings.TrimRight(host, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    limiter,
	}
}

type apiEnvelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message,omitempty"`
	OrderID string          `json:"orderid,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// GetExpiry returns the available option expiry dates for an index.
func (c *OpenAlgoClient) GetExpiry(ctx context.Context, symbol, exchange string) ([]string, error) {
	env, err := c.post(ctx, "expiry", map[string]any{
		"symbol":         symbol,
		"exchange":       exchange,
		"instrumenttype": InstrumentOptions,
	})
	if err != nil {
		return nil, err
	}
	var dates []string
	if err := json.Unmarshal(env.Data, &dates); err != nil {
		return nil, fmt.Errorf("decoding expiry data: %w", err)
	}
	if len(dates) == 0 {
		return nil, &APIError{Endpoint: "expiry", Message: "no expiry dates returned"}
	}
	return dates, nil
}

// GetQuote returns the last traded price for a symbol.
func (c *OpenAlgoClient) GetQuote(ctx context.Context, symbol, exchange string) (*Quote, error) {
	env, err := c.post(ctx, "quotes", map[string]any{
		"symbol":   symbol,
		"exchange": exchange,
	})
	if err != nil {
		return nil, err
	}
	var data struct {
		LTP json.Number `json:"ltp"`
		OI  json.Number `json:"oi"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("decoding quote data for %s: %w", symbol, err)
	}
	ltp, err := data.LTP.Float64()
	if err != nil {
		return nil, fmt.Errorf("quote for %s has non-numeric ltp %q", symbol, data.LTP)
	}
	oi, _ := data.OI.Int64()
	return &Quote{Symbol: symbol, Exchange: exchange, LastPrice: ltp, OpenInterest: oi}, nil
}

// PlaceOrder submits a MARKET order.
func (c *OpenAlgoClient) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResponse, error) {
	env, err := c.post(ctx, "placeorder", map[string]any{
		"symbol":    req.Symbol,
		"action":    string(req.Action),
		"exchange":  req.Exchange,
		"pricetype": "MARKET",
		"product":   req.Product,
		"quantity":  strconv.Itoa(req.Quantity),
		"strategy":  req.Strategy,
	})
	if err != nil {
		return nil, err
	}

	// Older gateway builds nest the id under data.order_id.
	orderID := env.OrderID
	if orderID == "" && len(env.Data) > 0 {
		var data struct {
			OrderID string `json:"order_id"`
		}
		if err := json.Unmarshal(env.Data, &data); err == nil {
			orderID = data.OrderID
		}
	}
	if orderID == "" {
		return nil, &APIError{Endpoint: "placeorder", Message: "success response without order id"}
	}
	return &OrderResponse{OrderID: orderID}, nil
}

func (c *OpenAlgoClient) post(ctx context.Context, endpoint string, payload map[string]any) (*apiEnvelope, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("gateway %s: rate limit wait: %w", endpoint, err)
		}
	}

	payload["apikey"] = c.apiKey
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("gateway %s: encoding payload: %w", endpoint, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+apiPrefix+endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("gateway %s: building request: %w", endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway %s: %w", endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("gateway %s: reading response: %w", endpoint, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Endpoint: endpoint, Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	}

	var env apiEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("gateway %s: decoding response: %w", endpoint, err)
	}
	if env.Status != "success" {
		msg := env.Message
		if msg == "" {
			msg = fmt.Sprintf("status %q", env.Status)
		}
		return nil, &APIError{Endpoint: endpoint, Status: resp.StatusCode, Message: msg}
	}
	return &env, nil
}
