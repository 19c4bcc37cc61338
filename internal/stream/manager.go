// Package stream maintains the market data connection: a single
// websocket worker delivering ticks to one registered callback, with a
// polling fallback through the quote gateway when the stream cannot be
// kept alive.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ayush20180/openalgo-options/internal/broker"
	"github.com/ayush20180/openalgo-options/internal/metrics"
)

// Mode names for the current tick delivery path.
const (
	ModeIdle      = "idle"
	ModeWebsocket = "websocket"
	ModePolling   = "polling"
)

// subChCapacity bounds the subscription-change hand-off queue.
const subChCapacity = 16

var errAuthRejected = errors.New("stream authentication rejected")

// Subscription identifies one symbol feed.
type Subscription struct {
	Symbol   string
	Exchange string
}

// SubscriptionChange is a batch of adds and removes applied by the
// worker between received messages.
type SubscriptionChange struct {
	Add    []Subscription
	Remove []Subscription
}

// TickHandler receives every market data tick, at most once per message,
// in arrival order per symbol. It is invoked on the worker goroutine and
// must not block.
type TickHandler func(symbol string, lastPrice float64)

// Quoter is the slice of the gateway the polling fallback needs.
type Quoter interface {
	GetQuote(ctx context.Context, symbol, exchange string) (*broker.Quote, error)
}

// Options configures a Manager.
type Options struct {
	URL          string
	APIKey       string
	MaxRetries   int
	RetryDelay   time.Duration
	SettleDelay  time.Duration
	JoinTimeout  time.Duration
	PollInterval time.Duration
	QuoteTimeout time.Duration
}

// Manager owns at most one live connection handle. Connect spawns a
// worker goroutine that authenticates, subscribes, and runs the blocking
// receive loop; Disconnect reclaims the handle under the lock and tears
// it down outside the lock. Exhausting the retry budget switches the
// worker into polling fallback, which only an explicit Reconnect leaves.
type Manager struct {
	opts    Options
	quoter  Quoter
	handler TickHandler
	logger  *log.Logger

	mu         sync.Mutex
	conn       *websocket.Conn
	subs       map[Subscription]struct{}
	subCh      chan SubscriptionChange
	workerDone chan struct{}
	cancel     context.CancelFunc
	mode       string
	stopping   bool
}

// NewManager creates a stream manager. The handler is required; quoter
// may be nil only if polling fallback can never be reached.
func NewManager(opts Options, quoter Quoter, handler TickHandler, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.New(os.Stdout, "", log.LstdFlags)
	}
	if opts.QuoteTimeout <= 0 {
		opts.QuoteTimeout = 5 * time.Second
	}
	return &Manager{
		opts:    opts,
		quoter:  quoter,
		handler: handler,
		logger:  logger,
		subs:    make(map[Subscription]struct{}),
		mode:    ModeIdle,
	}
}

// Connect starts the stream worker for the given subscription set. If a
// worker is already alive the call is a no-op with a logged warning.
func (m *Manager) Connect(subs []Subscription) error {
	m.mu.Lock()
	if m.workerDone != nil {
		select {
		case <-m.workerDone:
			// Previous worker exited on its own, its slot is free.
		default:
			m.mu.Unlock()
			m.logger.Printf("WARNING: stream connect ignored, worker already active")
			return nil
		}
	}
	m.stopping = false
	m.subs = make(map[Subscription]struct{}, len(subs))
	for _, s := range subs {
		m.subs[s] = struct{}{}
	}
	m.subCh = make(chan SubscriptionChange, subChCapacity)
	m.workerDone = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	done, subCh := m.workerDone, m.subCh
	m.mu.Unlock()

	go m.worker(ctx, done, subCh)
	return nil
}

// Reconnect tears down the current connection, waits for resources to
// settle, and connects again with the new subscription set.
func (m *Manager) Reconnect(subs []Subscription) error {
	m.Disconnect()
	time.Sleep(m.opts.SettleDelay)
	return m.Connect(subs)
}

// Disconnect reclaims the connection handle, tears it down, and joins
// the worker with a bounded timeout. Safe to call from any goroutine,
// including concurrently with the receive loop.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	done := m.workerDone
	m.workerDone = nil
	m.subCh = nil
	cancel := m.cancel
	m.cancel = nil
	m.mode = ModeIdle
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	// Teardown happens outside the lock: closing may block, and the
	// worker needs the lock to notice its handle is gone.
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}

	if done != nil {
		select {
		case <-done:
		case <-time.After(m.opts.JoinTimeout):
			m.logger.Printf("WARNING: stream worker did not exit within %v", m.opts.JoinTimeout)
		}
	}
	metrics.SetStreamMode(ModeIdle)
}

// Stop is terminal: it suppresses expected-disconnect logging and
// releases the connection.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.stopping = true
	m.mu.Unlock()
	m.Disconnect()
}

// Apply records the desired subscription change and hands it to the
// worker. The subscription set is updated immediately so a later
// reconnect or polling cycle sees it even if the queued change is lost.
func (m *Manager) Apply(change SubscriptionChange) {
	m.mu.Lock()
	for _, s := range change.Remove {
		delete(m.subs, s)
	}
	for _, s := range change.Add {
		m.subs[s] = struct{}{}
	}
	subCh := m.subCh
	m.mu.Unlock()

	if subCh == nil {
		return
	}
	select {
	case subCh <- change:
	default:
		m.logger.Printf("WARNING: subscription change queue full, change applies on next reconnect")
	}
}

// Mode reports the current tick delivery path.
func (m *Manager) Mode() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// Subscriptions returns a snapshot of the desired subscription set.
func (m *Manager) Subscriptions() []Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Subscription, 0, len(m.subs))
	for s := range m.subs {
		out = append(out, s)
	}
	return out
}

func (m *Manager) setMode(mode string) {
	m.mu.Lock()
	m.mode = mode
	m.mu.Unlock()
	metrics.SetStreamMode(mode)
}

func (m *Manager) isStopping() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopping
}

// worker owns the connection for its lifetime: dial, authenticate,
// subscribe, then block on the receive loop. Consecutive failures count
// toward the retry budget; a successful session resets it. Exhaustion
// drops into the sticky polling fallback.
func (m *Manager) worker(ctx context.Context, done chan struct{}, subCh chan SubscriptionChange) {
	defer close(done)

	failures := 0
	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := m.establish(ctx)
		if err != nil {
			if errors.Is(err, errAuthRejected) {
				m.logger.Printf("ERROR: %v, not retrying", err)
				return
			}
			if ctx.Err() != nil {
				return
			}
			failures++
			metrics.StreamReconnects.WithLabelValues("failure").Inc()
			m.logger.Printf("Stream connect failed (attempt %d/%d): %v", failures, m.opts.MaxRetries, err)
			if failures >= m.opts.MaxRetries {
				m.logger.Printf("Retry budget exhausted, switching to polling fallback every %v", m.opts.PollInterval)
				m.pollLoop(ctx, subCh)
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(m.opts.RetryDelay):
			}
			continue
		}

		failures = 0
		metrics.StreamReconnects.WithLabelValues("success").Inc()
		m.setMode(ModeWebsocket)

		requested, err := m.readLoop(conn, subCh)
		if requested || m.isStopping() || ctx.Err() != nil {
			return
		}
		m.logger.Printf("Stream dropped unexpectedly: %v", err)
	}
}

// establish dials the endpoint, authenticates, publishes the handle, and
// sends subscribe frames for the current set.
func (m *Manager) establish(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, m.opts.URL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dialing %s: %w (status %s)", m.opts.URL, err, resp.Status)
		}
		return nil, fmt.Errorf("dialing %s: %w", m.opts.URL, err)
	}

	if err := conn.WriteJSON(authFrame{Action: "authenticate", APIKey: m.opts.APIKey}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sending auth frame: %w", err)
	}
	var auth inboundMessage
	if err := conn.ReadJSON(&auth); err != nil {
		conn.Close()
		return nil, fmt.Errorf("reading auth response: %w", err)
	}
	if auth.Status != "success" {
		conn.Close()
		return nil, fmt.Errorf("%w: status %q", errAuthRejected, auth.Status)
	}

	m.mu.Lock()
	if m.stopping || ctx.Err() != nil {
		m.mu.Unlock()
		conn.Close()
		return nil, fmt.Errorf("stream shut down during connect")
	}
	m.conn = conn
	subs := make([]Subscription, 0, len(m.subs))
	for s := range m.subs {
		subs = append(subs, s)
	}
	m.mu.Unlock()

	for _, s := range subs {
		if err := conn.WriteJSON(subscribeFrame{Action: "subscribe", Symbol: s.Symbol, Exchange: s.Exchange, Mode: 1}); err != nil {
			m.releaseConn(conn)
			conn.Close()
			return nil, fmt.Errorf("subscribing %s: %w", s.Symbol, err)
		}
	}
	m.logger.Printf("Stream connected, subscribed to %d symbols", len(subs))
	return conn, nil
}

// readLoop blocks on the connection until it fails or is reclaimed.
// Pending subscription changes are drained between received messages;
// the worker is the only goroutine writing frames. The bool result is
// true when the handle was taken by Disconnect rather than lost.
func (m *Manager) readLoop(conn *websocket.Conn, subCh chan SubscriptionChange) (bool, error) {
	for {
		m.drainChanges(conn, subCh)

		_, data, err := conn.ReadMessage()
		if err != nil {
			if !m.releaseConn(conn) {
				// Disconnect already took the handle.
				return true, nil
			}
			conn.Close()
			return false, err
		}

		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			m.logger.Printf("Skipping unparseable stream message: %v", err)
			continue
		}
		if msg.Type != "market_data" || msg.Symbol == "" {
			continue
		}
		price, err := msg.LTP.Float64()
		if err != nil {
			m.logger.Printf("Skipping tick for %s with bad ltp %q", msg.Symbol, msg.LTP)
			continue
		}
		metrics.TicksReceived.WithLabelValues(ModeWebsocket).Inc()
		m.handler(msg.Symbol, price)
	}
}

// drainChanges applies every queued subscription change without blocking.
func (m *Manager) drainChanges(conn *websocket.Conn, subCh chan SubscriptionChange) {
	for {
		select {
		case change := <-subCh:
			for _, s := range change.Remove {
				if err := conn.WriteJSON(subscribeFrame{Action: "unsubscribe", Symbol: s.Symbol, Exchange: s.Exchange, Mode: 1}); err != nil {
					m.logger.Printf("Unsubscribe %s failed: %v", s.Symbol, err)
				}
			}
			for _, s := range change.Add {
				if err := conn.WriteJSON(subscribeFrame{Action: "subscribe", Symbol: s.Symbol, Exchange: s.Exchange, Mode: 1}); err != nil {
					m.logger.Printf("Subscribe %s failed: %v", s.Symbol, err)
				}
			}
		default:
			return
		}
	}
}

// pollLoop is the sticky fallback: synthesize ticks from synchronous
// quotes until the context is cancelled by Disconnect or Stop.
func (m *Manager) pollLoop(ctx context.Context, subCh chan SubscriptionChange) {
	if m.quoter == nil {
		m.logger.Printf("ERROR: no quote source for polling fallback, tick delivery halted")
		return
	}
	m.setMode(ModePolling)

	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-subCh:
			// The set itself was already updated by Apply.
			continue
		case <-ticker.C:
		}

		for _, s := range m.Subscriptions() {
			qctx, cancel := context.WithTimeout(ctx, m.opts.QuoteTimeout)
			quote, err := m.quoter.GetQuote(qctx, s.Symbol, s.Exchange)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				m.logger.Printf("Fallback quote for %s failed: %v", s.Symbol, err)
				continue
			}
			metrics.TicksReceived.WithLabelValues(ModePolling).Inc()
			m.handler(s.Symbol, quote.LastPrice)
		}
	}
}

// releaseConn clears the stored handle if it is still ours. Returns
// false when Disconnect got there first.
func (m *Manager) releaseConn(conn *websocket.Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != conn {
		return false
	}
	m.conn = nil
	return true
}

type authFrame struct {
	Action string `json:"action"`
	APIKey string `json:"api_key"`
}

type subscribeFrame struct {
	Action   string `json:"action"`
	Symbol   string `json:"symbol"`
	Exchange string `json:"exchange"`
	Mode     int    `json:"mode"`
}

type inboundMessage struct {
	Type   string      `json:"type"`
	Status string      `json:"status"`
	Symbol string      `json:"symbol"`
	LTP    json.Number `json:"ltp"`
}
