package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ayush20180/openalgo-options/internal/broker"
)

var upgrader = websocket.Upgrader{}

// fakeFeed is a scripted websocket endpoint: it performs the auth
// handshake, records every frame it receives, and pushes whatever the
// test queues on outbound.
type fakeFeed struct {
	srv        *httptest.Server
	authStatus string
	dials      atomic.Int64

	mu       sync.Mutex
	frames   []map[string]any
	outbound chan string
}

func newFakeFeed(t *testing.T) *fakeFeed {
	t.Helper()
	f := &fakeFeed{authStatus: "success", outbound: make(chan string, 16)}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.dials.Add(1)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var auth map[string]any
		if err := conn.ReadJSON(&auth); err != nil {
			return
		}
		f.record(auth)
		if err := conn.WriteJSON(map[string]string{"status": f.authStatus}); err != nil {
			return
		}
		if f.authStatus != "success" {
			return
		}

		go func() {
			for msg := range f.outbound {
				if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
					return
				}
			}
		}()
		for {
			var frame map[string]any
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			f.record(frame)
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeFeed) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeFeed) record(frame map[string]any) {
	f.mu.Lock()
	f.frames = append(f.frames, frame)
	f.mu.Unlock()
}

func (f *fakeFeed) receivedFrame(action, symbol string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, frame := range f.frames {
		if frame["action"] == action && (symbol == "" || frame["symbol"] == symbol) {
			return true
		}
	}
	return false
}

func (f *fakeFeed) sendTick(symbol string, ltp float64) {
	f.outbound <- fmt.Sprintf(`{"type":"market_data","symbol":%q,"ltp":%g}`, symbol, ltp)
}

type recordedTick struct {
	symbol string
	price  float64
}

type tickRecorder struct {
	mu    sync.Mutex
	ticks []recordedTick
	got   chan struct{}
}

func newTickRecorder() (*tickRecorder, TickHandler) {
	r := &tickRecorder{got: make(chan struct{}, 64)}
	return r, func(symbol string, lastPrice float64) {
		r.mu.Lock()
		r.ticks = append(r.ticks, recordedTick{symbol: symbol, price: lastPrice})
		r.mu.Unlock()
		select {
		case r.got <- struct{}{}:
		default:
		}
	}
}

func (r *tickRecorder) last() (string, float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.ticks) == 0 {
		return "", 0
	}
	t := r.ticks[len(r.ticks)-1]
	return t.symbol, t.price
}

func waitTick(t *testing.T, r *tickRecorder) {
	t.Helper()
	select {
	case <-r.got:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for tick")
	}
}

type fixedQuoter struct {
	price float64
	calls atomic.Int64
}

func (q *fixedQuoter) GetQuote(_ context.Context, symbol, _ string) (*broker.Quote, error) {
	q.calls.Add(1)
	return &broker.Quote{Symbol: symbol, LastPrice: q.price}, nil
}

func testOptions(url string) Options {
	return Options{
		URL:          url,
		APIKey:       "key",
		MaxRetries:   2,
		RetryDelay:   10 * time.Millisecond,
		SettleDelay:  10 * time.Millisecond,
		JoinTimeout:  2 * time.Second,
		PollInterval: 20 * time.Millisecond,
	}
}

func testStreamLogger() *log.Logger {
	return log.New(os.Stderr, "stream_test: ", log.LstdFlags)
}

func TestConnectDeliversTicks(t *testing.T) {
	feed := newFakeFeed(t)
	rec, handler := newTickRecorder()
	m := NewManager(testOptions(feed.url()), nil, handler, testStreamLogger())
	defer m.Stop()

	require.NoError(t, m.Connect([]Subscription{
		{Symbol: "NIFTY", Exchange: "NSE_INDEX"},
		{Symbol: "NIFTY28AUG2522700CE", Exchange: "NFO"},
	}))

	require.Eventually(t, func() bool {
		return feed.receivedFrame("subscribe", "NIFTY")
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, feed.receivedFrame("authenticate", ""))

	feed.sendTick("NIFTY", 22512.5)
	waitTick(t, rec)
	symbol, price := rec.last()
	assert.Equal(t, "NIFTY", symbol)
	assert.Equal(t, 22512.5, price)
	assert.Equal(t, ModeWebsocket, m.Mode())
}

func TestConnectWhileActiveIsNoOp(t *testing.T) {
	feed := newFakeFeed(t)
	_, handler := newTickRecorder()
	m := NewManager(testOptions(feed.url()), nil, handler, testStreamLogger())
	defer m.Stop()

	require.NoError(t, m.Connect([]Subscription{{Symbol: "NIFTY", Exchange: "NSE_INDEX"}}))
	require.Eventually(t, func() bool { return feed.dials.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, m.Connect([]Subscription{{Symbol: "OTHER", Exchange: "NFO"}}))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(1), feed.dials.Load(), "second connect must not replace the live worker")

	// The no-op must not clobber the active subscription set either.
	subs := m.Subscriptions()
	require.Len(t, subs, 1)
	assert.Equal(t, "NIFTY", subs[0].Symbol)
}

func TestApplyIsDrainedBetweenMessages(t *testing.T) {
	feed := newFakeFeed(t)
	rec, handler := newTickRecorder()
	m := NewManager(testOptions(feed.url()), nil, handler, testStreamLogger())
	defer m.Stop()

	require.NoError(t, m.Connect([]Subscription{{Symbol: "OLDPE", Exchange: "NFO"}}))
	require.Eventually(t, func() bool {
		return feed.receivedFrame("subscribe", "OLDPE")
	}, 2*time.Second, 10*time.Millisecond)

	m.Apply(SubscriptionChange{
		Remove: []Subscription{{Symbol: "OLDPE", Exchange: "NFO"}},
		Add:    []Subscription{{Symbol: "NEWPE", Exchange: "NFO"}},
	})

	// The worker drains the queue before its next blocking read, so a
	// tick nudges it into applying the change.
	feed.sendTick("OLDPE", 55)
	waitTick(t, rec)
	feed.sendTick("OLDPE", 56)
	waitTick(t, rec)

	require.Eventually(t, func() bool {
		return feed.receivedFrame("unsubscribe", "OLDPE") && feed.receivedFrame("subscribe", "NEWPE")
	}, 2*time.Second, 10*time.Millisecond)

	subs := m.Subscriptions()
	require.Len(t, subs, 1)
	assert.Equal(t, "NEWPE", subs[0].Symbol)
}

func TestRetryExhaustionFallsBackToPolling(t *testing.T) {
	// A plain HTTP server rejects the websocket upgrade every time.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "no", http.StatusBadGateway)
	}))
	defer srv.Close()

	quoter := &fixedQuoter{price: 104.2}
	rec, handler := newTickRecorder()
	m := NewManager(testOptions("ws"+strings.TrimPrefix(srv.URL, "http")), quoter, handler, testStreamLogger())
	defer m.Stop()

	require.NoError(t, m.Connect([]Subscription{{Symbol: "NIFTY28AUG2522300PE", Exchange: "NFO"}}))

	waitTick(t, rec)
	symbol, price := rec.last()
	assert.Equal(t, "NIFTY28AUG2522300PE", symbol)
	assert.Equal(t, 104.2, price)
	assert.Equal(t, ModePolling, m.Mode())

	// Fallback is sticky: ticks keep coming without any new dial attempts.
	waitTick(t, rec)
	assert.GreaterOrEqual(t, quoter.calls.Load(), int64(2))
}

func TestPollingFollowsSubscriptionChanges(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "no", http.StatusBadGateway)
	}))
	defer srv.Close()

	quoter := &fixedQuoter{price: 41}
	rec, handler := newTickRecorder()
	m := NewManager(testOptions("ws"+strings.TrimPrefix(srv.URL, "http")), quoter, handler, testStreamLogger())
	defer m.Stop()

	require.NoError(t, m.Connect([]Subscription{{Symbol: "OLD", Exchange: "NFO"}}))
	waitTick(t, rec)

	m.Apply(SubscriptionChange{
		Remove: []Subscription{{Symbol: "OLD", Exchange: "NFO"}},
		Add:    []Subscription{{Symbol: "NEW", Exchange: "NFO"}},
	})

	require.Eventually(t, func() bool {
		symbol, _ := rec.last()
		return symbol == "NEW"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDisconnectJoinsWorker(t *testing.T) {
	feed := newFakeFeed(t)
	_, handler := newTickRecorder()
	m := NewManager(testOptions(feed.url()), nil, handler, testStreamLogger())

	require.NoError(t, m.Connect([]Subscription{{Symbol: "NIFTY", Exchange: "NSE_INDEX"}}))
	require.Eventually(t, func() bool { return feed.dials.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	start := time.Now()
	m.Disconnect()
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, ModeIdle, m.Mode())

	// A fresh connect after disconnect starts a new worker.
	require.NoError(t, m.Connect([]Subscription{{Symbol: "NIFTY", Exchange: "NSE_INDEX"}}))
	require.Eventually(t, func() bool { return feed.dials.Load() == 2 }, 2*time.Second, 10*time.Millisecond)
	m.Stop()
}

func TestReconnectSwapsSubscriptionSet(t *testing.T) {
	feed := newFakeFeed(t)
	_, handler := newTickRecorder()
	m := NewManager(testOptions(feed.url()), nil, handler, testStreamLogger())
	defer m.Stop()

	require.NoError(t, m.Connect([]Subscription{{Symbol: "A", Exchange: "NFO"}}))
	require.Eventually(t, func() bool { return feed.receivedFrame("subscribe", "A") }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, m.Reconnect([]Subscription{{Symbol: "B", Exchange: "NFO"}}))
	require.Eventually(t, func() bool { return feed.receivedFrame("subscribe", "B") }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(2), feed.dials.Load())
}

func TestAuthRejectionDoesNotRetryOrFallBack(t *testing.T) {
	feed := newFakeFeed(t)
	feed.authStatus = "error"
	quoter := &fixedQuoter{price: 1}
	_, handler := newTickRecorder()
	m := NewManager(testOptions(feed.url()), quoter, handler, testStreamLogger())
	defer m.Stop()

	require.NoError(t, m.Connect([]Subscription{{Symbol: "NIFTY", Exchange: "NSE_INDEX"}}))

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int64(1), feed.dials.Load())
	assert.Zero(t, quoter.calls.Load(), "bad credentials must not start polling")
}

func TestNonMarketDataMessagesIgnored(t *testing.T) {
	feed := newFakeFeed(t)
	rec, handler := newTickRecorder()
	m := NewManager(testOptions(feed.url()), nil, handler, testStreamLogger())
	defer m.Stop()

	require.NoError(t, m.Connect([]Subscription{{Symbol: "NIFTY", Exchange: "NSE_INDEX"}}))
	require.Eventually(t, func() bool { return feed.receivedFrame("subscribe", "NIFTY") }, 2*time.Second, 10*time.Millisecond)

	feed.outbound <- `{"type":"ack","symbol":"NIFTY"}`
	feed.outbound <- `not even json`
	feed.sendTick("NIFTY", 22500)
	waitTick(t, rec)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.ticks, 1, "only market_data messages reach the handler")
}

func TestInboundMessageParsing(t *testing.T) {
	var msg inboundMessage
	require.NoError(t, json.Unmarshal([]byte(`{"type":"market_data","symbol":"X","ltp":42.5}`), &msg))
	price, err := msg.LTP.Float64()
	require.NoError(t, err)
	assert.Equal(t, 42.5, price)
}
