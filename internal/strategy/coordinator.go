// Package strategy implements the short strangle engine: entry, tick
// monitoring, leg adjustment, and exit, around a single persisted
// position record.
package strategy

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ayush20180/openalgo-options/internal/broker"
	"github.com/ayush20180/openalgo-options/internal/config"
	"github.com/ayush20180/openalgo-options/internal/journal"
	"github.com/ayush20180/openalgo-options/internal/metrics"
	"github.com/ayush20180/openalgo-options/internal/models"
	"github.com/ayush20180/openalgo-options/internal/storage"
	"github.com/ayush20180/openalgo-options/internal/stream"
	"github.com/ayush20180/openalgo-options/internal/util"
)

// StreamController is the slice of the stream manager the coordinator
// drives. Kept as an interface so tests can observe subscription intent
// without a live socket.
type StreamController interface {
	Connect(subs []stream.Subscription) error
	Reconnect(subs []stream.Subscription) error
	Apply(change stream.SubscriptionChange)
	Stop()
	Mode() string
}

var _ StreamController = (*stream.Manager)(nil)

// Coordinator owns the position state. All mutations go through it and
// are persisted immediately. Tick delivery arrives on the stream worker
// goroutine; multi-step adjustments run on their own goroutine so the
// receive loop is never blocked. The persisted in-progress flag is the
// single gate keeping two adjustments from running at once.
type Coordinator struct {
	cfg      *config.Config
	broker   broker.Broker
	store    storage.Interface
	journal  journal.Journal
	stream   StreamController
	selector *Selector
	logger   *log.Logger
	now      func() time.Time

	machineMu sync.Mutex
	machine   *models.StateMachine

	mu           sync.Mutex
	state        *models.PositionState
	prices       map[string]float64
	lastEntryDay string

	adjustWG sync.WaitGroup
}

func NewCoordinator(cfg *config.Config, b broker.Broker, store storage.Interface, jrnl journal.Journal, sc StreamController, logger *log.Logger) *Coordinator {
	return &Coordinator{
		cfg:      cfg,
		broker:   b,
		store:    store,
		journal:  jrnl,
		stream:   sc,
		selector: NewSelector(b, cfg.GatewayTimeout(), logger),
		logger:   logger,
		now:      time.Now,
		machine:  models.NewStateMachine(),
		state:    models.NewPositionState(),
		prices:   make(map[string]float64),
	}
}

// SetClock overrides the time source, for tests and offline runs.
func (c *Coordinator) SetClock(now func() time.Time) {
	c.now = now
}

// Resume loads persisted state and reattaches to an open trade. A stuck
// in-progress flag from a crashed adjustment is cleared before any tick
// can be evaluated; a trade that crashed between closing a leg and
// opening its replacement is squared off, never monitored.
func (c *Coordinator) Resume(ctx context.Context) error {
	state, err := c.store.LoadState()
	if err != nil {
		return fmt.Errorf("loading position state: %w", err)
	}

	c.mu.Lock()
	if state.InProgress {
		c.logger.Printf("Clearing stuck in-progress flag left by a previous run (trade %s)", state.TradeID)
		state.InProgress = false
	}
	c.state = state
	open := c.state.HasOpenTrade()
	legCount := len(c.state.Legs)
	tradeID := c.state.TradeID
	count := c.state.AdjustmentCount
	c.mu.Unlock()

	c.machineMu.Lock()
	c.machine.Resume(state)
	c.machineMu.Unlock()

	if !open {
		c.logger.Printf("No open trade to resume, starting idle")
		return nil
	}

	if legCount != 2 {
		// The previous run died mid-adjustment with a partial book.
		// The remaining leg is closed instead of resumed.
		c.logger.Printf("Trade %s resumed with %d legs, closing the remainder", tradeID, legCount)
		return c.ExecuteExit(ctx, "incomplete position after restart", "incomplete_position")
	}

	c.mu.Lock()
	if err := c.store.SaveState(c.state); err != nil {
		c.logger.Printf("WARNING: persisting resumed state failed: %v", err)
	}
	subs := c.subscriptionsLocked()
	c.mu.Unlock()

	c.logger.Printf("Resuming trade %s with %d legs, %d adjustments made", tradeID, len(state.Legs), count)
	metrics.OpenLegs.Set(float64(len(state.Legs)))
	metrics.AdjustmentCount.Set(float64(count))

	// The trade entered today; no fresh entry until tomorrow.
	c.mu.Lock()
	c.lastEntryDay = c.now().Format("2006-01-02")
	c.mu.Unlock()

	return c.stream.Reconnect(subs)
}

// Run is the scheduling loop: one entry per trading day at window start,
// exit of any open trade after window end. Blocks until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.CheckInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.Shutdown()
			return nil
		case <-ticker.C:
			c.checkSchedule(ctx)
		}
	}
}

func (c *Coordinator) checkSchedule(ctx context.Context) {
	now := c.now()
	today := now.Format("2006-01-02")

	c.mu.Lock()
	open := c.state.HasOpenTrade()
	entered := c.lastEntryDay == today
	c.mu.Unlock()

	switch {
	case c.cfg.IsWithinTradingWindow(now) && !open && !entered:
		if err := c.ExecuteEntry(ctx); err != nil {
			// Safe to retry on the next scheduling tick.
			c.logger.Printf("Entry attempt failed: %v", err)
		}
	case c.cfg.IsAfterTradingWindow(now) && open:
		if err := c.ExecuteExit(ctx, "trading window ended", "window_end"); err != nil {
			c.logger.Printf("Window-end exit failed: %v", err)
		}
	}
}

// ExecuteEntry opens the strangle: ATM from the index spot, sell a call
// at ATM+offset and a put at ATM-offset, persist both legs, then attach
// the stream. Failures before the first order leave state untouched.
func (c *Coordinator) ExecuteEntry(ctx context.Context) error {
	c.mu.Lock()
	if c.state.HasOpenTrade() {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	strat := c.cfg.Strategy
	dates, err := c.broker.GetExpiry(ctx, strat.Index, strat.Exchange)
	if err != nil {
		return fmt.Errorf("fetching expiry dates: %w", err)
	}
	expiry, err := pickExpiry(dates, strat.ExpiryType)
	if err != nil {
		return err
	}
	compact, err := util.FormatExpiry(expiry)
	if err != nil {
		return fmt.Errorf("formatting expiry %q: %w", expiry, err)
	}

	spot, err := c.broker.GetQuote(ctx, strat.Index, strat.IndexExchange)
	if err != nil {
		return fmt.Errorf("fetching %s spot: %w", strat.Index, err)
	}

	atm := util.ATMStrike(spot.LastPrice, strat.StrikeInterval)
	ceStrike := atm + strat.StrikeOffset
	peStrike := atm - strat.StrikeOffset
	ceSymbol := util.FormatOptionSymbol(strat.Index, compact, ceStrike, "CE")
	peSymbol := util.FormatOptionSymbol(strat.Index, compact, peStrike, "PE")

	tradeID := uuid.NewString()[:8]
	qty := c.cfg.TotalQuantity()
	c.logger.Printf("Entering trade %s: spot %.2f atm %d, sell %s and %s x%d",
		tradeID, spot.LastPrice, atm, ceSymbol, peSymbol, qty)

	ceFill, err := c.placeLeg(ctx, tradeID, broker.ActionSell, ceSymbol, qty, "CE", false)
	if err != nil {
		return fmt.Errorf("selling call leg: %w", err)
	}
	peFill, err := c.placeLeg(ctx, tradeID, broker.ActionSell, peSymbol, qty, "PE", false)
	if err != nil {
		// Unwind the filled call so a failed entry never leaves a naked leg.
		if _, uerr := c.placeLeg(ctx, tradeID, broker.ActionBuy, ceSymbol, qty, "CE", false); uerr != nil {
			c.logger.Printf("ERROR: unwinding call leg after failed entry: %v", uerr)
		}
		return fmt.Errorf("selling put leg: %w", err)
	}

	c.mu.Lock()
	c.state.TradeID = tradeID
	c.state.AdjustmentCount = 0
	c.state.InProgress = false
	c.state.SetLeg(models.LegCallShort, models.Leg{Symbol: ceSymbol, Strike: ceStrike})
	c.state.SetLeg(models.LegPutShort, models.Leg{Symbol: peSymbol, Strike: peStrike})
	c.persistLocked()
	c.lastEntryDay = c.now().Format("2006-01-02")
	subs := c.subscriptionsLocked()
	c.mu.Unlock()

	c.transition(models.StateOpen, "entry_placed")
	c.transition(models.StateMonitoring, "start_monitoring")
	metrics.OpenLegs.Set(2)
	metrics.AdjustmentCount.Set(0)

	c.logger.Printf("Trade %s open: sold %s (order %s) and %s (order %s)", tradeID, ceSymbol, ceFill, peSymbol, peFill)
	return c.stream.Connect(subs)
}

// OnTick is the stream callback. It caches the price and evaluates the
// adjustment trigger; the actual replacement runs on its own goroutine
// so this never blocks the receive loop.
func (c *Coordinator) OnTick(symbol string, lastPrice float64) {
	c.mu.Lock()
	c.prices[symbol] = lastPrice

	if !c.state.HasOpenTrade() || c.state.InProgress || len(c.state.Legs) != 2 || !c.cfg.Adjustment.Enabled {
		c.mu.Unlock()
		return
	}
	if !c.cfg.IsWithinTradingWindow(c.now()) {
		c.mu.Unlock()
		return
	}

	call, _ := c.state.Leg(models.LegCallShort)
	put, _ := c.state.Leg(models.LegPutShort)
	cePrice, ceKnown := c.prices[call.Symbol]
	pePrice, peKnown := c.prices[put.Symbol]
	if !ceKnown || !peKnown {
		c.mu.Unlock()
		return
	}

	smaller, larger := cePrice, pePrice
	losingRole := models.LegCallShort
	losingLeg := call
	if pePrice < cePrice {
		smaller, larger = pePrice, cePrice
		losingRole = models.LegPutShort
		losingLeg = put
	}
	if smaller >= larger*c.cfg.Adjustment.ThresholdRatio {
		c.mu.Unlock()
		return
	}

	tradeID := c.state.TradeID
	if c.state.AdjustmentCount >= c.cfg.Adjustment.MaxAdjustments {
		c.state.InProgress = true
		c.persistLocked()
		c.mu.Unlock()

		c.logger.Printf("Trade %s: %s leg decayed to %.2f vs %.2f but adjustment cap reached, exiting",
			tradeID, losingRole, smaller, larger)
		c.adjustWG.Add(1)
		go func() {
			defer c.adjustWG.Done()
			metrics.Adjustments.WithLabelValues("forced_exit").Inc()
			if err := c.executeExit(context.Background(), "max adjustments reached", "max_adjustments"); err != nil {
				c.logger.Printf("Max-adjustment exit failed: %v", err)
			}
		}()
		return
	}

	// The gate is set and persisted before the adjustment goroutine
	// exists, so a second qualifying tick cannot spawn a twin.
	c.state.InProgress = true
	c.state.AdjustmentCount++
	count := c.state.AdjustmentCount
	c.persistLocked()
	c.mu.Unlock()

	c.transition(models.StateAdjusting, "adjustment_triggered")
	metrics.AdjustmentCount.Set(float64(count))
	c.logger.Printf("Trade %s: adjusting %s leg (%.2f < %.2f * %.2f), adjustment %d/%d",
		tradeID, losingRole, smaller, larger, c.cfg.Adjustment.ThresholdRatio, count, c.cfg.Adjustment.MaxAdjustments)

	c.adjustWG.Add(1)
	go c.performAdjustment(tradeID, losingRole, losingLeg, larger)
}

// performAdjustment replaces the losing leg: buy it back, search for a
// strike whose premium is closest to the surviving leg's price, and sell
// the replacement. Every path through here clears the in-progress flag
// and persists before returning. The trade identity is re-checked at
// every state mutation so an exit that swept the book while this
// goroutine was mid-roll never gains an untracked leg.
func (c *Coordinator) performAdjustment(tradeID string, role models.LegRole, losing models.Leg, targetPremium float64) {
	defer c.adjustWG.Done()
	ctx := context.Background()

	defer func() {
		c.mu.Lock()
		if c.state.TradeID == tradeID && c.state.InProgress {
			c.state.InProgress = false
			c.persistLocked()
		}
		c.mu.Unlock()
	}()

	strat := c.cfg.Strategy
	qty := c.cfg.TotalQuantity()

	if !c.tradeStillOpen(tradeID) {
		c.logger.Printf("Trade %s: closed before the adjustment started", tradeID)
		return
	}

	if _, err := c.placeLeg(ctx, tradeID, broker.ActionBuy, losing.Symbol, qty, role.OptionType(), true); err != nil {
		c.logger.Printf("Trade %s: closing %s failed: %v", tradeID, losing.Symbol, err)
		c.forceExit("adjustment failed", "adjustment_failed")
		return
	}

	c.mu.Lock()
	if c.state.TradeID != tradeID {
		c.mu.Unlock()
		c.logger.Printf("Trade %s: closed while adjusting, dropping the roll", tradeID)
		return
	}
	c.state.RemoveLeg(role)
	delete(c.prices, losing.Symbol)
	c.persistLocked()
	_, haveRemaining := c.state.Leg(role.Opposite())
	c.mu.Unlock()
	metrics.OpenLegs.Set(1)

	if !haveRemaining {
		c.logger.Printf("Trade %s: remaining leg missing after closing %s", tradeID, losing.Symbol)
		c.forceExit("remaining leg missing", "adjustment_failed")
		return
	}

	parsed, err := util.ParseOptionSymbol(losing.Symbol)
	if err != nil {
		c.logger.Printf("Trade %s: cannot derive expiry from %s: %v", tradeID, losing.Symbol, err)
		c.forceExit("adjustment failed", "adjustment_failed")
		return
	}
	spot, err := c.broker.GetQuote(ctx, strat.Index, strat.IndexExchange)
	if err != nil {
		c.logger.Printf("Trade %s: spot quote for replacement search failed: %v", tradeID, err)
		c.forceExit("adjustment failed", "adjustment_failed")
		return
	}

	candidate, found := c.selector.Find(ctx, SearchParams{
		Index:         strat.Index,
		Exchange:      strat.Exchange,
		Expiry:        parsed.Expiry,
		OptionType:    role.OptionType(),
		Spot:          spot.LastPrice,
		Interval:      strat.StrikeInterval,
		Radius:        c.cfg.Adjustment.StrikeSearchRadius,
		ExcludeStrike: losing.Strike,
		TargetPremium: targetPremium,
	})
	if !found {
		c.logger.Printf("Trade %s: no replacement strike with an obtainable quote", tradeID)
		c.forceExit("no adjustment candidate", "no_candidate")
		return
	}

	c.mu.Lock()
	if c.state.TradeID != tradeID {
		c.mu.Unlock()
		c.logger.Printf("Trade %s: closed during the candidate search, dropping the roll", tradeID)
		return
	}
	wouldInvert := c.state.WouldInvert(role, candidate.Strike)
	c.mu.Unlock()
	if wouldInvert {
		c.logger.Printf("Trade %s: replacement %s at %d would invert the strangle", tradeID, role, candidate.Strike)
		c.forceExit("inverted strangle", "inverted_strangle")
		return
	}

	if _, err := c.placeLeg(ctx, tradeID, broker.ActionSell, candidate.Symbol, qty, role.OptionType(), true); err != nil {
		c.logger.Printf("Trade %s: selling replacement %s failed: %v", tradeID, candidate.Symbol, err)
		c.forceExit("adjustment failed", "adjustment_failed")
		return
	}

	c.mu.Lock()
	if c.state.TradeID != tradeID {
		c.mu.Unlock()
		c.logger.Printf("Trade %s: closed while the replacement order was in flight, unwinding %s", tradeID, candidate.Symbol)
		if _, err := c.placeLeg(ctx, tradeID, broker.ActionBuy, candidate.Symbol, qty, role.OptionType(), true); err != nil {
			c.logger.Printf("ERROR: unwinding replacement %s: %v", candidate.Symbol, err)
		}
		return
	}
	c.state.SetLeg(role, models.Leg{Symbol: candidate.Symbol, Strike: candidate.Strike})
	c.state.InProgress = false
	c.persistLocked()
	c.mu.Unlock()

	c.transition(models.StateMonitoring, "adjustment_complete")
	metrics.OpenLegs.Set(2)
	metrics.Adjustments.WithLabelValues("adjusted").Inc()
	c.logger.Printf("Trade %s: %s leg rolled %s -> %s (premium %.2f, target %.2f)",
		tradeID, role, losing.Symbol, candidate.Symbol, candidate.Premium, targetPremium)

	// State is durable before the stream learns about the swap.
	c.stream.Apply(stream.SubscriptionChange{
		Remove: []stream.Subscription{{Symbol: losing.Symbol, Exchange: strat.Exchange}},
		Add:    []stream.Subscription{{Symbol: candidate.Symbol, Exchange: strat.Exchange}},
	})
}

// forceExit resolves a decision error by closing everything. Ambiguity
// about position safety always collapses to flat, never to a retry.
// It runs on the adjustment goroutine, so it must not wait on adjustWG.
func (c *Coordinator) forceExit(reason, condition string) {
	metrics.Adjustments.WithLabelValues("forced_exit").Inc()
	if err := c.executeExit(context.Background(), reason, condition); err != nil {
		c.logger.Printf("Forced exit (%s) failed: %v", reason, err)
	}
}

// tradeStillOpen reports whether the given trade is still the one on the
// book.
func (c *Coordinator) tradeStillOpen(tradeID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.TradeID == tradeID
}

// ExecuteExit buys back every remaining leg, stops the stream, and
// clears persisted state. An in-flight adjustment finishes first, so
// the sweep sees the rolled leg rather than racing it.
func (c *Coordinator) ExecuteExit(ctx context.Context, reason, condition string) error {
	c.adjustWG.Wait()
	return c.executeExit(ctx, reason, condition)
}

// executeExit is the unfenced sweep, for callers already on the
// adjustment goroutine. Individual buyback failures are logged and do
// not stop the remaining legs from being closed.
func (c *Coordinator) executeExit(ctx context.Context, reason, condition string) error {
	c.mu.Lock()
	if !c.state.HasOpenTrade() {
		c.mu.Unlock()
		return nil
	}
	tradeID := c.state.TradeID
	legs := make(map[models.LegRole]models.Leg, len(c.state.Legs))
	for role, leg := range c.state.Legs {
		legs[role] = leg
	}
	c.mu.Unlock()

	c.transition(models.StateClosed, condition)
	c.logger.Printf("Closing trade %s: %s", tradeID, reason)

	qty := c.cfg.TotalQuantity()
	var firstErr error
	for role, leg := range legs {
		if _, err := c.placeLeg(ctx, tradeID, broker.ActionBuy, leg.Symbol, qty, role.OptionType(), false); err != nil {
			c.logger.Printf("ERROR: buying back %s during exit: %v", leg.Symbol, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	c.stream.Stop()

	c.mu.Lock()
	c.state.Reset()
	c.prices = make(map[string]float64)
	c.persistLocked()
	c.mu.Unlock()

	c.transition(models.StateIdle, "state_cleared")
	metrics.OpenLegs.Set(0)
	metrics.AdjustmentCount.Set(0)
	c.logger.Printf("Trade %s closed", tradeID)
	return firstErr
}

// Shutdown stops the stream and waits briefly for any in-flight
// adjustment so its final persist is not cut off mid-write.
func (c *Coordinator) Shutdown() {
	c.stream.Stop()

	done := make(chan struct{})
	go func() {
		c.adjustWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		c.logger.Printf("WARNING: shutdown proceeding with an adjustment still in flight")
	}
}

// Status is a point-in-time snapshot for the dashboard.
type Status struct {
	State           models.TradeState  `json:"state"`
	StreamMode      string             `json:"stream_mode"`
	TradeID         string             `json:"trade_id,omitempty"`
	Legs            map[string]float64 `json:"legs,omitempty"` // symbol -> last price
	AdjustmentCount int                `json:"adjustment_count"`
	InProgress      bool               `json:"adjustment_in_progress"`
}

func (c *Coordinator) Status() Status {
	c.machineMu.Lock()
	current := c.machine.Current()
	c.machineMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		State:           current,
		StreamMode:      c.stream.Mode(),
		TradeID:         c.state.TradeID,
		AdjustmentCount: c.state.AdjustmentCount,
		InProgress:      c.state.InProgress,
	}
	if len(c.state.Legs) > 0 {
		st.Legs = make(map[string]float64, len(c.state.Legs))
		for _, leg := range c.state.Legs {
			st.Legs[leg.Symbol] = c.prices[leg.Symbol]
		}
	}
	return st
}

// placeLeg places one order and journals the fill. Journal failures are
// logged, never allowed to block trading.
func (c *Coordinator) placeLeg(ctx context.Context, tradeID string, action broker.Action, symbol string, qty int, legType string, isAdjustment bool) (string, error) {
	resp, err := c.broker.PlaceOrder(ctx, broker.OrderRequest{
		Symbol:   symbol,
		Exchange: c.cfg.Strategy.Exchange,
		Product:  c.cfg.Strategy.Product,
		Action:   action,
		Quantity: qty,
		Strategy: c.cfg.Strategy.Name,
	})
	if err != nil {
		return "", err
	}
	metrics.OrdersPlaced.WithLabelValues(c.cfg.Environment.Mode, string(action)).Inc()

	if jerr := c.journal.Record(ctx, journal.Entry{
		TradeID:      tradeID,
		OrderID:      resp.OrderID,
		Action:       string(action),
		Symbol:       symbol,
		Quantity:     qty,
		Price:        resp.FillPrice,
		LegType:      legType,
		IsAdjustment: isAdjustment,
		Mode:         c.cfg.Environment.Mode,
	}); jerr != nil {
		c.logger.Printf("WARNING: journaling order %s failed: %v", resp.OrderID, jerr)
	}
	return resp.OrderID, nil
}

// persistLocked saves the current state; the caller holds c.mu. A failed
// write keeps the in-memory state so the next mutation retries it.
func (c *Coordinator) persistLocked() {
	if err := c.store.SaveState(c.state); err != nil {
		c.logger.Printf("WARNING: persisting position state failed: %v", err)
	}
}

// subscriptionsLocked builds the stream set: the index feed plus every
// open leg. The caller holds c.mu.
func (c *Coordinator) subscriptionsLocked() []stream.Subscription {
	strat := c.cfg.Strategy
	subs := []stream.Subscription{{Symbol: strat.Index, Exchange: strat.IndexExchange}}
	for _, leg := range c.state.Legs {
		subs = append(subs, stream.Subscription{Symbol: leg.Symbol, Exchange: strat.Exchange})
	}
	return subs
}

func (c *Coordinator) transition(to models.TradeState, condition string) {
	c.machineMu.Lock()
	defer c.machineMu.Unlock()
	if err := c.machine.Transition(to, condition); err != nil {
		c.logger.Printf("State transition to %s (%s) rejected: %v", to, condition, err)
	}
}

// pickExpiry selects the trade expiry from the gateway's ordered list:
// the nearest date for weekly strategies, the furthest for monthly.
func pickExpiry(dates []string, expiryType string) (string, error) {
	if len(dates) == 0 {
		return "", fmt.Errorf("gateway returned no expiry dates")
	}
	if expiryType == "monthly" {
		return dates[len(dates)-1], nil
	}
	return dates[0], nil
}
