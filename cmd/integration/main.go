// Command integration runs one full engine cycle offline against the
// in-memory mock gateway: entry, tick-triggered adjustment, exit. The
// stream manager is pointed at an unreachable endpoint so it exhausts
// its retries and exercises the polling fallback path end to end.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/ayush20180/openalgo-options/internal/broker"
	"github.com/ayush20180/openalgo-options/internal/config"
	"github.com/ayush20180/openalgo-options/internal/journal"
	"github.com/ayush20180/openalgo-options/internal/storage"
	"github.com/ayush20180/openalgo-options/internal/strategy"
	"github.com/ayush20180/openalgo-options/internal/stream"
)

func main() {
	fmt.Println("=== Strangle Engine - Offline Integration Run ===")

	logger := log.New(os.Stdout, "[E2E] ", log.LstdFlags)
	workDir, err := os.MkdirTemp("", "strangle-e2e-")
	if err != nil {
		log.Fatalf("Failed to create work dir: %v", err)
	}
	defer os.RemoveAll(workDir)

	cfg := e2eConfig()

	// Scripted market: spot 22512.5 makes the ATM 22500, so entry sells
	// the 22700 CE and 22300 PE. The CE at 40 vs PE at 100 breaches the
	// 0.6 threshold immediately; the 22600 CE at 98 is the natural roll.
	mock := broker.NewMockBroker()
	mock.DefaultPrice = 15
	mock.SetQuote("NIFTY", 22512.5)
	mock.SetQuote("NIFTY28AUG2522700CE", 40)
	mock.SetQuote("NIFTY28AUG2522300PE", 100)
	mock.SetQuote("NIFTY28AUG2522600CE", 98)
	gw := broker.NewPaperBroker(broker.NewCircuitBreakerBroker(mock))

	store, err := storage.NewJSONStore(workDir, cfg.Strategy.Name, logger)
	if err != nil {
		log.Fatalf("Failed to create state store: %v", err)
	}
	jrnl, err := journal.NewSQLiteJournal(filepath.Join(workDir, "journal.db"))
	if err != nil {
		log.Fatalf("Failed to create journal: %v", err)
	}
	defer jrnl.Close()

	var coord *strategy.Coordinator
	manager := stream.NewManager(stream.Options{
		URL:          "ws://127.0.0.1:1/ws", // nothing listens here
		APIKey:       "e2e",
		MaxRetries:   1,
		RetryDelay:   100 * time.Millisecond,
		SettleDelay:  100 * time.Millisecond,
		JoinTimeout:  2 * time.Second,
		PollInterval: 200 * time.Millisecond,
	}, gw, func(symbol string, lastPrice float64) {
		coord.OnTick(symbol, lastPrice)
	}, logger)

	coord = strategy.NewCoordinator(cfg, gw, store, jrnl, manager, logger)

	// Pin the clock inside the trading window so the run does not depend
	// on when it is launched.
	ist := time.FixedZone("IST", 5*3600+1800)
	coord.SetClock(func() time.Time {
		return time.Date(2025, 8, 28, 11, 0, 0, 0, ist)
	})

	ctx := context.Background()
	if err := coord.Resume(ctx); err != nil {
		log.Fatalf("Resume failed: %v", err)
	}
	if err := coord.ExecuteEntry(ctx); err != nil {
		log.Fatalf("Entry failed: %v", err)
	}

	// Let fallback polling deliver a few tick rounds and drive the
	// adjustment through.
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		st := coord.Status()
		if st.AdjustmentCount >= 1 && !st.InProgress {
			break
		}
		time.Sleep(200 * time.Millisecond)
	}

	st := coord.Status()
	fmt.Printf("\nAfter adjustment: state=%s mode=%s adjustments=%d legs=%v\n",
		st.State, st.StreamMode, st.AdjustmentCount, st.Legs)
	if st.AdjustmentCount < 1 {
		log.Fatalf("Adjustment never triggered; stream mode was %s", st.StreamMode)
	}

	tradeID := st.TradeID
	if err := coord.ExecuteExit(ctx, "integration run complete", "window_end"); err != nil {
		log.Fatalf("Exit failed: %v", err)
	}

	entries, err := jrnl.Entries(ctx, tradeID)
	if err != nil {
		log.Fatalf("Reading journal failed: %v", err)
	}
	fmt.Printf("\nJournal for trade %s (%d executions):\n", tradeID, len(entries))
	for _, e := range entries {
		flag := " "
		if e.IsAdjustment {
			flag = "*"
		}
		fmt.Printf("  %s %-4s %-24s x%d @ %.2f %s\n", flag, e.Action, e.Symbol, e.Quantity, e.Price, e.OrderID)
	}

	final, err := store.LoadState()
	if err != nil {
		log.Fatalf("Reloading state failed: %v", err)
	}
	if final.HasOpenTrade() || final.InProgress {
		log.Fatalf("State not cleared after exit: %+v", final)
	}
	fmt.Println("\nAll checks passed: flat book, clean state, journaled fills.")
}

func e2eConfig() *config.Config {
	return &config.Config{
		Environment: config.EnvironmentConfig{Mode: "PAPER"},
		Gateway:     config.GatewayConfig{APIKey: "e2e", Host: "mock", Timeout: "2s"},
		Strategy: config.StrategyConfig{
			Name:           "strangle-e2e",
			Index:          "NIFTY",
			Exchange:       "NFO",
			IndexExchange:  "NSE_INDEX",
			Product:        "MIS",
			ExpiryType:     "weekly",
			Lots:           1,
			LotSize:        75,
			StrikeInterval: 50,
			StrikeOffset:   200,
		},
		Adjustment: config.AdjustmentConfig{
			Enabled:            true,
			ThresholdRatio:     0.6,
			MaxAdjustments:     3,
			StrikeSearchRadius: 4,
		},
		Schedule: config.ScheduleConfig{
			Timezone:  "Asia/Kolkata",
			StartTime: "09:20",
			EndTime:   "15:00",
		},
	}
}
