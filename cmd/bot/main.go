// Command bot runs the short strangle trading engine against an
// OpenAlgo gateway: one entry per trading day, live tick monitoring
// with leg adjustments, and a flat book after the window closes.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/ayush20180/openalgo-options/internal/broker"
	"github.com/ayush20180/openalgo-options/internal/config"
	"github.com/ayush20180/openalgo-options/internal/dashboard"
	"github.com/ayush20180/openalgo-options/internal/journal"
	"github.com/ayush20180/openalgo-options/internal/storage"
	"github.com/ayush20180/openalgo-options/internal/strategy"
	"github.com/ayush20180/openalgo-options/internal/stream"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// Secrets come in through the environment; a local .env is optional.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := log.New(os.Stdout, "[BOT] ", log.LstdFlags|log.Lshortfile)
	logger.Printf("Starting %s strangle engine in %s mode", cfg.Strategy.Index, cfg.Environment.Mode)
	if !cfg.IsPaperTrading() {
		logger.Println("LIVE TRADING MODE - real money at risk, waiting 10 seconds to confirm...")
		time.Sleep(10 * time.Second)
	}

	gw := buildBroker(cfg)

	store, err := storage.NewJSONStore(cfg.Storage.Path, cfg.Strategy.Name, logger)
	if err != nil {
		log.Fatalf("Failed to open state store: %v", err)
	}
	logger.Printf("Position state at %s", store.Path())

	jrnl := buildJournal(cfg, logger)
	defer func() {
		if err := jrnl.Close(); err != nil {
			logger.Printf("WARNING: closing journal: %v", err)
		}
	}()

	// The coordinator and the stream reference each other: the manager
	// delivers ticks into OnTick, the coordinator drives connect and
	// subscription changes.
	var coord *strategy.Coordinator
	manager := stream.NewManager(stream.Options{
		URL:          cfg.WSEndpoint(),
		APIKey:       cfg.Gateway.APIKey,
		MaxRetries:   cfg.Stream.MaxRetries,
		RetryDelay:   cfg.RetryDelay(),
		SettleDelay:  cfg.SettleDelay(),
		JoinTimeout:  cfg.JoinTimeout(),
		PollInterval: cfg.FallbackPollInterval(),
		QuoteTimeout: cfg.GatewayTimeout(),
	}, gw, func(symbol string, lastPrice float64) {
		coord.OnTick(symbol, lastPrice)
	}, logger)

	coord = strategy.NewCoordinator(cfg, gw, store, jrnl, manager, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Printf("Received %v, shutting down", sig)
		cancel()
	}()

	var dash *dashboard.Server
	if cfg.Dashboard.Enabled {
		dashLog := logrus.New()
		dash = dashboard.NewServer(cfg.Dashboard.Listen, coord, dashLog)
		go func() {
			if err := dash.Start(); err != nil {
				dashLog.WithError(err).Error("Dashboard server stopped")
			}
		}()
	}

	if err := coord.Resume(ctx); err != nil {
		log.Fatalf("Failed to resume position state: %v", err)
	}

	if err := coord.Run(ctx); err != nil {
		logger.Printf("Engine stopped with error: %v", err)
	}

	if dash != nil {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		if err := dash.Shutdown(sctx); err != nil {
			logger.Printf("WARNING: dashboard shutdown: %v", err)
		}
	}
	logger.Println("Shutdown complete")
}

// buildBroker assembles the gateway chain: OpenAlgo client (or the
// in-memory mock for offline runs), circuit breaker, and the paper
// decorator when not trading live.
func buildBroker(cfg *config.Config) broker.Broker {
	var base broker.Broker
	if cfg.Gateway.Host == "mock" {
		base = broker.NewMockBroker()
	} else {
		base = broker.NewOpenAlgoClient(cfg.Gateway.Host, cfg.Gateway.APIKey, cfg.GatewayTimeout(), cfg.Gateway.RateLimit)
	}
	wrapped := broker.NewCircuitBreakerBroker(base)
	if cfg.IsPaperTrading() {
		return broker.NewPaperBroker(wrapped)
	}
	return wrapped
}

func buildJournal(cfg *config.Config, logger *log.Logger) journal.Journal {
	if cfg.Journal.Path == "" {
		logger.Println("Trade journal disabled")
		return journal.NopJournal{}
	}
	jrnl, err := journal.NewSQLiteJournal(cfg.Journal.Path)
	if err != nil {
		log.Fatalf("Failed to open trade journal: %v", err)
	}
	logger.Printf("Trade journal at %s", cfg.Journal.Path)
	return jrnl
}
