package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		Environment: EnvironmentConfig{Mode: "PAPER", LogLevel: "info"},
		Gateway: GatewayConfig{
			APIKey:    "test-key",
			Host:      "http://127.0.0.1:5000",
			Timeout:   "10s",
			RateLimit: 10,
		},
		Strategy: StrategyConfig{
			Name:           "strangle",
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
		Adjustment: AdjustmentConfig{
			Enabled:            true,
			ThresholdRatio:     0.6,
			MaxAdjustments:     5,
			StrikeSearchRadius: 5,
		},
		Schedule: ScheduleConfig{
			Timezone:      "Asia/Kolkata",
			StartTime:     "09:20",
			EndTime:       "15:10",
			CheckInterval: "30s",
		},
		Stream: StreamConfig{
			MaxRetries:           5,
			RetryDelay:           "5s",
			SettleDelay:          "1s",
			JoinTimeout:          "5s",
			FallbackPollInterval: "2s",
		},
		Storage: StorageConfig{Path: "data/state"},
		Journal: JournalConfig{Path: "data/trades.db"},
	}
}

func TestValidateAcceptsValidConfig(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad mode", func(c *Config) { c.Environment.Mode = "paper" }},
		{"missing api key", func(c *Config) { c.Gateway.APIKey = "" }},
		{"missing host", func(c *Config) { c.Gateway.Host = "" }},
		{"bad timeout", func(c *Config) { c.Gateway.Timeout = "ten seconds" }},
		{"missing index", func(c *Config) { c.Strategy.Index = "" }},
		{"bad expiry type", func(c *Config) { c.Strategy.ExpiryType = "quarterly" }},
		{"zero lots", func(c *Config) { c.Strategy.Lots = 0 }},
		{"zero interval", func(c *Config) { c.Strategy.StrikeInterval = 0 }},
		{"offset off grid", func(c *Config) { c.Strategy.StrikeOffset = 120 }},
		{"ratio too high", func(c *Config) { c.Adjustment.ThresholdRatio = 1.0 }},
		{"ratio zero", func(c *Config) { c.Adjustment.ThresholdRatio = 0 }},
		{"zero max adjustments", func(c *Config) { c.Adjustment.MaxAdjustments = 0 }},
		{"window inverted", func(c *Config) { c.Schedule.StartTime = "15:30"; c.Schedule.EndTime = "09:20" }},
		{"bad retry delay", func(c *Config) { c.Stream.RetryDelay = "soon" }},
		{"negative retries", func(c *Config) { c.Stream.MaxRetries = -1 }},
		{"missing storage path", func(c *Config) { c.Storage.Path = "" }},
		{"dashboard without listen", func(c *Config) { c.Dashboard.Enabled = true }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(c)
			if err := c.Validate(); err == nil {
				t.Errorf("expected validation error")
			}
		})
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	yaml := `
environment:
  mode: PAPER
  log_level: info
gateway:
  api_key: ${TEST_APP_KEY}
  host: http://127.0.0.1:5000
strategy:
  name: strangle
  index: NIFTY
  exchange: NFO
  lots: 1
  lot_size: 75
  strike_interval: 50
  strike_offset: 200
adjustment:
  enabled: true
  threshold_ratio: 0.6
  max_adjustments: 5
  strike_search_radius: 5
schedule:
  start_time: "09:20"
  end_time: "15:10"
storage:
  path: data/state
journal:
  path: data/trades.db
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	t.Setenv("TEST_APP_KEY", "secret-from-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Gateway.APIKey != "secret-from-env" {
		t.Errorf("APIKey = %q, want expansion from env", cfg.Gateway.APIKey)
	}
	if cfg.Strategy.IndexExchange != "NSE_INDEX" {
		t.Errorf("IndexExchange default = %q", cfg.Strategy.IndexExchange)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("bogus_section:\n  x: 1\n"), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected error for unknown fields")
	}
}

func TestTradingWindow(t *testing.T) {
	c := validConfig()
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}

	// Wednesday 2025-08-27
	inside := time.Date(2025, 8, 27, 11, 0, 0, 0, loc)
	if !c.IsWithinTradingWindow(inside) {
		t.Error("11:00 IST weekday should be inside window")
	}

	before := time.Date(2025, 8, 27, 9, 0, 0, 0, loc)
	if c.IsWithinTradingWindow(before) {
		t.Error("09:00 IST should be before window")
	}

	atEnd := time.Date(2025, 8, 27, 15, 10, 0, 0, loc)
	if c.IsWithinTradingWindow(atEnd) {
		t.Error("window end is exclusive")
	}
	if !c.IsAfterTradingWindow(atEnd) {
		t.Error("15:10 IST should be after window")
	}

	saturday := time.Date(2025, 8, 30, 11, 0, 0, 0, loc)
	if c.IsWithinTradingWindow(saturday) {
		t.Error("weekend should be outside window")
	}
}

func TestDurationGetters(t *testing.T) {
	c := validConfig()
	if got := c.CheckInterval(); got != 30*time.Second {
		t.Errorf("CheckInterval = %v", got)
	}
	if got := c.GatewayTimeout(); got != 10*time.Second {
		t.Errorf("GatewayTimeout = %v", got)
	}

	c.Stream = StreamConfig{}
	if got := c.RetryDelay(); got != 5*time.Second {
		t.Errorf("RetryDelay default = %v", got)
	}
	if got := c.FallbackPollInterval(); got != 2*time.Second {
		t.Errorf("FallbackPollInterval default = %v", got)
	}
}

func TestTotalQuantity(t *testing.T) {
	c := validConfig()
	if got := c.TotalQuantity(); got != 75 {
		t.Errorf("TotalQuantity = %d, want 75", got)
	}
}

func TestWSEndpoint(t *testing.T) {
	c := validConfig()
	c.Gateway.Host = "http://127.0.0.1:5000"
	c.Gateway.WSURL = ""
	if got := c.WSEndpoint(); got != "ws://127.0.0.1:5000/ws" {
		t.Errorf("WSEndpoint = %q", got)
	}

	c.Gateway.Host = "https://algo.example.com/"
	if got := c.WSEndpoint(); got != "wss://algo.example.com/ws" {
		t.Errorf("WSEndpoint = %q", got)
	}

	c.Gateway.WSURL = "ws://override:8765/ws"
	if got := c.WSEndpoint(); got != "ws://override:8765/ws" {
		t.Errorf("WSEndpoint = %q", got)
	}
}
