// Package config provides configuration management for the strangle bot.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

const (
	// defaultCheckInterval is used when schedule.check_interval is unset.
	defaultCheckInterval = 30 * time.Second
	// defaultTimezone is the exchange timezone for the trading window.
	defaultTimezone = "Asia/Kolkata"
	// defaultGatewayTimeout bounds every gateway request.
	defaultGatewayTimeout = 10 * time.Second
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Gateway     GatewayConfig     `yaml:"gateway"`
	Strategy    StrategyConfig    `yaml:"strategy"`
	Adjustment  AdjustmentConfig  `yaml:"adjustment"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	Stream      StreamConfig      `yaml:"stream"`
	Storage     StorageConfig     `yaml:"storage"`
	Journal     JournalConfig     `yaml:"journal"`
	Dashboard   DashboardConfig   `yaml:"dashboard"`
}

// EnvironmentConfig defines the run mode and log verbosity.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // PAPER | LIVE
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// GatewayConfig defines the OpenAlgo gateway endpoint and credentials.
type GatewayConfig struct {
	APIKey  string `yaml:"api_key"`
	Host    string `yaml:"host"`
	WSURL   string `yaml:"ws_url"`  // derived from host when empty
	Timeout string `yaml:"timeout"` // per-request bound
	// RateLimit caps gateway requests per second; 0 disables pacing.
	RateLimit float64 `yaml:"rate_limit"`
}

// StrategyConfig defines the strangle parameters.
type StrategyConfig struct {
	Name           string `yaml:"name"`
	Index          string `yaml:"index"`          // e.g. NIFTY
	Exchange       string `yaml:"exchange"`       // e.g. NFO
	IndexExchange  string `yaml:"index_exchange"` // e.g. NSE_INDEX
	Product        string `yaml:"product"`        // e.g. MIS
	ExpiryType     string `yaml:"expiry_type"`    // weekly | monthly
	Lots           int    `yaml:"lots"`
	LotSize        int    `yaml:"lot_size"`
	StrikeInterval int    `yaml:"strike_interval"`
	StrikeOffset   int    `yaml:"strike_offset"`
}

// AdjustmentConfig defines the leg replacement policy.
type AdjustmentConfig struct {
	Enabled            bool    `yaml:"enabled"`
	ThresholdRatio     float64 `yaml:"threshold_ratio"`
	MaxAdjustments     int     `yaml:"max_adjustments"`
	StrikeSearchRadius int     `yaml:"strike_search_radius"`
}

// ScheduleConfig defines the daily trading window.
type ScheduleConfig struct {
	Timezone      string `yaml:"timezone"`
	StartTime     string `yaml:"start_time"` // "HH:MM"
	EndTime       string `yaml:"end_time"`   // "HH:MM"
	CheckInterval string `yaml:"check_interval"`
}

// StreamConfig defines the live stream retry and fallback policy.
type StreamConfig struct {
	MaxRetries           int    `yaml:"max_retries"`
	RetryDelay           string `yaml:"retry_delay"`
	SettleDelay          string `yaml:"settle_delay"`
	JoinTimeout          string `yaml:"join_timeout"`
	FallbackPollInterval string `yaml:"fallback_poll_interval"`
}

// StorageConfig defines where the position state record lives.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// JournalConfig defines the trade journal database location.
// An empty path disables journaling.
type JournalConfig struct {
	Path string `yaml:"path"`
}

// DashboardConfig defines the optional status server.
type DashboardConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables so secrets stay out of the file
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	if c.Environment.Mode != "PAPER" && c.Environment.Mode != "LIVE" {
		return fmt.Errorf("environment.mode must be 'PAPER' or 'LIVE'")
	}

	if c.Gateway.APIKey == "" {
		return fmt.Errorf("gateway.api_key is required")
	}
	if c.Gateway.Host == "" {
		return fmt.Errorf("gateway.host is required")
	}
	if c.Gateway.Timeout != "" {
		if _, err := time.ParseDuration(c.Gateway.Timeout); err != nil {
			return fmt.Errorf("gateway.timeout invalid: %w", err)
		}
	}
	if c.Gateway.RateLimit < 0 {
		return fmt.Errorf("gateway.rate_limit must be >= 0")
	}

	if c.Strategy.Name == "" {
		return fmt.Errorf("strategy.name is required")
	}
	if c.Strategy.Index == "" {
		return fmt.Errorf("strategy.index is required")
	}
	if c.Strategy.Exchange == "" {
		return fmt.Errorf("strategy.exchange is required")
	}
	if c.Strategy.IndexExchange == "" {
		c.Strategy.IndexExchange = "NSE_INDEX"
	}
	if c.Strategy.ExpiryType == "" {
		c.Strategy.ExpiryType = "weekly"
	}
	if c.Strategy.ExpiryType != "weekly" && c.Strategy.ExpiryType != "monthly" {
		return fmt.Errorf("strategy.expiry_type must be 'weekly' or 'monthly'")
	}
	if c.Strategy.Lots <= 0 {
		return fmt.Errorf("strategy.lots must be > 0")
	}
	if c.Strategy.LotSize <= 0 {
		return fmt.Errorf("strategy.lot_size must be > 0")
	}
	if c.Strategy.StrikeInterval <= 0 {
		return fmt.Errorf("strategy.strike_interval must be > 0")
	}
	if c.Strategy.StrikeOffset < 0 {
		return fmt.Errorf("strategy.strike_offset must be >= 0")
	}
	if c.Strategy.StrikeOffset%c.Strategy.StrikeInterval != 0 {
		return fmt.Errorf("strategy.strike_offset (%d) must be a multiple of strike_interval (%d)",
			c.Strategy.StrikeOffset, c.Strategy.StrikeInterval)
	}

	if c.Adjustment.Enabled {
		if c.Adjustment.ThresholdRatio <= 0 || c.Adjustment.ThresholdRatio >= 1 {
			return fmt.Errorf("adjustment.threshold_ratio must be in (0,1)")
		}
		if c.Adjustment.MaxAdjustments <= 0 {
			return fmt.Errorf("adjustment.max_adjustments must be > 0")
		}
		if c.Adjustment.StrikeSearchRadius <= 0 {
			return fmt.Errorf("adjustment.strike_search_radius must be > 0")
		}
	}

	if c.Schedule.CheckInterval != "" {
		if _, err := time.ParseDuration(c.Schedule.CheckInterval); err != nil {
			return fmt.Errorf("schedule.check_interval invalid: %w", err)
		}
	}
	loc, err := c.location()
	if err != nil {
		return fmt.Errorf("schedule.timezone invalid: %w", err)
	}
	s, err1 := time.ParseInLocation("15:04", c.Schedule.StartTime, loc)
	e, err2 := time.ParseInLocation("15:04", c.Schedule.EndTime, loc)
	if err1 != nil || err2 != nil || !s.Before(e) {
		return fmt.Errorf("schedule trading window invalid (start/end parse/order)")
	}

	for name, v := range map[string]string{
		"stream.retry_delay":            c.Stream.RetryDelay,
		"stream.settle_delay":           c.Stream.SettleDelay,
		"stream.join_timeout":           c.Stream.JoinTimeout,
		"stream.fallback_poll_interval": c.Stream.FallbackPollInterval,
	} {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("%s invalid: %w", name, err)
		}
	}
	if c.Stream.MaxRetries < 0 {
		return fmt.Errorf("stream.max_retries must be >= 0")
	}

	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}
	if c.Dashboard.Enabled && c.Dashboard.Listen == "" {
		return fmt.Errorf("dashboard.listen is required when dashboard.enabled")
	}

	return nil
}

// IsPaperTrading returns true if the bot is configured for paper trading.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "PAPER"
}

// TotalQuantity returns the order quantity in shares (lots * lot size).
func (c *Config) TotalQuantity() int {
	return c.Strategy.Lots * c.Strategy.LotSize
}

// GatewayTimeout returns the configured per-request gateway timeout.
func (c *Config) GatewayTimeout() time.Duration {
	return parseDurationOr(c.Gateway.Timeout, defaultGatewayTimeout)
}

// CheckInterval returns the scheduler's polling interval.
func (c *Config) CheckInterval() time.Duration {
	return parseDurationOr(c.Schedule.CheckInterval, defaultCheckInterval)
}

// RetryDelay returns the delay between stream reconnect attempts.
func (c *Config) RetryDelay() time.Duration {
	return parseDurationOr(c.Stream.RetryDelay, 5*time.Second)
}

// SettleDelay returns the pause between disconnect and connect on a reconnect.
func (c *Config) SettleDelay() time.Duration {
	return parseDurationOr(c.Stream.SettleDelay, time.Second)
}

// JoinTimeout returns the bound on waiting for the stream worker to exit.
func (c *Config) JoinTimeout() time.Duration {
	return parseDurationOr(c.Stream.JoinTimeout, 5*time.Second)
}

// FallbackPollInterval returns the quote polling cadence in fallback mode.
func (c *Config) FallbackPollInterval() time.Duration {
	return parseDurationOr(c.Stream.FallbackPollInterval, 2*time.Second)
}

// WSEndpoint returns the websocket URL, derived from the gateway host
// when not set explicitly.
func (c *Config) WSEndpoint() string {
	if c.Gateway.WSURL != "" {
		return c.Gateway.WSURL
	}
	ws := c.Gateway.Host
	ws = strings.Replace(ws, "https://", "wss://", 1)
	ws = strings.Replace(ws, "http://", "ws://", 1)
	return strings.TrimSuffix(ws, "/") + "/ws"
}

// IsWithinTradingWindow reports whether now falls inside the configured
// window on a weekday. Start is inclusive, end exclusive.
func (c *Config) IsWithinTradingWindow(now time.Time) bool {
	loc, err := c.location()
	if err != nil {
		return false
	}
	today := now.In(loc)

	if today.Weekday() == time.Saturday || today.Weekday() == time.Sunday {
		return false
	}

	startClock, err1 := time.ParseInLocation("15:04", c.Schedule.StartTime, loc)
	endClock, err2 := time.ParseInLocation("15:04", c.Schedule.EndTime, loc)
	if err1 != nil || err2 != nil {
		return false
	}
	start := time.Date(today.Year(), today.Month(), today.Day(),
		startClock.Hour(), startClock.Minute(), 0, 0, loc)
	end := time.Date(today.Year(), today.Month(), today.Day(),
		endClock.Hour(), endClock.Minute(), 0, 0, loc)

	return !today.Before(start) && today.Before(end)
}

// IsAfterTradingWindow reports whether now is at or past today's window end.
func (c *Config) IsAfterTradingWindow(now time.Time) bool {
	loc, err := c.location()
	if err != nil {
		return false
	}
	today := now.In(loc)
	endClock, err := time.ParseInLocation("15:04", c.Schedule.EndTime, loc)
	if err != nil {
		return false
	}
	end := time.Date(today.Year(), today.Month(), today.Day(),
		endClock.Hour(), endClock.Minute(), 0, 0, loc)
	return !today.Before(end)
}

func (c *Config) location() (*time.Location, error) {
	tz := c.Schedule.Timezone
	if tz == "" {
		tz = defaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		// Fallback for minimal containers without tzdata
		if tz == defaultTimezone {
			return time.FixedZone("IST", 5*3600+30*60), nil
		}
		return nil, err
	}
	return loc, nil
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
