// Package config provides configuration management for the trading bot.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

// Defaults applied by normalize() when the corresponding field is unset.
const (
	// defaultFastPoll drives position/fund polling during market hours.
	defaultFastPoll = time.Second
	// defaultSlowPoll drives polling outside market hours and profile polling always.
	defaultSlowPoll = 15 * time.Minute
	// defaultMonitorInterval is the position target/stoploss check cadence.
	defaultMonitorInterval = 5 * time.Second
	// defaultArbiterInterval is the feed freshness check cadence.
	defaultArbiterInterval = 2 * time.Second
	// defaultStaleness is how long the push feed may go silent before fallback.
	defaultStaleness = 10 * time.Second
	// defaultSupervisorInterval drives the push connection window supervisor.
	defaultSupervisorInterval = time.Second

	defaultTickSize       = 0.05
	defaultStrikeGap      = 50
	defaultLotSize        = 75
	defaultBenchmarkToken = 256265 // NIFTY 50 index
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Broker      BrokerConfig      `yaml:"broker"`
	Market      MarketConfig      `yaml:"market"`
	Strategy    StrategyConfig    `yaml:"strategy"`
	Engine      EngineConfig      `yaml:"engine"`
	Storage     StorageConfig     `yaml:"storage"`
	Dashboard   DashboardConfig   `yaml:"dashboard"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // live | paper
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// IsPaper reports whether the process trades against the simulated exchange.
func (c *Config) IsPaper() bool { return c.Environment.Mode == "paper" }

// BrokerConfig defines broker API settings.
type BrokerConfig struct {
	APIEndpoint string `yaml:"api_endpoint"`
	WSEndpoint  string `yaml:"ws_endpoint"`
	APIKey      string `yaml:"api_key"`
	AccessToken string `yaml:"access_token"`
	UserID      string `yaml:"user_id"`
	// RateLimit caps outbound REST calls per second.
	RateLimit float64 `yaml:"rate_limit"`
}

// MarketConfig defines the exchange session windows and holiday calendar.
// All times are "HH:MM" wall-clock strings in Timezone.
type MarketConfig struct {
	Timezone    string   `yaml:"timezone"`     // e.g. "Asia/Kolkata"
	TradingDays []string `yaml:"trading_days"` // e.g. [Mon, Tue, Wed, Thu, Fri]
	Open        string   `yaml:"open"`         // market open, default 09:15
	Close       string   `yaml:"close"`        // market close, default 15:30
	PushStart   string   `yaml:"push_start"`   // push connection pre-warm, default 09:00
	OrderStart  string   `yaml:"order_start"`  // first entry allowed, default 09:20
	OrderEnd    string   `yaml:"order_end"`    // last entry allowed, default 15:15
	SquareOff   string   `yaml:"square_off"`   // flatten everything, default 15:20
	Holidays    []string `yaml:"holidays"`     // "2006-01-02" dates
}

// StrategyConfig defines trading strategy parameters.
type StrategyConfig struct {
	BenchmarkSymbol      string  `yaml:"benchmark_symbol"` // e.g. "NIFTY 50"
	BenchmarkToken       uint32  `yaml:"benchmark_token"`
	Exchange             string  `yaml:"exchange"` // e.g. "NFO"
	CapitalAllocationPct float64 `yaml:"capital_allocation_pct"`
	TargetPct            float64 `yaml:"target_pct"`
	StoplossPct          float64 `yaml:"stoploss_pct"`
	StrikeGap            int     `yaml:"strike_gap"`
	LotSize              int     `yaml:"lot_size"`
	TickSize             float64 `yaml:"tick_size"`
}

// EngineConfig defines loop cadences and feed thresholds. String durations
// ("5s", "900s") so operators can tune without a rebuild.
type EngineConfig struct {
	FastPoll           string `yaml:"fast_poll"`
	SlowPoll           string `yaml:"slow_poll"`
	MonitorInterval    string `yaml:"monitor_interval"`
	ArbiterInterval    string `yaml:"arbiter_interval"`
	StalenessThreshold string `yaml:"staleness_threshold"`
	SupervisorInterval string `yaml:"supervisor_interval"`
}

// StorageConfig defines the durable state store location.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// DashboardConfig defines the operational HTTP surface.
type DashboardConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
	AuthToken  string `yaml:"auth_token"`
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

	// Expand environment variables
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

// Validate fills defaults for optional fields, then checks that all
// configuration values are valid and consistent.
func (c *Config) Validate() error {
	c.normalize()

	if c.Environment.Mode != "live" && c.Environment.Mode != "paper" {
		return fmt.Errorf("environment.mode must be live or paper, got %q", c.Environment.Mode)
	}

	// Broker validation
	if c.Broker.APIKey == "" {
		return fmt.Errorf("broker.api_key is required")
	}
	if c.Broker.AccessToken == "" {
		return fmt.Errorf("broker.access_token is required")
	}
	if c.Broker.RateLimit <= 0 {
		return fmt.Errorf("broker.rate_limit must be > 0")
	}

	// Market validation
	loc := c.Location()
	windows := []struct {
		name, value string
	}{
		{"market.open", c.Market.Open},
		{"market.close", c.Market.Close},
		{"market.push_start", c.Market.PushStart},
		{"market.order_start", c.Market.OrderStart},
		{"market.order_end", c.Market.OrderEnd},
		{"market.square_off", c.Market.SquareOff},
	}
	for _, w := range windows {
		if _, err := time.ParseInLocation("15:04", w.value, loc); err != nil {
			return fmt.Errorf("%s invalid: %w", w.name, err)
		}
	}
	open, _ := time.ParseInLocation("15:04", c.Market.Open, loc)
	end, _ := time.ParseInLocation("15:04", c.Market.Close, loc)
	if !open.Before(end) {
		return fmt.Errorf("market.open (%s) must be before market.close (%s)", c.Market.Open, c.Market.Close)
	}
	push, _ := time.ParseInLocation("15:04", c.Market.PushStart, loc)
	if push.After(open) {
		return fmt.Errorf("market.push_start (%s) must not be after market.open (%s)", c.Market.PushStart, c.Market.Open)
	}
	for _, d := range c.Market.TradingDays {
		if _, err := parseWeekday(d); err != nil {
			return fmt.Errorf("market.trading_days: %w", err)
		}
	}
	for _, h := range c.Market.Holidays {
		if _, err := time.ParseInLocation("2006-01-02", h, loc); err != nil {
			return fmt.Errorf("market.holidays entry %q invalid: %w", h, err)
		}
	}

	// Strategy validation
	if c.Strategy.CapitalAllocationPct <= 0 || c.Strategy.CapitalAllocationPct > 100 {
		return fmt.Errorf("strategy.capital_allocation_pct must be in (0,100]")
	}
	if c.Strategy.TargetPct <= 0 {
		return fmt.Errorf("strategy.target_pct must be > 0")
	}
	if c.Strategy.StoplossPct <= 0 || c.Strategy.StoplossPct >= 100 {
		return fmt.Errorf("strategy.stoploss_pct must be in (0,100)")
	}
	if c.Strategy.LotSize <= 0 {
		return fmt.Errorf("strategy.lot_size must be > 0")
	}
	if c.Strategy.StrikeGap <= 0 {
		return fmt.Errorf("strategy.strike_gap must be > 0")
	}
	if c.Strategy.TickSize <= 0 {
		return fmt.Errorf("strategy.tick_size must be > 0")
	}

	// Engine validation
	for name, value := range map[string]string{
		"engine.fast_poll":           c.Engine.FastPoll,
		"engine.slow_poll":           c.Engine.SlowPoll,
		"engine.monitor_interval":    c.Engine.MonitorInterval,
		"engine.arbiter_interval":    c.Engine.ArbiterInterval,
		"engine.staleness_threshold": c.Engine.StalenessThreshold,
		"engine.supervisor_interval": c.Engine.SupervisorInterval,
	} {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("%s invalid: %w", name, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be > 0", name)
		}
	}

	// Storage validation
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}

	if c.Dashboard.Enabled && c.Dashboard.ListenAddr == "" {
		return fmt.Errorf("dashboard.listen_addr is required when dashboard is enabled")
	}

	return nil
}

// Location resolves the configured market timezone, falling back to a fixed
// IST offset for minimal containers without tzdata.
func (c *Config) Location() *time.Location {
	tz := c.Market.Timezone
	if tz == "" {
		tz = "Asia/Kolkata"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		loc = time.FixedZone("IST", 5*60*60+30*60)
	}
	return loc
}

// TradingWeekdays returns the configured trading days as time.Weekday values.
func (c *Config) TradingWeekdays() map[time.Weekday]bool {
	days := make(map[time.Weekday]bool, len(c.Market.TradingDays))
	for _, d := range c.Market.TradingDays {
		if wd, err := parseWeekday(d); err == nil {
			days[wd] = true
		}
	}
	return days
}

// HolidayDates returns the configured holidays as "2006-01-02" keys.
func (c *Config) HolidayDates() map[string]bool {
	holidays := make(map[string]bool, len(c.Market.Holidays))
	for _, h := range c.Market.Holidays {
		holidays[h] = true
	}
	return holidays
}

// FastPoll returns the market-hours polling interval.
func (c *Config) FastPoll() time.Duration { return c.duration(c.Engine.FastPoll, defaultFastPoll) }

// SlowPoll returns the off-hours polling interval.
func (c *Config) SlowPoll() time.Duration { return c.duration(c.Engine.SlowPoll, defaultSlowPoll) }

// MonitorInterval returns the position monitor cadence.
func (c *Config) MonitorInterval() time.Duration {
	return c.duration(c.Engine.MonitorInterval, defaultMonitorInterval)
}

// ArbiterInterval returns the feed freshness check cadence.
func (c *Config) ArbiterInterval() time.Duration {
	return c.duration(c.Engine.ArbiterInterval, defaultArbiterInterval)
}

// StalenessThreshold returns the push staleness threshold.
func (c *Config) StalenessThreshold() time.Duration {
	return c.duration(c.Engine.StalenessThreshold, defaultStaleness)
}

// SupervisorInterval returns the push supervisor cadence.
func (c *Config) SupervisorInterval() time.Duration {
	return c.duration(c.Engine.SupervisorInterval, defaultSupervisorInterval)
}

func (c *Config) duration(value string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// normalize fills in defaults for optional fields before validation.
func (c *Config) normalize() {
	setIfEmpty(&c.Environment.Mode, "live")
	setIfEmpty(&c.Environment.LogLevel, "info")
	if c.Market.Timezone == "" {
		c.Market.Timezone = "Asia/Kolkata"
	}
	if len(c.Market.TradingDays) == 0 {
		c.Market.TradingDays = []string{"Mon", "Tue", "Wed", "Thu", "Fri"}
	}
	setIfEmpty(&c.Market.Open, "09:15")
	setIfEmpty(&c.Market.Close, "15:30")
	setIfEmpty(&c.Market.PushStart, "09:00")
	setIfEmpty(&c.Market.OrderStart, "09:20")
	setIfEmpty(&c.Market.OrderEnd, "15:15")
	setIfEmpty(&c.Market.SquareOff, "15:20")

	if c.Broker.RateLimit == 0 {
		c.Broker.RateLimit = 3
	}
	if c.Strategy.TickSize == 0 {
		c.Strategy.TickSize = defaultTickSize
	}
	if c.Strategy.StrikeGap == 0 {
		c.Strategy.StrikeGap = defaultStrikeGap
	}
	if c.Strategy.LotSize == 0 {
		c.Strategy.LotSize = defaultLotSize
	}
	if c.Strategy.BenchmarkToken == 0 {
		c.Strategy.BenchmarkToken = defaultBenchmarkToken
	}
	setIfEmpty(&c.Strategy.BenchmarkSymbol, "NIFTY 50")
	setIfEmpty(&c.Strategy.Exchange, "NFO")

	setIfEmpty(&c.Engine.FastPoll, "1s")
	setIfEmpty(&c.Engine.SlowPoll, "900s")
	setIfEmpty(&c.Engine.MonitorInterval, "5s")
	setIfEmpty(&c.Engine.ArbiterInterval, "2s")
	setIfEmpty(&c.Engine.StalenessThreshold, "10s")
	setIfEmpty(&c.Engine.SupervisorInterval, "1s")
}

func setIfEmpty(field *string, value string) {
	if *field == "" {
		*field = value
	}
}

func parseWeekday(s string) (time.Weekday, error) {
	switch strings.ToLower(s) {
	case "sun", "sunday":
		return time.Sunday, nil
	case "mon", "monday":
		return time.Monday, nil
	case "tue", "tuesday":
		return time.Tuesday, nil
	case "wed", "wednesday":
		return time.Wednesday, nil
	case "thu", "thursday":
		return time.Thursday, nil
	case "fri", "friday":
		return time.Friday, nil
	case "sat", "saturday":
		return time.Saturday, nil
	}
	return time.Sunday, fmt.Errorf("unknown weekday %q", s)
}
