package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log       LoggingConfig   `yaml:"log"`
	Venue     VenueConfig     `yaml:"venue"`
	Accounts  AccountsConfig  `yaml:"accounts"`
	Market    MarketConfig    `yaml:"market"`
	Sizing    SizingConfig    `yaml:"sizing"`
	Rate      RateConfig      `yaml:"rate"`
	Exec      ExecConfig      `yaml:"exec"`
	Cycle     CycleConfig     `yaml:"cycle"`
	State     StateConfig     `yaml:"state"`
	History   HistoryConfig   `yaml:"history"`
	Timescale TimescaleConfig `yaml:"timescale"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Telegram  TelegramConfig  `yaml:"telegram"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

type VenueConfig struct {
	RESTURL        string        `yaml:"rest_url"`
	WSURL          string        `yaml:"ws_url"`
	Timeout        time.Duration `yaml:"timeout"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	TokenMaxAge    time.Duration `yaml:"token_max_age"`
	ChainID        int64         `yaml:"chain_id"`
}

// AccountsConfig names the environment variables holding each account's
// credentials. Secrets never live in the YAML file.
type AccountsConfig struct {
	A AccountConfig `yaml:"a"`
	B AccountConfig `yaml:"b"`
}

type AccountConfig struct {
	Name       string `yaml:"name"`
	AddressEnv string `yaml:"address_env"`
	KeyEnv     string `yaml:"key_env"`

	Address    string `yaml:"-"`
	PrivateKey string `yaml:"-"`
}

type MarketConfig struct {
	Instrument         string        `yaml:"instrument"`
	ZeroSpreadEpsilon  float64       `yaml:"zero_spread_epsilon"`
	ZeroSpreadPct      float64       `yaml:"zero_spread_pct"`
	MinZeroDuration    time.Duration `yaml:"min_zero_duration"`
	StaleTimeout       time.Duration `yaml:"stale_timeout"`
	WindowCapacity     int           `yaml:"window_capacity"`
	MaxUpdateRate      float64       `yaml:"max_update_rate"`
	SprintWindow       time.Duration `yaml:"sprint_window"`
	SprintMinDepth     float64       `yaml:"sprint_min_depth"`
	EvalInterval       time.Duration `yaml:"eval_interval"`
	SprintEvalInterval time.Duration `yaml:"sprint_eval_interval"`
}

// RequiredWindowCapacity is the number of samples needed to retain the longer
// of SprintWindow and MinZeroDuration when updates arrive at MaxUpdateRate
// per second.
func (m MarketConfig) RequiredWindowCapacity() int {
	horizon := m.SprintWindow
	if m.MinZeroDuration > horizon {
		horizon = m.MinZeroDuration
	}
	n := int(math.Ceil(horizon.Seconds()*m.MaxUpdateRate)) + 1
	if n < 2 {
		return 2
	}
	return n
}

type SizingConfig struct {
	MaxDepthFraction   float64 `yaml:"max_depth_fraction"`
	MinSize            float64 `yaml:"min_size"`
	MaxSize            float64 `yaml:"max_size"`
	SizeStep           float64 `yaml:"size_step"`
	MinDepthMultiplier float64 `yaml:"min_depth_multiplier"`
	MaxSlippageBps     float64 `yaml:"max_slippage_bps"`
}

type RateConfig struct {
	PerMinute int           `yaml:"per_minute"`
	PerHour   int           `yaml:"per_hour"`
	PerDay    int           `yaml:"per_day"`
	MinGap    time.Duration `yaml:"min_gap"`
}

type ExecConfig struct {
	FillTimeout      time.Duration `yaml:"fill_timeout"`
	FillPollInterval time.Duration `yaml:"fill_poll_interval"`
	UnwindRetries    int           `yaml:"unwind_retries"`
	ReconcileTimeout time.Duration `yaml:"reconcile_timeout"`
	SizeTolerance    float64       `yaml:"size_tolerance"`
}

type CycleConfig struct {
	StartDirection         string        `yaml:"start_direction"`
	MaxCycles              int           `yaml:"max_cycles"`
	MaxHold                time.Duration `yaml:"max_hold"`
	MaxConsecutiveFailures int           `yaml:"max_consecutive_failures"`
	MaxRoundsPerBurst      int           `yaml:"max_rounds_per_burst"`
	StopFile               string        `yaml:"stop_file"`
	BalanceInterval        time.Duration `yaml:"balance_interval"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type HistoryConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Dir        string `yaml:"dir"`
	BufferSize int    `yaml:"buffer_size"`
}

type TimescaleConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	BatchSize       int           `yaml:"batch_size"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

func (m MetricsConfig) EnabledValue() bool {
	return m.Enabled != nil && *m.Enabled
}

type TelegramConfig struct {
	Enabled                bool          `yaml:"enabled"`
	Token                  string        `yaml:"token"`
	ChatID                 string        `yaml:"chat_id"`
	ProgressEvery          int           `yaml:"progress_every"`
	OperatorEnabled        bool          `yaml:"operator_enabled"`
	OperatorPollInterval   time.Duration `yaml:"operator_poll_interval"`
	OperatorAllowedUserIDs []int64       `yaml:"operator_allowed_user_ids"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.MaxSizeMB == 0 {
		cfg.Log.MaxSizeMB = 100
	}
	if cfg.Log.MaxBackups == 0 {
		cfg.Log.MaxBackups = 5
	}
	if cfg.Log.MaxAgeDays == 0 {
		cfg.Log.MaxAgeDays = 14
	}
	if cfg.Venue.RESTURL == "" {
		cfg.Venue.RESTURL = "https://api.prod.paradex.trade/v1"
	}
	if cfg.Venue.WSURL == "" {
		cfg.Venue.WSURL = deriveWSURL(cfg.Venue.RESTURL)
	}
	if cfg.Venue.Timeout == 0 {
		cfg.Venue.Timeout = 10 * time.Second
	}
	if cfg.Venue.ReconnectDelay == 0 {
		cfg.Venue.ReconnectDelay = 2 * time.Second
	}
	if cfg.Venue.PingInterval == 0 {
		cfg.Venue.PingInterval = 20 * time.Second
	}
	if cfg.Venue.TokenMaxAge == 0 {
		cfg.Venue.TokenMaxAge = 240 * time.Second
	}
	applyAccountDefaults(&cfg.Accounts.A, "A")
	applyAccountDefaults(&cfg.Accounts.B, "B")
	if cfg.Market.StaleTimeout == 0 {
		cfg.Market.StaleTimeout = time.Second
	}
	if cfg.Market.SprintWindow == 0 {
		cfg.Market.SprintWindow = 2 * time.Second
	}
	if cfg.Market.MaxUpdateRate == 0 {
		cfg.Market.MaxUpdateRate = 500
	}
	if cfg.Market.WindowCapacity == 0 {
		cfg.Market.WindowCapacity = cfg.Market.RequiredWindowCapacity()
	}
	if cfg.Market.EvalInterval == 0 {
		cfg.Market.EvalInterval = 50 * time.Millisecond
	}
	if cfg.Market.SprintEvalInterval == 0 {
		cfg.Market.SprintEvalInterval = 10 * time.Millisecond
	}
	if cfg.Sizing.MaxDepthFraction == 0 {
		cfg.Sizing.MaxDepthFraction = 0.5
	}
	if cfg.Rate.PerMinute == 0 {
		cfg.Rate.PerMinute = 30
	}
	if cfg.Rate.PerHour == 0 {
		cfg.Rate.PerHour = 300
	}
	if cfg.Rate.PerDay == 0 {
		cfg.Rate.PerDay = 1000
	}
	if cfg.Rate.MinGap == 0 {
		cfg.Rate.MinGap = 500 * time.Millisecond
	}
	if cfg.Exec.FillTimeout == 0 {
		cfg.Exec.FillTimeout = 2 * time.Second
	}
	if cfg.Exec.FillPollInterval == 0 {
		cfg.Exec.FillPollInterval = 100 * time.Millisecond
	}
	if cfg.Exec.UnwindRetries == 0 {
		cfg.Exec.UnwindRetries = 3
	}
	if cfg.Exec.ReconcileTimeout == 0 {
		cfg.Exec.ReconcileTimeout = 5 * time.Second
	}
	if cfg.Exec.SizeTolerance == 0 {
		cfg.Exec.SizeTolerance = 1e-9
	}
	if cfg.Cycle.StartDirection == "" {
		cfg.Cycle.StartDirection = "A_LONG"
	}
	if cfg.Cycle.MaxHold == 0 {
		cfg.Cycle.MaxHold = 30 * time.Second
	}
	if cfg.Cycle.MaxConsecutiveFailures == 0 {
		cfg.Cycle.MaxConsecutiveFailures = 5
	}
	if cfg.Cycle.MaxRoundsPerBurst == 0 {
		cfg.Cycle.MaxRoundsPerBurst = 5
	}
	if cfg.Cycle.StopFile == "" {
		cfg.Cycle.StopFile = "STOP"
	}
	if cfg.Cycle.BalanceInterval == 0 {
		cfg.Cycle.BalanceInterval = 10 * time.Second
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/zs-hedge-bot.db"
	}
	if cfg.History.Dir == "" {
		cfg.History.Dir = "bbo_data"
	}
	if cfg.History.BufferSize == 0 {
		cfg.History.BufferSize = 100
	}
	if cfg.Timescale.Schema == "" {
		cfg.Timescale.Schema = "public"
	}
	if cfg.Timescale.QueueSize == 0 {
		cfg.Timescale.QueueSize = 1024
	}
	if cfg.Timescale.BatchSize == 0 {
		cfg.Timescale.BatchSize = 200
	}
	if cfg.Timescale.FlushInterval == 0 {
		cfg.Timescale.FlushInterval = 2 * time.Second
	}
	if cfg.Metrics.Enabled == nil {
		enabled := true
		cfg.Metrics.Enabled = &enabled
	}
	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = "127.0.0.1:9102"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Telegram.ProgressEvery == 0 {
		cfg.Telegram.ProgressEvery = 10
	}
	if cfg.Telegram.OperatorPollInterval == 0 {
		cfg.Telegram.OperatorPollInterval = 3 * time.Second
	}
}

func applyAccountDefaults(acct *AccountConfig, label string) {
	if acct.Name == "" {
		acct.Name = label
	}
	if acct.AddressEnv == "" {
		acct.AddressEnv = "ACCOUNT_" + label + "_ADDRESS"
	}
	if acct.KeyEnv == "" {
		acct.KeyEnv = "ACCOUNT_" + label + "_PRIVATE_KEY"
	}
}

func deriveWSURL(restURL string) string {
	base := strings.TrimRight(strings.TrimSpace(restURL), "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws"
}

func applyEnvOverrides(cfg *Config) {
	for _, acct := range []*AccountConfig{&cfg.Accounts.A, &cfg.Accounts.B} {
		acct.Address = strings.TrimSpace(os.Getenv(acct.AddressEnv))
		acct.PrivateKey = strings.TrimSpace(os.Getenv(acct.KeyEnv))
	}
	if token := strings.TrimSpace(os.Getenv("ZS_TELEGRAM_TOKEN")); token != "" {
		cfg.Telegram.Token = token
	}
	if chatID := strings.TrimSpace(os.Getenv("ZS_TELEGRAM_CHAT_ID")); chatID != "" {
		cfg.Telegram.ChatID = chatID
	}
}

// Credentials are checked separately so offline commands (status, clear-halt)
// can load the file without secrets present.
func (c *Config) ValidateCredentials() error {
	for _, acct := range []AccountConfig{c.Accounts.A, c.Accounts.B} {
		if acct.Address == "" {
			return fmt.Errorf("%s is required for account %s", acct.AddressEnv, acct.Name)
		}
		if acct.PrivateKey == "" {
			return fmt.Errorf("%s is required for account %s", acct.KeyEnv, acct.Name)
		}
	}
	if strings.EqualFold(c.Accounts.A.Address, c.Accounts.B.Address) {
		return errors.New("accounts a and b must be distinct")
	}
	return nil
}

func validate(cfg *Config) error {
	if strings.TrimSpace(cfg.Market.Instrument) == "" {
		return errors.New("market.instrument is required")
	}
	if cfg.Market.ZeroSpreadEpsilon < 0 || cfg.Market.ZeroSpreadPct < 0 {
		return errors.New("market zero spread thresholds must be >= 0")
	}
	if cfg.Market.MinZeroDuration < 0 || cfg.Market.StaleTimeout < 0 || cfg.Market.SprintWindow < 0 {
		return errors.New("market durations must be >= 0")
	}
	if cfg.Market.EvalInterval < 0 || cfg.Market.SprintEvalInterval < 0 {
		return errors.New("market eval intervals must be >= 0")
	}
	if cfg.Market.SprintEvalInterval > cfg.Market.EvalInterval {
		return errors.New("market.sprint_eval_interval must not exceed market.eval_interval")
	}
	if cfg.Market.MaxUpdateRate <= 0 {
		return errors.New("market.max_update_rate must be > 0")
	}
	if need := cfg.Market.RequiredWindowCapacity(); cfg.Market.WindowCapacity < need {
		return fmt.Errorf("market.window_capacity %d is below the %d samples needed at %.0f updates/s", cfg.Market.WindowCapacity, need, cfg.Market.MaxUpdateRate)
	}
	if cfg.Market.SprintMinDepth < 0 {
		return errors.New("market.sprint_min_depth must be >= 0")
	}
	if cfg.Sizing.MaxDepthFraction <= 0 || cfg.Sizing.MaxDepthFraction > 1 {
		return errors.New("sizing.max_depth_fraction must be in (0, 1]")
	}
	if cfg.Sizing.MinSize <= 0 {
		return errors.New("sizing.min_size must be > 0")
	}
	if cfg.Sizing.MaxSize > 0 && cfg.Sizing.MaxSize < cfg.Sizing.MinSize {
		return errors.New("sizing.max_size must be >= sizing.min_size")
	}
	if cfg.Sizing.SizeStep < 0 || cfg.Sizing.MinDepthMultiplier < 0 || cfg.Sizing.MaxSlippageBps < 0 {
		return errors.New("sizing step, depth multiplier and slippage must be >= 0")
	}
	if cfg.Rate.PerMinute <= 0 || cfg.Rate.PerHour <= 0 || cfg.Rate.PerDay <= 0 {
		return errors.New("rate ceilings must be > 0")
	}
	if cfg.Rate.PerMinute > cfg.Rate.PerHour || cfg.Rate.PerHour > cfg.Rate.PerDay {
		return errors.New("rate ceilings must satisfy per_minute <= per_hour <= per_day")
	}
	if cfg.Rate.MinGap < 0 {
		return errors.New("rate.min_gap must be >= 0")
	}
	if cfg.Exec.FillTimeout <= 0 || cfg.Exec.FillPollInterval <= 0 {
		return errors.New("exec fill timeout and poll interval must be > 0")
	}
	if cfg.Exec.UnwindRetries < 1 {
		return errors.New("exec.unwind_retries must be >= 1")
	}
	if cfg.Exec.ReconcileTimeout <= 0 {
		return errors.New("exec.reconcile_timeout must be > 0")
	}
	if cfg.Exec.SizeTolerance < 0 {
		return errors.New("exec.size_tolerance must be >= 0")
	}
	switch cfg.Cycle.StartDirection {
	case "A_LONG", "A_SHORT":
	default:
		return fmt.Errorf("cycle.start_direction must be A_LONG or A_SHORT, got %q", cfg.Cycle.StartDirection)
	}
	if cfg.Cycle.MaxCycles < 0 || cfg.Cycle.MaxHold < 0 || cfg.Cycle.MaxConsecutiveFailures < 0 || cfg.Cycle.MaxRoundsPerBurst < 0 {
		return errors.New("cycle limits must be >= 0")
	}
	if cfg.Metrics.Path != "" && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return errors.New("metrics.path must start with /")
	}
	if cfg.Timescale.Enabled && strings.TrimSpace(cfg.Timescale.DSN) == "" {
		return errors.New("timescale.dsn is required when timescale is enabled")
	}
	if cfg.Telegram.Enabled && (strings.TrimSpace(cfg.Telegram.Token) == "" || strings.TrimSpace(cfg.Telegram.ChatID) == "") {
		return errors.New("telegram.token and telegram.chat_id are required when telegram is enabled")
	}
	return nil
}
