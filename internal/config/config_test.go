package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validConfig() *Config {
	cfg := &Config{
		Market: MarketConfig{Instrument: "BTC-USD-PERP"},
		Sizing: SizingConfig{MinSize: 0.001, MaxSize: 0.1},
	}
	applyDefaults(cfg)
	return cfg
}

func TestDefaults(t *testing.T) {
	cfg := validConfig()
	if cfg.Rate.PerMinute != 30 || cfg.Rate.PerHour != 300 || cfg.Rate.PerDay != 1000 {
		t.Fatalf("unexpected rate ceilings: %+v", cfg.Rate)
	}
	if cfg.Rate.MinGap != 500*time.Millisecond {
		t.Fatalf("expected min gap 500ms, got %v", cfg.Rate.MinGap)
	}
	if cfg.Market.StaleTimeout != time.Second {
		t.Fatalf("expected stale timeout 1s, got %v", cfg.Market.StaleTimeout)
	}
	if cfg.Market.SprintWindow != 2*time.Second {
		t.Fatalf("expected sprint window 2s, got %v", cfg.Market.SprintWindow)
	}
	if cfg.Market.WindowCapacity != 1001 {
		t.Fatalf("expected window capacity sized for 2s at 500/s, got %d", cfg.Market.WindowCapacity)
	}
	if cfg.Market.EvalInterval != 50*time.Millisecond || cfg.Market.SprintEvalInterval != 10*time.Millisecond {
		t.Fatalf("unexpected eval intervals: %v %v", cfg.Market.EvalInterval, cfg.Market.SprintEvalInterval)
	}
	if cfg.Exec.UnwindRetries != 3 {
		t.Fatalf("expected unwind retries 3, got %d", cfg.Exec.UnwindRetries)
	}
	if cfg.Exec.ReconcileTimeout != 5*time.Second {
		t.Fatalf("expected reconcile timeout 5s, got %v", cfg.Exec.ReconcileTimeout)
	}
	if cfg.Venue.TokenMaxAge != 240*time.Second {
		t.Fatalf("expected token max age 240s, got %v", cfg.Venue.TokenMaxAge)
	}
	if cfg.Cycle.StartDirection != "A_LONG" {
		t.Fatalf("expected A_LONG start, got %q", cfg.Cycle.StartDirection)
	}
	if !cfg.Metrics.EnabledValue() {
		t.Fatalf("expected metrics enabled by default")
	}
	if cfg.Accounts.A.AddressEnv != "ACCOUNT_A_ADDRESS" || cfg.Accounts.B.KeyEnv != "ACCOUNT_B_PRIVATE_KEY" {
		t.Fatalf("unexpected account env names: %+v", cfg.Accounts)
	}
	if err := validate(cfg); err != nil {
		t.Fatalf("expected defaults to validate, got %v", err)
	}
}

func TestDeriveWSURL(t *testing.T) {
	cases := map[string]string{
		"https://api.example.com/v1": "wss://api.example.com/v1/ws",
		"http://localhost:8080/v1/":  "ws://localhost:8080/v1/ws",
	}
	for in, want := range cases {
		if got := deriveWSURL(in); got != want {
			t.Fatalf("deriveWSURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestValidateRejectsInvertedCeilings(t *testing.T) {
	cfg := validConfig()
	cfg.Rate.PerMinute = 400
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for per_minute > per_hour")
	}
}

func TestValidateRejectsBadDirection(t *testing.T) {
	cfg := validConfig()
	cfg.Cycle.StartDirection = "SIDEWAYS"
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for unknown start direction")
	}
}

func TestValidateRejectsMaxBelowMin(t *testing.T) {
	cfg := validConfig()
	cfg.Sizing.MaxSize = 0.0001
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for max_size < min_size")
	}
}

func TestValidateRejectsSprintIntervalAboveEval(t *testing.T) {
	cfg := validConfig()
	cfg.Market.SprintEvalInterval = time.Second
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for sprint interval above eval interval")
	}
}

func TestValidateRejectsWindowShorterThanSprint(t *testing.T) {
	cfg := validConfig()
	cfg.Market.WindowCapacity = 512
	err := validate(cfg)
	if err == nil || !strings.Contains(err.Error(), "market.window_capacity") {
		t.Fatalf("expected window capacity error, got %v", err)
	}
	cfg.Market.MaxUpdateRate = 200
	if err := validate(cfg); err != nil {
		t.Fatalf("expected 512 samples to cover 2s at 200/s, got %v", err)
	}
}

func TestWindowCapacityCoversMinZeroDuration(t *testing.T) {
	cfg := &Config{Market: MarketConfig{
		Instrument:      "BTC-USD-PERP",
		MinZeroDuration: 5 * time.Second,
		MaxUpdateRate:   100,
	}}
	applyDefaults(cfg)
	if cfg.Market.WindowCapacity != 501 {
		t.Fatalf("expected capacity for 5s at 100/s, got %d", cfg.Market.WindowCapacity)
	}
}

func TestValidateTelegramRequiresCredentials(t *testing.T) {
	cfg := validConfig()
	cfg.Telegram.Enabled = true
	if err := validate(cfg); err == nil {
		t.Fatalf("expected telegram validation error")
	}
	cfg.Telegram.Token = "t"
	cfg.Telegram.ChatID = "1"
	if err := validate(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLoadReadsEnvCredentials(t *testing.T) {
	t.Setenv("ACCOUNT_A_ADDRESS", "0xaaa")
	t.Setenv("ACCOUNT_A_PRIVATE_KEY", "keya")
	t.Setenv("ACCOUNT_B_ADDRESS", "0xbbb")
	t.Setenv("ACCOUNT_B_PRIVATE_KEY", "keyb")
	t.Setenv("ZS_TELEGRAM_TOKEN", "")
	t.Setenv("ZS_TELEGRAM_CHAT_ID", "")
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := strings.Join([]string{
		"market:",
		"  instrument: ETH-USD-PERP",
		"  min_zero_duration: 200ms",
		"sizing:",
		"  min_size: 0.01",
		"  max_size: 1",
		"  size_step: 0.001",
		"rate:",
		"  per_minute: 20",
	}, "\n")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Market.MinZeroDuration != 200*time.Millisecond {
		t.Fatalf("expected 200ms min zero duration, got %v", cfg.Market.MinZeroDuration)
	}
	if cfg.Rate.PerMinute != 20 || cfg.Rate.PerHour != 300 {
		t.Fatalf("unexpected rate config: %+v", cfg.Rate)
	}
	if cfg.Accounts.A.Address != "0xaaa" || cfg.Accounts.B.PrivateKey != "keyb" {
		t.Fatalf("expected account credentials from env, got %+v", cfg.Accounts)
	}
	if err := cfg.ValidateCredentials(); err != nil {
		t.Fatalf("unexpected credential error: %v", err)
	}
}

func TestValidateCredentials(t *testing.T) {
	cfg := validConfig()
	if err := cfg.ValidateCredentials(); err == nil {
		t.Fatalf("expected error for missing credentials")
	}
	cfg.Accounts.A.Address = "0xabc"
	cfg.Accounts.A.PrivateKey = "k1"
	cfg.Accounts.B.Address = "0xABC"
	cfg.Accounts.B.PrivateKey = "k2"
	if err := cfg.ValidateCredentials(); err == nil {
		t.Fatalf("expected error for identical accounts")
	}
	cfg.Accounts.B.Address = "0xdef"
	if err := cfg.ValidateCredentials(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
