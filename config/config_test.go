package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"pricefeed/config"
)

// go test -v --run TestLoadFromFile
func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	yaml := `
feed:
  symbols: [BTC, ETH]
  quote_asset: USDT
  reconnect:
    base_delay: 2s
    cap_delay: 20s
    max_attempts: 4
`
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.LoadFrom(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Feed.Symbols) != 2 || cfg.Feed.Symbols[1] != "ETH" {
		t.Errorf("unexpected symbols: %v", cfg.Feed.Symbols)
	}
	if cfg.Feed.Reconnect.BaseDelay != 2*time.Second || cfg.Feed.Reconnect.MaxAttempts != 4 {
		t.Errorf("unexpected reconnect config: %+v", cfg.Feed.Reconnect)
	}
	// untouched keys keep their defaults
	if cfg.Feed.HealthInterval != 5*time.Second {
		t.Errorf("expected default health interval 5s, got %s", cfg.Feed.HealthInterval)
	}
	if cfg.Binance.REST.BaseURL != "https://api.binance.com" {
		t.Errorf("unexpected base url: %s", cfg.Binance.REST.BaseURL)
	}
}

// go test -v --run TestLoadDefaultsWithoutFile
func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := config.LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Feed.Reconnect.MaxAttempts != 5 || cfg.Feed.Reconnect.CapDelay != 30*time.Second {
		t.Errorf("unexpected defaults: %+v", cfg.Feed.Reconnect)
	}
	if cfg.Feed.QuoteAsset != "USDT" {
		t.Errorf("expected USDT, got %s", cfg.Feed.QuoteAsset)
	}
	if cfg.Candles.ArchiveRetention != 2*365*24*time.Hour {
		t.Errorf("unexpected archive retention %s", cfg.Candles.ArchiveRetention)
	}
}

// go test -v --run TestEnvOverride
func TestEnvOverride(t *testing.T) {
	t.Setenv("FEED_QUOTE_ASSET", "FDUSD")
	t.Setenv("REDIS_ADDR", "cache:6380")

	cfg, err := config.LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Feed.QuoteAsset != "FDUSD" {
		t.Errorf("expected env override FDUSD, got %s", cfg.Feed.QuoteAsset)
	}
	if cfg.Redis.Addr != "cache:6380" {
		t.Errorf("expected env override cache:6380, got %s", cfg.Redis.Addr)
	}
}

// go test -v --run TestValidate
func TestValidate(t *testing.T) {
	cfg := config.Config{
		Feed: config.FeedConfig{
			Symbols:    []string{"BTC"},
			QuoteAsset: "USDT",
			Reconnect:  config.ReconnectConfig{BaseDelay: time.Second, CapDelay: 30 * time.Second, MaxAttempts: 5},
		},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}

	cfg.Feed.Reconnect.CapDelay = time.Millisecond
	if err := cfg.Validate(); err == nil {
		t.Error("expected error when cap delay is below base delay")
	}

	cfg.Feed.Reconnect.CapDelay = 30 * time.Second
	cfg.Feed.Symbols = nil
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for empty symbols")
	}
}

// go test -v --run TestPostgresDSN
func TestPostgresDSN(t *testing.T) {
	cfg := config.PostgresConfig{
		Host:     "localhost",
		Port:     5432,
		User:     "postgres",
		Password: "pw",
		DBName:   "pricefeed",
		SSLMode:  "disable",
		TimeZone: "UTC",
	}

	want := "host=localhost port=5432 user=postgres password=pw dbname=pricefeed sslmode=disable TimeZone=UTC"
	if got := cfg.DSN("dev"); got != want {
		t.Errorf("DSN mismatch:\n got  %s\n want %s", got, want)
	}

	admin := "host=localhost port=5432 user=postgres password=pw dbname=postgres sslmode=disable TimeZone=UTC"
	if got := cfg.AdminDSN(); got != admin {
		t.Errorf("AdminDSN mismatch:\n got  %s\n want %s", got, admin)
	}
}
