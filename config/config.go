package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Binance  BinanceConfig  `mapstructure:"binance"`
	Feed     FeedConfig     `mapstructure:"feed"`
	Candles  CandlesConfig  `mapstructure:"candles"`
	Log      LogConfig      `mapstructure:"log"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Server   ServerConfig   `mapstructure:"server"`
}

type BinanceConfig struct {
	REST RESTConfig `mapstructure:"rest"`
	WS   WSConfig   `mapstructure:"ws"`
}

type RESTConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type WSConfig struct {
	URL              string        `mapstructure:"url"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
}

// FeedConfig drives the coordinator and the streaming manager.
type FeedConfig struct {
	Symbols        []string        `mapstructure:"symbols"`     // base assets, e.g. ["BTC", "ETH"]
	QuoteAsset     string          `mapstructure:"quote_asset"` // e.g. "USDT"
	StartDelay     time.Duration   `mapstructure:"start_delay"`
	HealthInterval time.Duration   `mapstructure:"health_interval"`
	PollInterval   time.Duration   `mapstructure:"poll_interval"`
	FallbackSeed   int64           `mapstructure:"fallback_seed"`
	Reconnect      ReconnectConfig `mapstructure:"reconnect"`
	RateLimit      RateLimitConfig `mapstructure:"rate_limit"`
}

type ReconnectConfig struct {
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	CapDelay    time.Duration `mapstructure:"cap_delay"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

// RateLimitConfig bounds bootstrap retries after the provider throttles us.
type RateLimitConfig struct {
	RetryDelay  time.Duration `mapstructure:"retry_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

// CandlesConfig drives the candle service and the daily archiver.
type CandlesConfig struct {
	MaxCached          int           `mapstructure:"max_cached"` // bars kept per series in memory
	DefaultLimit       int           `mapstructure:"default_limit"`
	SMAPeriods         []int         `mapstructure:"sma_periods"`
	ArchiveIntervals   []string      `mapstructure:"archive_intervals"`
	ArchiveLimit       int           `mapstructure:"archive_limit"`
	ArchiveConcurrency int           `mapstructure:"archive_concurrency"`
	ArchiveRetention   time.Duration `mapstructure:"archive_retention"` // 0 keeps everything
}

// LogConfig defines the logger configuration options.
type LogConfig struct {
	Level       string `mapstructure:"level"`       // log level: "debug", "info", "warn", "error"
	Format      string `mapstructure:"format"`      // log format: "json" or "console"
	OutputFile  string `mapstructure:"output_file"` // file path to store logs (optional)
	Environment string `mapstructure:"environment"` // environment: "dev" or "prod"
	MaxSizeMB   int    `mapstructure:"max_size_mb"`
	MaxBackups  int    `mapstructure:"max_backups"`
	MaxAgeDays  int    `mapstructure:"max_age_days"`
}

type RedisConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	TTL       time.Duration `mapstructure:"ttl"`
	QueueSize int           `mapstructure:"queue_size"` // updates buffered ahead of the writer
}

type ServerConfig struct {
	Addr           string   `mapstructure:"addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Load loads application configuration using Viper.
// It reads from config.yaml and overrides with environment variables.
func Load() *Config {
	cfg, err := LoadFrom(configDir())
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	return cfg
}

// LoadFrom reads config.yaml from dir. A missing file is not an error; defaults
// and environment variables still apply.
func LoadFrom(dir string) (*Config, error) {
	// .env only seeds the process environment, real env vars win
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("ignoring .env: %v", err)
	}

	v := viper.New()
	v.SetConfigName("config") // config.yaml
	v.SetConfigType("yaml")
	v.AddConfigPath(dir)

	setDefaults(v)

	// Support environment variables with dot notation (e.g., FEED_QUOTE_ASSET)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the feed cannot run with.
func (c *Config) Validate() error {
	if len(c.Feed.Symbols) == 0 {
		return fmt.Errorf("feed.symbols cannot be empty")
	}
	if c.Feed.QuoteAsset == "" {
		return fmt.Errorf("feed.quote_asset cannot be empty")
	}
	if c.Feed.Reconnect.MaxAttempts <= 0 {
		return fmt.Errorf("feed.reconnect.max_attempts must be positive, got %d", c.Feed.Reconnect.MaxAttempts)
	}
	if c.Feed.Reconnect.BaseDelay <= 0 || c.Feed.Reconnect.CapDelay < c.Feed.Reconnect.BaseDelay {
		return fmt.Errorf("feed.reconnect delays invalid: base=%s cap=%s",
			c.Feed.Reconnect.BaseDelay, c.Feed.Reconnect.CapDelay)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("binance.rest.base_url", "https://api.binance.com")
	v.SetDefault("binance.rest.timeout", 10*time.Second)
	v.SetDefault("binance.ws.url", "wss://stream.binance.com:9443/stream")
	v.SetDefault("binance.ws.handshake_timeout", 10*time.Second)

	v.SetDefault("feed.symbols", []string{"BTC", "ETH", "SOL", "BNB", "XRP", "ADA", "DOGE"})
	v.SetDefault("feed.quote_asset", "USDT")
	v.SetDefault("feed.start_delay", time.Second)
	v.SetDefault("feed.health_interval", 5*time.Second)
	v.SetDefault("feed.poll_interval", 30*time.Second)
	v.SetDefault("feed.fallback_seed", 0)
	v.SetDefault("feed.reconnect.base_delay", time.Second)
	v.SetDefault("feed.reconnect.cap_delay", 30*time.Second)
	v.SetDefault("feed.reconnect.max_attempts", 5)
	v.SetDefault("feed.rate_limit.retry_delay", 10*time.Second)
	v.SetDefault("feed.rate_limit.max_delay", 2*time.Minute)
	v.SetDefault("feed.rate_limit.max_attempts", 3)

	v.SetDefault("candles.max_cached", 1000)
	v.SetDefault("candles.default_limit", 200)
	v.SetDefault("candles.sma_periods", []int{20, 50})
	v.SetDefault("candles.archive_intervals", []string{"1h", "1d"})
	v.SetDefault("candles.archive_limit", 500)
	v.SetDefault("candles.archive_concurrency", 5)
	v.SetDefault("candles.archive_retention", 2*365*24*time.Hour)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.environment", "dev")
	v.SetDefault("log.output_file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 7)

	v.SetDefault("postgres.enabled", false)
	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "postgres")
	v.SetDefault("postgres.password", "")
	v.SetDefault("postgres.dbname", "pricefeed")
	v.SetDefault("postgres.timezone", "UTC")
	v.SetDefault("postgres.sslmode", "disable")
	v.SetDefault("postgres.max_open_conns", 10)
	v.SetDefault("postgres.max_idle_conns", 5)
	v.SetDefault("postgres.conn_max_lifetime", time.Hour)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", time.Hour)
	v.SetDefault("redis.queue_size", 1024)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000"})
}

func configDir() string {
	if dir := os.Getenv("PRICEFEED_CONFIG_DIR"); dir != "" {
		return dir
	}
	ex, _ := os.Executable()
	if strings.Contains(ex, "go-build") {
		pwd, _ := os.Getwd()
		return filepath.Join(pwd, "../../config")
	}
	return filepath.Join(filepath.Dir(ex), "../config")
}
