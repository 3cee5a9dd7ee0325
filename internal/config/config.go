// Package config loads the engine's settings from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config is the full process configuration. Empty DATABASE_URL selects the
// in-memory ledger; empty KAFKA_BROKERS disables the event stream.
type Config struct {
	Port     string `env:"PORT" envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	DatabaseURL string        `env:"DATABASE_URL"`
	RedisURL    string        `env:"REDIS_URL"`
	CacheTTL    time.Duration `env:"CACHE_TTL" envDefault:"30s"`

	QuoteServiceURL string        `env:"QUOTE_SERVICE_URL" envDefault:"http://localhost:5001"`
	QuoteTimeout    time.Duration `env:"QUOTE_TIMEOUT" envDefault:"10s"`
	QuoteCacheTTL   time.Duration `env:"QUOTE_CACHE_TTL" envDefault:"5m"`
	HistoryCacheTTL time.Duration `env:"HISTORY_CACHE_TTL" envDefault:"24h"`

	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string   `env:"KAFKA_TOPIC" envDefault:"paper-engine.events"`

	InitialCash decimal.Decimal `env:"INITIAL_CASH" envDefault:"100000"`

	DefaultVolatility    float64       `env:"DEFAULT_VOLATILITY" envDefault:"0.30"`
	DefaultRiskFreeRate  float64       `env:"DEFAULT_RISK_FREE_RATE" envDefault:"0.045"`
	RateRefreshInterval  time.Duration `env:"RATE_REFRESH_INTERVAL" envDefault:"15m"`
	VolatilityWindowDays int           `env:"VOLATILITY_WINDOW_DAYS" envDefault:"30"`

	SettlementInterval time.Duration `env:"SETTLEMENT_INTERVAL" envDefault:"1h"`
	RiskSweepInterval  time.Duration `env:"RISK_SWEEP_INTERVAL" envDefault:"5m"`

	MaxContractsPerUnderlying int64 `env:"MAX_CONTRACTS_PER_UNDERLYING" envDefault:"500"`
	MaxShortContracts         int64 `env:"MAX_SHORT_CONTRACTS" envDefault:"1000"`
}

// Load reads an optional .env file, then parses the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	return parse(env.Options{})
}

// parse is split out so tests can supply their own environment.
// decimal.Decimal implements encoding.TextUnmarshaler, which env honors.
func parse(opts env.Options) (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Validate checks ranges that env tags cannot express.
func Validate(cfg *Config) error {
	if !cfg.InitialCash.IsPositive() {
		return fmt.Errorf("INITIAL_CASH must be positive, got %s", cfg.InitialCash)
	}
	if cfg.DefaultVolatility <= 0 || cfg.DefaultVolatility > 5 {
		return fmt.Errorf("DEFAULT_VOLATILITY must be in (0, 5], got %v", cfg.DefaultVolatility)
	}
	if cfg.DefaultRiskFreeRate < 0 || cfg.DefaultRiskFreeRate > 1 {
		return fmt.Errorf("DEFAULT_RISK_FREE_RATE must be in [0, 1], got %v", cfg.DefaultRiskFreeRate)
	}
	if cfg.VolatilityWindowDays < 5 {
		return fmt.Errorf("VOLATILITY_WINDOW_DAYS must be at least 5, got %d", cfg.VolatilityWindowDays)
	}
	if cfg.RateRefreshInterval < time.Minute {
		return fmt.Errorf("RATE_REFRESH_INTERVAL must be at least 1m, got %s", cfg.RateRefreshInterval)
	}
	if cfg.SettlementInterval < time.Minute {
		return fmt.Errorf("SETTLEMENT_INTERVAL must be at least 1m, got %s", cfg.SettlementInterval)
	}
	if cfg.RiskSweepInterval < 10*time.Second {
		return fmt.Errorf("RISK_SWEEP_INTERVAL must be at least 10s, got %s", cfg.RiskSweepInterval)
	}
	if cfg.QuoteTimeout <= 0 {
		return fmt.Errorf("QUOTE_TIMEOUT must be positive, got %s", cfg.QuoteTimeout)
	}
	if cfg.MaxContractsPerUnderlying < 0 || cfg.MaxShortContracts < 0 {
		return errors.New("contract limits must not be negative")
	}
	if len(cfg.KafkaBrokers) > 0 && cfg.KafkaTopic == "" {
		return errors.New("KAFKA_TOPIC is required when KAFKA_BROKERS is set")
	}
	return nil
}

// SlogLevel maps LOG_LEVEL onto a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
