package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config aggregates application configuration. Everything the engine
// needs is passed down explicitly; nothing reads the environment after
// Load returns.
type Config struct {
	DBSource string
	Port     string
	Env      string

	Currency            string
	CurrencyPrecision   int32
	LockTimeout         time.Duration
	RequireVerification bool

	RedisAddr           string
	IdempotencyCacheTTL time.Duration

	WebhookSecret string

	Logging LoggingConfig
}

// LoggingConfig controls structured logging settings.
type LoggingConfig struct {
	Level  string
	Format string // text|json
}

const (
	defaultPort           = "8080"
	defaultCurrency       = "USD"
	defaultPrecision      = 2
	defaultLockTimeout    = 3 * time.Second
	defaultIdempotencyTTL = 24 * time.Hour
	defaultLoggingLevel   = "info"
	defaultLoggingFormat  = "text"
	defaultRequireVerify  = true
)

// Load reads configuration from environment variables, applying defaults.
func Load() (*Config, error) {
	dbSource := os.Getenv("DB_SOURCE")
	if dbSource == "" {
		return nil, fmt.Errorf("DB_SOURCE environment variable is required")
	}

	cfg := &Config{
		DBSource:            dbSource,
		Port:                valueOrDefault("SERVER_PORT", defaultPort),
		Env:                 valueOrDefault("ENVIRONMENT", "development"),
		Currency:            valueOrDefault("WALLET_CURRENCY", defaultCurrency),
		CurrencyPrecision:   defaultPrecision,
		LockTimeout:         defaultLockTimeout,
		RequireVerification: parseBoolWithDefault("REQUIRE_VERIFICATION", defaultRequireVerify),
		RedisAddr:           os.Getenv("REDIS_ADDR"),
		IdempotencyCacheTTL: defaultIdempotencyTTL,
		WebhookSecret:       os.Getenv("WEBHOOK_SECRET"),
		Logging: LoggingConfig{
			Level:  valueOrDefault("LOG_LEVEL", defaultLoggingLevel),
			Format: valueOrDefault("LOG_FORMAT", defaultLoggingFormat),
		},
	}

	if v := os.Getenv("CURRENCY_PRECISION"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil || p < 0 || p > 8 {
			return nil, fmt.Errorf("invalid CURRENCY_PRECISION: %q", v)
		}
		cfg.CurrencyPrecision = int32(p)
	}

	if v := os.Getenv("LOCK_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid LOCK_TIMEOUT: %q", v)
		}
		cfg.LockTimeout = d
	}

	if v := os.Getenv("IDEMPOTENCY_CACHE_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid IDEMPOTENCY_CACHE_TTL: %q", v)
		}
		cfg.IdempotencyCacheTTL = d
	}

	return cfg, nil
}

func valueOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseBoolWithDefault(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
