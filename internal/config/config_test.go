package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadRequiresDBSource(t *testing.T) {
	t.Setenv("DB_SOURCE", "")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DB_SOURCE", "postgresql://localhost/wallet")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "USD", cfg.Currency)
	assert.Equal(t, int32(2), cfg.CurrencyPrecision)
	assert.Equal(t, 3*time.Second, cfg.LockTimeout)
	assert.Equal(t, 24*time.Hour, cfg.IdempotencyCacheTTL)
	assert.True(t, cfg.RequireVerification)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DB_SOURCE", "postgresql://localhost/wallet")
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("WALLET_CURRENCY", "EUR")
	t.Setenv("CURRENCY_PRECISION", "3")
	t.Setenv("LOCK_TIMEOUT", "500ms")
	t.Setenv("IDEMPOTENCY_CACHE_TTL", "1h")
	t.Setenv("REQUIRE_VERIFICATION", "false")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_FORMAT", "json")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "EUR", cfg.Currency)
	assert.Equal(t, int32(3), cfg.CurrencyPrecision)
	assert.Equal(t, 500*time.Millisecond, cfg.LockTimeout)
	assert.Equal(t, time.Hour, cfg.IdempotencyCacheTTL)
	assert.False(t, cfg.RequireVerification)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("DB_SOURCE", "postgresql://localhost/wallet")

	t.Setenv("CURRENCY_PRECISION", "nine")
	_, err := Load()
	assert.Error(t, err)
	t.Setenv("CURRENCY_PRECISION", "12")
	_, err = Load()
	assert.Error(t, err)
	t.Setenv("CURRENCY_PRECISION", "")

	t.Setenv("LOCK_TIMEOUT", "fast")
	_, err = Load()
	assert.Error(t, err)
	t.Setenv("LOCK_TIMEOUT", "-1s")
	_, err = Load()
	assert.Error(t, err)
	t.Setenv("LOCK_TIMEOUT", "")

	t.Setenv("IDEMPOTENCY_CACHE_TTL", "forever")
	_, err = Load()
	assert.Error(t, err)
}
