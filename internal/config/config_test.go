package config

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"APP_ENV", "APP_PORT", "STORE_BACKEND", "DB_USER", "DB_PASS", "DB_HOST", "DB_PORT", "DB_NAME",
		"JWT_SECRET", "HOLD_TTL", "EXPIRY_GRACE", "SWEEP_INTERVAL", "MAX_SEATS_PER_RESERVATION",
		"MQ_ENABLED", "REDIS_ADDR", "REDIS_HOST", "REDIS_PORT", "REDIS_ENABLED",
		"RATE_LIMIT_CAPACITY", "RATE_LIMIT_BURST", "RATE_LIMIT_REFILL_EVERY", "RATE_LIMIT_TTL",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("JWT_SECRET", "s3cret")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, BackendMemory, cfg.StoreBackend)
	assert.Equal(t, 10*time.Minute, cfg.HoldTTL)
	assert.Equal(t, time.Second, cfg.ExpiryGrace)
	assert.Equal(t, 30*time.Second, cfg.SweepInterval)
	assert.Equal(t, 100, cfg.SweepBatchSize)
	assert.Equal(t, 5*time.Second, cfg.NotifyInterval)
	assert.Equal(t, 10, cfg.MaxSeatsPerReservation)
	assert.Equal(t, 3, cfg.LedgerMaxRetries)
	assert.False(t, cfg.MQEnabled)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
}

func TestLoadRequiresSecretsAndDatabase(t *testing.T) {
	clearEnv(t)
	t.Setenv("STORE_BACKEND", "mysql")
	t.Setenv("DB_HOST", "db")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET")
	assert.Contains(t, err.Error(), "DB_USER")
	assert.Contains(t, err.Error(), "DB_NAME")
	assert.NotContains(t, err.Error(), "DB_HOST")
}

func TestLoadMySQL(t *testing.T) {
	clearEnv(t)
	t.Setenv("JWT_SECRET", "s")
	t.Setenv("STORE_BACKEND", "MySQL")
	t.Setenv("DB_USER", "app")
	t.Setenv("DB_HOST", "db")
	t.Setenv("DB_NAME", "cinema")
	t.Setenv("HOLD_TTL", "90s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, BackendMySQL, cfg.StoreBackend)
	assert.Equal(t, "3306", cfg.DBPort)
	assert.Equal(t, 90*time.Second, cfg.HoldTTL)
}

func TestLoadRejectsBadValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("JWT_SECRET", "s")

	t.Setenv("STORE_BACKEND", "postgres")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("STORE_BACKEND", "")
	t.Setenv("HOLD_TTL", "-1m")
	_, err = Load()
	assert.Error(t, err)
}

func TestLoadRateLimitConfigClamps(t *testing.T) {
	clearEnv(t)
	t.Setenv("RATE_LIMIT_BURST", "5")
	t.Setenv("RATE_LIMIT_REFILL_EVERY", "2s")
	t.Setenv("RATE_LIMIT_TTL", "1s")

	rl := LoadRateLimitConfig()
	assert.Equal(t, 5, rl.Capacity)
	assert.Equal(t, 1, rl.RefillTokens)
	assert.Equal(t, 2*time.Second, rl.RefillInterval)
	assert.Equal(t, 10*time.Second, rl.TTL)
}

func TestNewRedisClient(t *testing.T) {
	mr := miniredis.RunT(t)

	rdb := NewRedisClient(context.Background(), RedisConfig{Enabled: true, Addr: mr.Addr()})
	require.NotNil(t, rdb)
	defer rdb.Close()

	assert.Nil(t, NewRedisClient(context.Background(), RedisConfig{Enabled: false, Addr: mr.Addr()}))

	mr.Close()
	assert.Nil(t, NewRedisClient(context.Background(), RedisConfig{Enabled: true, Addr: mr.Addr()}))
}
