// Package config loads application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store backends.
const (
	BackendMemory = "memory"
	BackendMySQL  = "mysql"
)

// Config holds all runtime configuration values. Each field corresponds to
// an environment variable.
type Config struct {
	Env          string // APP_ENV
	Port         string // APP_PORT
	StoreBackend string // STORE_BACKEND: memory or mysql

	DBUser string
	DBPass string
	DBHost string
	DBPort string
	DBName string

	JWTSecret            string
	PaymentWebhookSecret string

	HoldTTL                time.Duration
	ExpiryGrace            time.Duration
	SweepInterval          time.Duration
	SweepBatchSize         int
	NotifyInterval         time.Duration
	MaxSeatsPerReservation int
	LedgerMaxRetries       int

	MQEnabled   bool
	RabbitMQURL string

	LogDir   string
	LogDebug bool

	OTELEnabled  bool
	OTELEndpoint string

	Redis     RedisConfig
	RateLimit RateLimitConfig
}

// Load reads an optional .env file and then the environment. Values already
// present in the environment win over the file. Missing required variables
// are reported together.
func Load() (Config, error) {
	_ = godotenv.Load()

	var missing []string
	must := func(key string) string {
		v := os.Getenv(key)
		if v == "" {
			missing = append(missing, key)
		}
		return v
	}

	cfg := Config{
		Env:          envStr("APP_ENV", "dev"),
		Port:         envStr("APP_PORT", "8080"),
		StoreBackend: strings.ToLower(envStr("STORE_BACKEND", BackendMemory)),

		JWTSecret:            must("JWT_SECRET"),
		PaymentWebhookSecret: os.Getenv("PAYMENT_WEBHOOK_SECRET"),

		HoldTTL:                envDur("HOLD_TTL", 10*time.Minute),
		ExpiryGrace:            envDur("EXPIRY_GRACE", time.Second),
		SweepInterval:          envDur("SWEEP_INTERVAL", 30*time.Second),
		SweepBatchSize:         envInt("SWEEP_BATCH_SIZE", 100),
		NotifyInterval:         envDur("NOTIFY_INTERVAL", 5*time.Second),
		MaxSeatsPerReservation: envInt("MAX_SEATS_PER_RESERVATION", 10),
		LedgerMaxRetries:       envInt("LEDGER_MAX_RETRIES", 3),

		MQEnabled:   envBool("MQ_ENABLED", false),
		RabbitMQURL: os.Getenv("RABBITMQ_URL"),

		LogDir:   envStr("LOG_DIR", "logs"),
		LogDebug: envBool("LOG_DEBUG", false),

		OTELEnabled:  envBool("OTEL_ENABLED", false),
		OTELEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),

		Redis:     LoadRedisConfig(),
		RateLimit: LoadRateLimitConfig(),
	}

	switch cfg.StoreBackend {
	case BackendMemory:
	case BackendMySQL:
		cfg.DBUser = must("DB_USER")
		cfg.DBPass = os.Getenv("DB_PASS")
		cfg.DBHost = must("DB_HOST")
		cfg.DBPort = envStr("DB_PORT", "3306")
		cfg.DBName = must("DB_NAME")
	default:
		return Config{}, fmt.Errorf("invalid STORE_BACKEND %q", cfg.StoreBackend)
	}

	if len(missing) > 0 {
		return Config{}, fmt.Errorf("missing required env vars: %s", strings.Join(missing, ", "))
	}
	if cfg.HoldTTL <= 0 {
		return Config{}, errors.New("HOLD_TTL must be positive")
	}
	if cfg.MaxSeatsPerReservation < 1 {
		return Config{}, errors.New("MAX_SEATS_PER_RESERVATION must be at least 1")
	}
	return cfg, nil
}

func envStr(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func envBool(k string, d bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	switch v {
	case "1", "true", "TRUE", "True", "yes", "YES", "on", "ON":
		return true
	case "0", "false", "FALSE", "False", "no", "NO", "off", "OFF":
		return false
	}
	return d
}

func envInt(k string, d int) int {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return n
	}
	return d
}

func envDur(k string, d time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	if dur, err := time.ParseDuration(v); err == nil {
		return dur
	}
	return d
}
