// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Storage
	DatabaseURL string        // PostgreSQL connection string (optional, uses in-memory if not set)
	LockTimeout time.Duration // max wait for a wallet row lock before ErrConflict

	// Balance cache
	RedisURL        string // optional, in-process cache if not set
	BalanceCacheTTL time.Duration

	// Event stream
	KafkaBrokers []string // optional, events stay in-process if empty
	KafkaTopic   string

	// Tracing
	OTLPEndpoint string // optional, tracing is a no-op if not set

	// Security
	InternalToken      string   // shared secret the gateway presents with caller headers
	CORSAllowedOrigins []string // empty disables CORS headers
	RateLimitPerMinute int      // per caller; 0 disables
	RateLimitBurst     int

	// Background jobs
	RefundSweepInterval time.Duration
	ReconcileInterval   time.Duration
}

const (
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "text"
	DefaultKafkaTopic          = "topup.ledger"
	DefaultBalanceCacheTTL     = 30 * time.Second
	DefaultLockTimeout         = 3 * time.Second
	DefaultRefundSweepInterval = time.Minute
	DefaultReconcileInterval   = 10 * time.Minute
	DefaultRateLimitPerMinute  = 600
	DefaultRateLimitBurst      = 100
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		LockTimeout:         getEnvDuration("LOCK_TIMEOUT", DefaultLockTimeout),
		RedisURL:            os.Getenv("REDIS_URL"),
		BalanceCacheTTL:     getEnvDuration("BALANCE_CACHE_TTL", DefaultBalanceCacheTTL),
		KafkaBrokers:        getEnvList("KAFKA_BROKERS"),
		KafkaTopic:          getEnv("KAFKA_TOPIC", DefaultKafkaTopic),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		InternalToken:       os.Getenv("INTERNAL_TOKEN"),
		CORSAllowedOrigins:  getEnvList("CORS_ALLOWED_ORIGINS"),
		RateLimitPerMinute:  getEnvInt("RATE_LIMIT_PER_MINUTE", DefaultRateLimitPerMinute),
		RateLimitBurst:      getEnvInt("RATE_LIMIT_BURST", DefaultRateLimitBurst),
		RefundSweepInterval: getEnvDuration("REFUND_SWEEP_INTERVAL", DefaultRefundSweepInterval),
		ReconcileInterval:   getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.InternalToken == "" && c.IsProduction() {
		return fmt.Errorf("INTERNAL_TOKEN is required in production")
	}
	if c.InternalToken != "" && len(c.InternalToken) < 16 {
		return fmt.Errorf("INTERNAL_TOKEN must be at least 16 characters")
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.LogFormat)
	}
	if c.LockTimeout <= 0 {
		return fmt.Errorf("LOCK_TIMEOUT must be positive")
	}
	if c.BalanceCacheTTL <= 0 {
		return fmt.Errorf("BALANCE_CACHE_TTL must be positive")
	}
	if c.RateLimitPerMinute < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("rate limits must not be negative")
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaTopic == "" {
		return fmt.Errorf("KAFKA_TOPIC is required when KAFKA_BROKERS is set")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("30s") or plain seconds ("30").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return defaultValue
}

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
