// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/cognativeshield/fraudguard/internal/security"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Storage
	DatabaseURL     string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL        string // Profile cache (optional)
	RedisProfileTTL time.Duration

	// Scoring
	ModelPath        string // JSON artifact; the embedded default is used if empty
	StoreTimeout     time.Duration
	VelocityWindow   time.Duration
	StrictVocabulary bool

	// Streaming (optional)
	KafkaBrokers           []string
	KafkaGroupID           string
	KafkaTransactionsTopic string
	KafkaAlertsTopic       string

	// Alert webhooks (optional)
	AlertWebhookURLs      []string
	AlertWebhookSecret    string
	AlertBreakerThreshold int
	AlertBreakerCooldown  time.Duration

	// Observability
	OTLPEndpoint string

	// Security
	AdminSecret  string
	RateLimitRPM int
	CORSOrigins  []string // empty allows all origins
}

const (
	DefaultPort                   = "8080"
	DefaultEnv                    = "development"
	DefaultLogLevel               = "info"
	DefaultLogFormat              = "json"
	DefaultRedisProfileTTL        = 15 * time.Minute
	DefaultStoreTimeout           = 2 * time.Second
	DefaultVelocityWindow         = 60 * time.Minute
	DefaultKafkaGroupID           = "fraudguard-scorer"
	DefaultKafkaTransactionsTopic = "upi.transactions"
	DefaultKafkaAlertsTopic       = "upi.fraud-alerts"
	DefaultRateLimitRPM           = 600
	DefaultAlertBreakerThreshold  = 5
	DefaultAlertBreakerCooldown   = 30 * time.Second
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                   getEnv("PORT", DefaultPort),
		Env:                    getEnv("ENV", DefaultEnv),
		LogLevel:               getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:              getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		RedisURL:               os.Getenv("REDIS_URL"),
		RedisProfileTTL:        getEnvDuration("REDIS_PROFILE_TTL", DefaultRedisProfileTTL),
		ModelPath:              os.Getenv("MODEL_PATH"),
		StoreTimeout:           getEnvDuration("STORE_TIMEOUT", DefaultStoreTimeout),
		VelocityWindow:         getEnvDuration("VELOCITY_WINDOW", DefaultVelocityWindow),
		StrictVocabulary:       getEnvBool("STRICT_VOCABULARY", true),
		KafkaBrokers:           getEnvList("KAFKA_BROKERS"),
		KafkaGroupID:           getEnv("KAFKA_GROUP_ID", DefaultKafkaGroupID),
		KafkaTransactionsTopic: getEnv("KAFKA_TRANSACTIONS_TOPIC", DefaultKafkaTransactionsTopic),
		KafkaAlertsTopic:       getEnv("KAFKA_ALERTS_TOPIC", DefaultKafkaAlertsTopic),
		AlertWebhookURLs:       getEnvList("ALERT_WEBHOOK_URLS"),
		AlertWebhookSecret:     os.Getenv("ALERT_WEBHOOK_SECRET"),
		AlertBreakerThreshold:  int(getEnvInt64("ALERT_BREAKER_THRESHOLD", DefaultAlertBreakerThreshold)),
		AlertBreakerCooldown:   getEnvDuration("ALERT_BREAKER_COOLDOWN", DefaultAlertBreakerCooldown),
		OTLPEndpoint:           os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		AdminSecret:            os.Getenv("ADMIN_SECRET"),
		RateLimitRPM:           int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		CORSOrigins:            getEnvList("CORS_ALLOWED_ORIGINS"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if _, err := strconv.Atoi(c.Port); err != nil {
		return fmt.Errorf("PORT must be numeric, got %q", c.Port)
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat)
	}
	if c.StoreTimeout <= 0 {
		return fmt.Errorf("STORE_TIMEOUT must be positive")
	}
	if c.VelocityWindow <= 0 {
		return fmt.Errorf("VELOCITY_WINDOW must be positive")
	}
	if c.RedisURL != "" && c.RedisProfileTTL <= 0 {
		return fmt.Errorf("REDIS_PROFILE_TTL must be positive")
	}
	if c.KafkaEnabled() {
		if c.KafkaTransactionsTopic == "" {
			return fmt.Errorf("KAFKA_TRANSACTIONS_TOPIC is required when KAFKA_BROKERS is set")
		}
		if c.KafkaGroupID == "" {
			return fmt.Errorf("KAFKA_GROUP_ID is required when KAFKA_BROKERS is set")
		}
	}
	for _, u := range c.AlertWebhookURLs {
		if err := security.CheckWebhookURLSyntax(u); err != nil {
			return fmt.Errorf("ALERT_WEBHOOK_URLS: %w", err)
		}
	}
	if c.AlertBreakerThreshold <= 0 {
		return fmt.Errorf("ALERT_BREAKER_THRESHOLD must be positive")
	}
	if c.AlertBreakerCooldown <= 0 {
		return fmt.Errorf("ALERT_BREAKER_COOLDOWN must be positive")
	}
	if c.RateLimitRPM <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPM must be positive")
	}
	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
	}
	return nil
}

// KafkaEnabled reports whether a broker list was configured.
func (c *Config) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0
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

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated value, dropping blanks.
func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
