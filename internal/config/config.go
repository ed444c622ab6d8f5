// Package config provides configuration management for the trigger
// subsystem, adapted from the teacher's internal/config package and
// scoped down to what this module's cmd/triggerd entrypoint needs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the application configuration.
type Config struct {
	Redis   RedisConfig
	Logging LoggingConfig
	Trigger TriggerConfig
}

// RedisConfig holds Redis-related configuration for the optional durable
// bookkeeping backing store and cross-process event transport.
type RedisConfig struct {
	Enabled  bool
	URL      string
	Password string
	DB       int
	PoolSize int
}

// LoggingConfig holds logging-related configuration.
type LoggingConfig struct {
	Level  string
	Format string // "json" or "text"
}

// TriggerConfig holds subsystem-level tuning read from the environment:
// sweep intervals and a default catch-up window. cmd/triggerd does not pass
// these values to the trigger Manager; the rate limiter and dedup cache
// sweep on their own fixed intervals, and startup catch-up replays from
// each trigger's last run.
type TriggerConfig struct {
	RateLimiterSweepInterval time.Duration
	DedupSweepInterval       time.Duration
	DefaultCatchUpWindow     time.Duration
}

// Load loads the configuration from environment variables, reading a
// local .env file first exactly as the teacher's config.Load does.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Redis: RedisConfig{
			Enabled:  getEnvAsBool("TRIGGERD_REDIS_ENABLED", false),
			URL:      getEnv("TRIGGERD_REDIS_URL", "redis://localhost:6379"),
			Password: getEnv("TRIGGERD_REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("TRIGGERD_REDIS_DB", 0),
			PoolSize: getEnvAsInt("TRIGGERD_REDIS_POOL_SIZE", 10),
		},
		Logging: LoggingConfig{
			Level:  getEnv("TRIGGERD_LOG_LEVEL", "info"),
			Format: getEnv("TRIGGERD_LOG_FORMAT", "json"),
		},
		Trigger: TriggerConfig{
			RateLimiterSweepInterval: getEnvAsDuration("TRIGGERD_RATELIMIT_SWEEP_INTERVAL", 60*time.Second),
			DedupSweepInterval:       getEnvAsDuration("TRIGGERD_DEDUP_SWEEP_INTERVAL", time.Hour),
			DefaultCatchUpWindow:     getEnvAsDuration("TRIGGERD_CATCHUP_WINDOW", 24*time.Hour),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid log format: %s (must be json or text)", c.Logging.Format)
	}
	if c.Redis.Enabled && c.Redis.URL == "" {
		return fmt.Errorf("redis URL is required when redis is enabled")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
