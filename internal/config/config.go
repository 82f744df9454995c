// Package config provides application configuration loading from environment variables and .env files.
// It uses viper for flexible configuration management with sensible defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config holds all application configuration loaded from environment variables or .env file.
// Configuration priority: environment variables > .env file > defaults.
type Config struct {
	AppEnv         string        // Application environment (dev, staging, prod)
	HTTPAddr       string        // HTTP server bind address (e.g., ":8080")
	MetricsAddr    string        // Metrics/pprof server bind address
	LogLevel       string        // zerolog level (debug, info, warn, error)
	AccountID      int           // Account the settings snapshot belongs to
	SettingsFile   string        // Path to the settings snapshot JSON
	StoreType      string        // Decision storage backend (memory, redis or postgres)
	RedisURL       string        // Redis connection URL when STORE_TYPE=redis
	DatabaseDSN    string        // PostgreSQL connection string when STORE_TYPE=postgres
	GatewayURL     string        // Edge gateway base URL (empty disables context resolution)
	GatewayAPIKey  string        // Bearer token for the gateway
	ImpressionsURL string        // Analytics collector URL (empty disables impressions)
	RateLimitPerIP int           // Rate limit for evaluation requests per IP
	RequestTimeout time.Duration // Per-request handler timeout
}

// Load reads configuration from environment variables and .env file (if present).
// Environment variables take precedence over .env file values.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env") // Optional; silently ignored if file doesn't exist
	_ = v.ReadInConfig()
	v.AutomaticEnv()

	setConfigDefaults(v)

	return &Config{
		AppEnv:         v.GetString("APP_ENV"),
		HTTPAddr:       v.GetString("HTTP_ADDR"),
		MetricsAddr:    v.GetString("METRICS_ADDR"),
		LogLevel:       v.GetString("LOG_LEVEL"),
		AccountID:      v.GetInt("ACCOUNT_ID"),
		SettingsFile:   v.GetString("SETTINGS_FILE"),
		StoreType:      v.GetString("STORE_TYPE"),
		RedisURL:       v.GetString("REDIS_URL"),
		DatabaseDSN:    v.GetString("DB_DSN"),
		GatewayURL:     v.GetString("GATEWAY_URL"),
		GatewayAPIKey:  v.GetString("GATEWAY_API_KEY"),
		ImpressionsURL: v.GetString("IMPRESSIONS_URL"),
		RateLimitPerIP: v.GetInt("RATE_LIMIT_PER_IP"),
		RequestTimeout: v.GetDuration("REQUEST_TIMEOUT"),
	}, nil
}

func setConfigDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "dev")
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("METRICS_ADDR", ":9090")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("SETTINGS_FILE", "settings.json")
	v.SetDefault("STORE_TYPE", "memory")
	v.SetDefault("RATE_LIMIT_PER_IP", 100)
	v.SetDefault("REQUEST_TIMEOUT", "10s")
}

// ValidationError represents a configuration validation error with details about what failed.
type ValidationError struct {
	Field   string // Name of the configuration field
	Message string // Human-readable error message
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation failed [%s]: %s", e.Field, e.Message)
}

// Validate checks that the configuration is suitable for serving traffic.
// It is intended to be called at startup to fail fast on misconfiguration.
func (c *Config) Validate() error {
	switch c.StoreType {
	case "memory", "redis", "postgres":
	default:
		return ValidationError{
			Field:   "STORE_TYPE",
			Message: fmt.Sprintf("must be 'memory', 'redis' or 'postgres', got '%s'", c.StoreType),
		}
	}

	if c.StoreType == "redis" && c.RedisURL == "" {
		return ValidationError{
			Field:   "REDIS_URL",
			Message: "redis URL is required when STORE_TYPE=redis",
		}
	}

	if c.StoreType == "postgres" && c.DatabaseDSN == "" {
		return ValidationError{
			Field:   "DB_DSN",
			Message: "database DSN is required when STORE_TYPE=postgres",
		}
	}

	if c.HTTPAddr == "" {
		return ValidationError{
			Field:   "HTTP_ADDR",
			Message: "HTTP server address cannot be empty",
		}
	}

	if c.MetricsAddr == "" {
		return ValidationError{
			Field:   "METRICS_ADDR",
			Message: "metrics server address cannot be empty",
		}
	}

	if c.SettingsFile == "" {
		return ValidationError{
			Field:   "SETTINGS_FILE",
			Message: "settings snapshot path cannot be empty",
		}
	}

	if c.AccountID <= 0 {
		return ValidationError{
			Field:   "ACCOUNT_ID",
			Message: "account id must be set to a positive integer",
		}
	}

	if c.RequestTimeout <= 0 {
		return ValidationError{
			Field:   "REQUEST_TIMEOUT",
			Message: "request timeout must be positive",
		}
	}

	return nil
}

// SetupLogging configures the global zerolog logger. Development gets a
// console writer, everything else structured JSON.
func (c *Config) SetupLogging() zerolog.Logger {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var logger zerolog.Logger
	if c.AppEnv == "dev" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
			With().Timestamp().Logger()
	} else {
		logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	log.Logger = logger
	return logger
}
