// Package config loads application configuration from environment
// variables, with an optional .env file for local development.
package config

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/studypath/calsync/internal/validator"
)

var (
	ErrMissingConfig     = errors.New("missing required configuration")
	ErrInvalidConfig     = errors.New("invalid configuration value")
	ErrEncryptionKeySize = errors.New("encryption key must be exactly 32 bytes (64 hex characters)")
	ErrValidationFailed  = errors.New("configuration validation failed")
)

// Environment represents the deployment environment.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvProduction  Environment = "production"
)

// Config holds all application configuration.
type Config struct {
	Server       ServerConfig
	Google       GoogleConfig
	Security     SecurityConfig
	Database     DatabaseConfig
	RateLimiting RateLimitConfig
	Sync         SyncConfig
}

// SecurityConfig holds security-related configuration.
type SecurityConfig struct {
	EncryptionKey []byte
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port        int
	BaseURL     string
	Environment Environment
}

// GoogleConfig holds Google Calendar API credentials and the webhook
// callback base URL push channels are registered against.
type GoogleConfig struct {
	ClientID       string
	ClientSecret   string
	WebhookBaseURL string
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path string
}

// RateLimitConfig holds rate limiting configuration. HTTP covers the API
// surface; Provider covers outbound Google Calendar calls per sync run.
type RateLimitConfig struct {
	HTTPRPS       float64
	HTTPBurst     int
	ProviderRPS   float64
	ProviderBurst int
}

// SyncConfig holds sync engine tunables.
type SyncConfig struct {
	Workers       int
	Interval      time.Duration
	LeaseTTL      time.Duration
	PageSize      int
	LogRetention  time.Duration
	TitleDistance int
	TimeTolerance time.Duration
}

// Load loads configuration from environment variables.
// It attempts to load from .env file first, but continues if not found.
func Load() (*Config, error) {
	// Attempt to load .env file (ignore error if not found)
	_ = godotenv.Load() //nolint:errcheck // Intentionally ignore - .env file is optional

	cfg := &Config{}

	// Server configuration
	port, err := getEnvInt("PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("%w: PORT: %w", ErrInvalidConfig, err)
	}
	cfg.Server.Port = port
	cfg.Server.BaseURL = getEnvRequired("BASE_URL")
	cfg.Server.Environment = Environment(strings.ToLower(getEnv("ENVIRONMENT", "production")))

	// Google Calendar configuration
	cfg.Google.ClientID = getEnvRequired("GOOGLE_CLIENT_ID")
	cfg.Google.ClientSecret = getEnvRequired("GOOGLE_CLIENT_SECRET")
	cfg.Google.WebhookBaseURL = getEnv("WEBHOOK_BASE_URL", cfg.Server.BaseURL)

	// Security configuration
	encKeyHex := getEnvRequired("ENCRYPTION_KEY")
	if encKeyHex != "" {
		encKey, err := hex.DecodeString(encKeyHex)
		if err != nil {
			return nil, fmt.Errorf("%w: ENCRYPTION_KEY: invalid hex: %w", ErrInvalidConfig, err)
		}
		if len(encKey) != 32 {
			return nil, ErrEncryptionKeySize
		}
		cfg.Security.EncryptionKey = encKey
	}

	// Database configuration
	cfg.Database.Path = getEnv("DATABASE_PATH", "./data/calsync.db")

	// Rate limiting configuration
	httpRPS, err := getEnvFloat("RATE_LIMIT_RPS", 10.0)
	if err != nil {
		return nil, fmt.Errorf("%w: RATE_LIMIT_RPS: %w", ErrInvalidConfig, err)
	}
	cfg.RateLimiting.HTTPRPS = httpRPS

	httpBurst, err := getEnvInt("RATE_LIMIT_BURST", 20)
	if err != nil {
		return nil, fmt.Errorf("%w: RATE_LIMIT_BURST: %w", ErrInvalidConfig, err)
	}
	cfg.RateLimiting.HTTPBurst = httpBurst

	providerRPS, err := getEnvFloat("PROVIDER_RATE_LIMIT_RPS", 5.0)
	if err != nil {
		return nil, fmt.Errorf("%w: PROVIDER_RATE_LIMIT_RPS: %w", ErrInvalidConfig, err)
	}
	cfg.RateLimiting.ProviderRPS = providerRPS

	providerBurst, err := getEnvInt("PROVIDER_RATE_LIMIT_BURST", 10)
	if err != nil {
		return nil, fmt.Errorf("%w: PROVIDER_RATE_LIMIT_BURST: %w", ErrInvalidConfig, err)
	}
	cfg.RateLimiting.ProviderBurst = providerBurst

	// Sync engine configuration
	workers, err := getEnvInt("SYNC_WORKERS", 4)
	if err != nil {
		return nil, fmt.Errorf("%w: SYNC_WORKERS: %w", ErrInvalidConfig, err)
	}
	cfg.Sync.Workers = workers

	intervalSecs, err := getEnvInt("SYNC_INTERVAL_SECS", 300)
	if err != nil {
		return nil, fmt.Errorf("%w: SYNC_INTERVAL_SECS: %w", ErrInvalidConfig, err)
	}
	cfg.Sync.Interval = time.Duration(intervalSecs) * time.Second

	leaseSecs, err := getEnvInt("SYNC_LEASE_TTL_SECS", 600)
	if err != nil {
		return nil, fmt.Errorf("%w: SYNC_LEASE_TTL_SECS: %w", ErrInvalidConfig, err)
	}
	cfg.Sync.LeaseTTL = time.Duration(leaseSecs) * time.Second

	pageSize, err := getEnvInt("SYNC_PAGE_SIZE", 250)
	if err != nil {
		return nil, fmt.Errorf("%w: SYNC_PAGE_SIZE: %w", ErrInvalidConfig, err)
	}
	cfg.Sync.PageSize = pageSize

	retentionDays, err := getEnvInt("SYNC_LOG_RETENTION_DAYS", 30)
	if err != nil {
		return nil, fmt.Errorf("%w: SYNC_LOG_RETENTION_DAYS: %w", ErrInvalidConfig, err)
	}
	cfg.Sync.LogRetention = time.Duration(retentionDays) * 24 * time.Hour

	titleDistance, err := getEnvInt("DUPLICATE_TITLE_DISTANCE", 2)
	if err != nil {
		return nil, fmt.Errorf("%w: DUPLICATE_TITLE_DISTANCE: %w", ErrInvalidConfig, err)
	}
	cfg.Sync.TitleDistance = titleDistance

	toleranceSecs, err := getEnvInt("DUPLICATE_TIME_TOLERANCE_SECS", 300)
	if err != nil {
		return nil, fmt.Errorf("%w: DUPLICATE_TIME_TOLERANCE_SECS: %w", ErrInvalidConfig, err)
	}
	cfg.Sync.TimeTolerance = time.Duration(toleranceSecs) * time.Second

	// Check for missing required configuration
	missing := cfg.getMissingRequired()
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingConfig, strings.Join(missing, ", "))
	}

	return cfg, nil
}

// getMissingRequired returns a list of missing required configuration values.
func (c *Config) getMissingRequired() []string {
	var missing []string

	if c.Server.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}
	if c.Google.ClientID == "" {
		missing = append(missing, "GOOGLE_CLIENT_ID")
	}
	if c.Google.ClientSecret == "" {
		missing = append(missing, "GOOGLE_CLIENT_SECRET")
	}
	if len(c.Security.EncryptionKey) == 0 {
		missing = append(missing, "ENCRYPTION_KEY")
	}

	return missing
}

// Validate validates URL configuration.
func (c *Config) Validate(ctx context.Context) error {
	opts := []validator.Option{}
	if c.IsDevelopment() {
		opts = append(opts, validator.WithAllowPrivateIPs())
	}
	v := validator.New(opts...)

	// Validate base URL format
	if err := v.ValidateURL(c.Server.BaseURL, c.IsProduction()); err != nil {
		return fmt.Errorf("%w: BASE_URL: %w", ErrValidationFailed, err)
	}

	// Google rejects watch registrations against non-HTTPS callbacks
	if c.IsProduction() {
		if err := v.ValidateWebhookURL(c.Google.WebhookBaseURL); err != nil {
			return fmt.Errorf("%w: WEBHOOK_BASE_URL: %w", ErrValidationFailed, err)
		}
	}

	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Server.Environment == EnvDevelopment
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Server.Environment == EnvProduction
}

// getEnv returns the value of an environment variable or a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvRequired returns the value of an environment variable.
// Returns empty string if not set (caller should check for required values).
func getEnvRequired(key string) string {
	return os.Getenv(key)
}

// getEnvInt returns the integer value of an environment variable or a default.
func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid integer: %w", err)
	}
	return parsed, nil
}

// getEnvFloat returns the float value of an environment variable or a default.
func getEnvFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float: %w", err)
	}
	return parsed, nil
}
