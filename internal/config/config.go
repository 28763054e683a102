// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds the relay server configuration.
type Config struct {
	Port           string
	FrontendURL    string
	DBPath         string
	JWTSecret      string
	JWTIssuer      string
	AccessTokenTTL time.Duration
	Admin          AdminConfig
	Retry          RetryConfig
	Timeout        TimeoutConfig
}

// AdminConfig describes the bootstrap administrator account.
type AdminConfig struct {
	Email    string
	Password string
	FullName string
}

// RetryConfig controls retries of SQLite writes that hit SQLITE_BUSY.
type RetryConfig struct {
	DatabaseMaxRetries     int
	DatabaseRetryBaseDelay time.Duration
}

// TimeoutConfig holds request-scoped timeouts.
type TimeoutConfig struct {
	HealthCheck time.Duration
	WSWrite     time.Duration
	WSPing      time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		FrontendURL:    getEnv("FRONTEND_URL", ""),
		DBPath:         getEnv("DB_PATH", "./data/alsin.db"),
		JWTSecret:      getEnv("JWT_SECRET", ""),
		JWTIssuer:      getEnv("JWT_ISSUER", "alsin"),
		AccessTokenTTL: getEnvDuration("ACCESS_TOKEN_TTL", 30*time.Minute),
		Admin: AdminConfig{
			Email:    getEnv("ADMIN_EMAIL", ""),
			Password: getEnv("ADMIN_PASSWORD", ""),
			FullName: getEnv("ADMIN_FULL_NAME", "Administrator"),
		},
		Retry: RetryConfig{
			DatabaseMaxRetries:     getEnvInt("DB_MAX_RETRIES", 3),
			DatabaseRetryBaseDelay: getEnvDuration("DB_RETRY_BASE_DELAY", 50*time.Millisecond),
		},
		Timeout: TimeoutConfig{
			HealthCheck: getEnvDuration("HEALTH_CHECK_TIMEOUT", 5*time.Second),
			WSWrite:     getEnvDuration("WS_WRITE_TIMEOUT", 10*time.Second),
			WSPing:      getEnvDuration("WS_PING_INTERVAL", 30*time.Second),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if len(c.JWTSecret) < 16 {
		return fmt.Errorf("JWT_SECRET must be at least 16 characters")
	}
	if c.AccessTokenTTL <= 0 {
		return fmt.Errorf("ACCESS_TOKEN_TTL must be > 0")
	}
	if (c.Admin.Email == "") != (c.Admin.Password == "") {
		return fmt.Errorf("ADMIN_EMAIL and ADMIN_PASSWORD must be set together")
	}
	if c.Retry.DatabaseMaxRetries <= 0 {
		return fmt.Errorf("DB_MAX_RETRIES must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// ClientConfig holds the command line client configuration.
type ClientConfig struct {
	APIURL         string
	CredentialPath string
	HTTPTimeout    time.Duration
	Reconnect      ReconnectConfig
}

// ReconnectConfig bounds live channel reconnect attempts.
type ReconnectConfig struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// LoadClient reads client configuration from environment variables.
func LoadClient() (*ClientConfig, error) {
	cfg := &ClientConfig{
		APIURL:         strings.TrimRight(getEnv("ALSIN_API_URL", "http://localhost:8080"), "/"),
		CredentialPath: getEnv("ALSIN_CREDENTIAL_PATH", defaultCredentialPath()),
		HTTPTimeout:    getEnvDuration("ALSIN_HTTP_TIMEOUT", 15*time.Second),
		Reconnect: ReconnectConfig{
			BaseDelay:   getEnvDuration("ALSIN_RECONNECT_BASE", 500*time.Millisecond),
			MaxDelay:    getEnvDuration("ALSIN_RECONNECT_MAX", 10*time.Second),
			MaxAttempts: getEnvInt("ALSIN_RECONNECT_ATTEMPTS", 5),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the client configuration.
func (c *ClientConfig) Validate() error {
	if !strings.HasPrefix(c.APIURL, "http://") && !strings.HasPrefix(c.APIURL, "https://") {
		return fmt.Errorf("ALSIN_API_URL must be an http(s) URL")
	}
	if c.CredentialPath == "" {
		return fmt.Errorf("ALSIN_CREDENTIAL_PATH cannot be empty")
	}
	if c.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("ALSIN_RECONNECT_ATTEMPTS must be >= 0")
	}
	if c.Reconnect.BaseDelay <= 0 || c.Reconnect.MaxDelay < c.Reconnect.BaseDelay {
		return fmt.Errorf("ALSIN_RECONNECT_BASE must be > 0 and <= ALSIN_RECONNECT_MAX")
	}
	return nil
}

func defaultCredentialPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(".alsin", "credential")
	}
	return filepath.Join(dir, "alsin", "credential")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
