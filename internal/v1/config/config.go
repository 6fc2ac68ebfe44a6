package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds validated environment configuration
type Config struct {
	Port                 string
	ShutdownTimeout      time.Duration
	MaxReconnectAttempts int
	HeartbeatInterval    time.Duration
	ConnectionTimeout    time.Duration
	LogLevel             string
	GoEnv                string

	// Rate Limits
	RateLimitWsIP string

	// Tracing (optional; empty disables the exporter)
	OTLPEndpoint string
}

// DevelopmentMode reports whether the process runs with the development profile.
func (c *Config) DevelopmentMode() bool {
	return c.GoEnv == "development"
}

// ValidateEnv validates all environment variables and returns a Config object.
// Returns an error listing every invalid variable if validation fails.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errors []string

	// PORT (default 3001, must be a valid port number)
	cfg.Port = getEnvOrDefault("PORT", "3001")
	if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
	}

	// SHUTDOWN_TIMEOUT_MS (default 30000, must be >= 0)
	if ms, err := envMillis("SHUTDOWN_TIMEOUT_MS", 30000); err != nil {
		errors = append(errors, err.Error())
	} else {
		cfg.ShutdownTimeout = ms
	}

	// MAX_RECONNECT_ATTEMPTS (default 5)
	maxAttempts := getEnvOrDefault("MAX_RECONNECT_ATTEMPTS", "5")
	if n, err := strconv.Atoi(maxAttempts); err != nil || n < 0 {
		errors = append(errors, fmt.Sprintf("MAX_RECONNECT_ATTEMPTS must be a non-negative integer (got '%s')", maxAttempts))
	} else {
		cfg.MaxReconnectAttempts = n
	}

	// HEARTBEAT_INTERVAL (default 30000 ms)
	if ms, err := envMillis("HEARTBEAT_INTERVAL", 30000); err != nil {
		errors = append(errors, err.Error())
	} else {
		cfg.HeartbeatInterval = ms
	}

	// CONNECTION_TIMEOUT (default 10000 ms) applies to the upstream handshake
	if ms, err := envMillis("CONNECTION_TIMEOUT", 10000); err != nil {
		errors = append(errors, err.Error())
	} else {
		cfg.ConnectionTimeout = ms
	}

	// LOG_LEVEL (default "info")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	// GO_ENV (default "production")
	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	switch cfg.GoEnv {
	case "development", "production", "test":
	default:
		errors = append(errors, fmt.Sprintf("GO_ENV must be one of development, production, test (got '%s')", cfg.GoEnv))
	}

	// Rate limits (M = Minute)
	cfg.RateLimitWsIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M")

	cfg.OTLPEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")

	// If there are validation errors, return them
	if len(errors) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	logValidatedConfig(cfg)

	return cfg, nil
}

// envMillis reads a millisecond-valued environment variable with a default.
func envMillis(key string, def int) (time.Duration, error) {
	raw := getEnvOrDefault(key, strconv.Itoa(def))
	ms, err := strconv.Atoi(raw)
	if err != nil || ms < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer of milliseconds (got '%s')", key, raw)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// logValidatedConfig logs the validated configuration
func logValidatedConfig(cfg *Config) {
	slog.Info("✅ Environment configuration validated successfully")
	slog.Info("Configuration",
		"port", cfg.Port,
		"shutdown_timeout", cfg.ShutdownTimeout,
		"max_reconnect_attempts", cfg.MaxReconnectAttempts,
		"heartbeat_interval", cfg.HeartbeatInterval,
		"connection_timeout", cfg.ConnectionTimeout,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"rate_limit_ws_ip", cfg.RateLimitWsIP,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
