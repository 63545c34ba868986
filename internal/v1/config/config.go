// Package config validates and loads environment configuration for the presence
// fabric: the backing store connection plus the tunables named in spec §6.3.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds validated environment configuration.
type Config struct {
	// Port is required; StoreAddr defaults to localhost:6379 when unset
	Port      string
	StoreAddr string

	// Optional variables with defaults
	GoEnv         string
	LogLevel      string
	StorePassword string

	// Presence tunables (spec §6.3)
	TTL            time.Duration
	ReaperInterval time.Duration
	ReaperLookback time.Duration
	EventName      string

	// Rate limits (ambient, transport-layer only)
	RateLimitWsIP   string
	RateLimitWsUser string

	AllowedOrigins string

	// Tracing
	OtelCollectorAddr      string
	OtelEnabled            bool
	OtelInsecureSkipVerify bool
}

// ValidateEnv validates all required environment variables and returns a Config.
// Returns an error describing every problem found, not just the first one.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errs = append(errs, "PORT is required")
	} else {
		port, err := strconv.Atoi(cfg.Port)
		if err != nil || port < 1 || port > 65535 {
			errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
		}
	}

	cfg.StoreAddr = os.Getenv("STORE_ADDR")
	if cfg.StoreAddr == "" {
		cfg.StoreAddr = "localhost:6379"
		slog.Warn("STORE_ADDR not set, using default", "addr", cfg.StoreAddr)
	} else if !isValidHostPort(cfg.StoreAddr) {
		errs = append(errs, fmt.Sprintf("STORE_ADDR must be in format 'host:port' (got '%s')", cfg.StoreAddr))
	}
	cfg.StorePassword = os.Getenv("STORE_PASSWORD")

	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	cfg.TTL = durationFromMsEnv("PRESENCE_TTL_MS", 30_000, &errs)
	cfg.ReaperInterval = durationFromMsEnv("PRESENCE_REAPER_INTERVAL_MS", 3_000, &errs)
	cfg.ReaperLookback = durationFromMsEnv("PRESENCE_REAPER_LOOKBACK_MS", 2*cfg.TTL.Milliseconds(), &errs)
	cfg.EventName = getEnvOrDefault("PRESENCE_EVENT_NAME", "presence:event")

	cfg.RateLimitWsIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M")
	cfg.RateLimitWsUser = getEnvOrDefault("RATE_LIMIT_WS_USER", "10-M")

	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	cfg.OtelEnabled = os.Getenv("OTEL_ENABLED") == "true"
	cfg.OtelCollectorAddr = getEnvOrDefault("OTEL_COLLECTOR_ADDR", "localhost:4317")
	cfg.OtelInsecureSkipVerify = os.Getenv("OTEL_INSECURE_SKIP_VERIFY") == "true"

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidatedConfig(cfg)
	return cfg, nil
}

// durationFromMsEnv reads a millisecond integer from the environment, falling back
// to defaultMs, and records a validation error if the value isn't a valid integer.
func durationFromMsEnv(key string, defaultMs int64, errs *[]string) time.Duration {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return time.Duration(defaultMs) * time.Millisecond
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms < 0 {
		*errs = append(*errs, fmt.Sprintf("%s must be a non-negative integer (got '%s')", key, raw))
		return time.Duration(defaultMs) * time.Millisecond
	}
	return time.Duration(ms) * time.Millisecond
}

func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}
	return parts[0] != ""
}

func logValidatedConfig(cfg *Config) {
	slog.Info("environment configuration validated",
		"port", cfg.Port,
		"store_addr", cfg.StoreAddr,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"ttl_ms", cfg.TTL.Milliseconds(),
		"reaper_interval_ms", cfg.ReaperInterval.Milliseconds(),
		"reaper_lookback_ms", cfg.ReaperLookback.Milliseconds(),
		"event_name", cfg.EventName,
		"otel_enabled", cfg.OtelEnabled,
	)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
