package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

func setupTestEnv(t *testing.T) func() {
	keys := []string{
		"PORT", "STORE_ADDR", "STORE_PASSWORD", "GO_ENV", "LOG_LEVEL",
		"PRESENCE_TTL_MS", "PRESENCE_REAPER_INTERVAL_MS", "PRESENCE_REAPER_LOOKBACK_MS",
		"PRESENCE_EVENT_NAME", "RATE_LIMIT_WS_IP", "RATE_LIMIT_WS_USER",
		"ALLOWED_ORIGINS", "OTEL_ENABLED", "OTEL_COLLECTOR_ADDR",
	}
	orig := make(map[string]string, len(keys))
	for _, k := range keys {
		orig[k] = os.Getenv(k)
		os.Unsetenv(k)
	}
	return func() {
		for _, k := range keys {
			if v := orig[k]; v != "" {
				os.Setenv(k, v)
			} else {
				os.Unsetenv(k)
			}
		}
	}
}

func TestValidateEnv_ValidConfiguration(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("PORT", "8080")
	os.Setenv("STORE_ADDR", "localhost:6379")

	cfg, err := ValidateEnv()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("expected port 8080, got %s", cfg.Port)
	}
	if cfg.StoreAddr != "localhost:6379" {
		t.Errorf("expected store addr localhost:6379, got %s", cfg.StoreAddr)
	}
	if cfg.TTL != 30*time.Second {
		t.Errorf("expected default ttl 30s, got %v", cfg.TTL)
	}
	if cfg.ReaperInterval != 3*time.Second {
		t.Errorf("expected default reaper interval 3s, got %v", cfg.ReaperInterval)
	}
	if cfg.ReaperLookback != 60*time.Second {
		t.Errorf("expected default reaper lookback 2xTTL=60s, got %v", cfg.ReaperLookback)
	}
	if cfg.EventName != "presence:event" {
		t.Errorf("expected default event name presence:event, got %s", cfg.EventName)
	}
}

func TestValidateEnv_MissingPort(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	_, err := ValidateEnv()
	if err == nil {
		t.Fatal("expected error for missing PORT")
	}
	if !strings.Contains(err.Error(), "PORT is required") {
		t.Errorf("expected PORT error, got: %v", err)
	}
}

func TestValidateEnv_InvalidPort(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("PORT", "not-a-port")
	_, err := ValidateEnv()
	if err == nil {
		t.Fatal("expected error for invalid PORT")
	}
}

func TestValidateEnv_DefaultsStoreAddrWhenUnset(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("PORT", "8080")
	cfg, err := ValidateEnv()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if cfg.StoreAddr != "localhost:6379" {
		t.Errorf("expected default store addr, got %s", cfg.StoreAddr)
	}
}

func TestValidateEnv_InvalidStoreAddr(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("PORT", "8080")
	os.Setenv("STORE_ADDR", "no-port-here")
	_, err := ValidateEnv()
	if err == nil {
		t.Fatal("expected error for malformed STORE_ADDR")
	}
}

func TestValidateEnv_CustomTunables(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("PORT", "8080")
	os.Setenv("PRESENCE_TTL_MS", "5000")
	os.Setenv("PRESENCE_REAPER_INTERVAL_MS", "1000")
	os.Setenv("PRESENCE_REAPER_LOOKBACK_MS", "2000")
	os.Setenv("PRESENCE_EVENT_NAME", "custom:event")

	cfg, err := ValidateEnv()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if cfg.TTL != 5*time.Second {
		t.Errorf("expected ttl 5s, got %v", cfg.TTL)
	}
	if cfg.ReaperInterval != 1*time.Second {
		t.Errorf("expected reaper interval 1s, got %v", cfg.ReaperInterval)
	}
	if cfg.ReaperLookback != 2*time.Second {
		t.Errorf("expected reaper lookback 2s, got %v", cfg.ReaperLookback)
	}
	if cfg.EventName != "custom:event" {
		t.Errorf("expected custom event name, got %s", cfg.EventName)
	}
}

func TestValidateEnv_InvalidTunable(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("PORT", "8080")
	os.Setenv("PRESENCE_TTL_MS", "not-a-number")
	_, err := ValidateEnv()
	if err == nil {
		t.Fatal("expected error for non-numeric PRESENCE_TTL_MS")
	}
}
