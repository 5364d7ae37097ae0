package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// writeTempConfig creates a minimal configuration file required for LoadConfig
// and returns its path.
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "cfg-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close temp file: %v", err)
	}
	return f.Name()
}

const minimalConfig = `app:
  name: "TestApp"
  version: "1.0"
venue:
  app_id: "1089"
ticks:
  buffer_size: 5
  stale_after: 2s
  unavailable_after: 4s
`

func TestLoadConfig(t *testing.T) {
	t.Setenv("APP_ENV", "")
	path := writeTempConfig(t, minimalConfig)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.App.Name != "TestApp" {
		t.Errorf("unexpected name: %s", cfg.App.Name)
	}
	if cfg.Ticks.BufferSize != 5 {
		t.Errorf("unexpected buffer size: %d", cfg.Ticks.BufferSize)
	}
	if cfg.Ticks.StaleAfter != 2*time.Second {
		t.Errorf("unexpected stale_after: %s", cfg.Ticks.StaleAfter)
	}
	// untouched sections keep their defaults
	if cfg.Ticks.MonitorInterval != time.Second {
		t.Errorf("expected default monitor interval, got %s", cfg.Ticks.MonitorInterval)
	}
	if cfg.Strategy.PayoutRatio != 0.95 {
		t.Errorf("expected default payout ratio, got %v", cfg.Strategy.PayoutRatio)
	}
	if len(cfg.Venue.TickStreamPrefixes) == 0 {
		t.Errorf("expected default tick stream prefixes")
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("APP_ENV", "")
	t.Setenv("VENUE_APP_ID", "4242")
	t.Setenv("TELEGRAM_CHAT_ID", "-100")
	path := writeTempConfig(t, minimalConfig)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Venue.AppID != "4242" {
		t.Errorf("expected env app id, got %s", cfg.Venue.AppID)
	}
	if cfg.Secrets.TelegramChatID != "-100" {
		t.Errorf("expected chat id from env, got %q", cfg.Secrets.TelegramChatID)
	}
}

func TestLoadConfigRequiresTokenInProduction(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	t.Setenv("VENUE_API_TOKEN", "")
	path := writeTempConfig(t, minimalConfig)

	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected missing token error in production")
	}
}

func TestValidateConfigErrors(t *testing.T) {
	cases := map[string]func(*Config){
		"missing name":        func(c *Config) { c.App.Name = "" },
		"http venue url":      func(c *Config) { c.Venue.URL = "http://example.com" },
		"missing app id":      func(c *Config) { c.Venue.AppID = "" },
		"zero buffer":         func(c *Config) { c.Ticks.BufferSize = 0 },
		"inverted thresholds": func(c *Config) { c.Ticks.UnavailableAfter = time.Second; c.Ticks.StaleAfter = 2 * time.Second },
		"archive no bucket":   func(c *Config) { c.Archive.Enabled = true; c.Archive.Region = "eu-west-1" },
	}
	t.Setenv("APP_ENV", "")
	for name, mutate := range cases {
		cfg := defaults()
		cfg.App = AppConfig{Name: "x", Version: "1"}
		cfg.Venue.AppID = "1"
		mutate(&cfg)
		if err := validateConfig(&cfg); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestResolveConfigPath(t *testing.T) {
	dir := t.TempDir()
	def := filepath.Join(dir, "config.yml")
	staging := filepath.Join(dir, "config.staging.yml")
	if err := os.WriteFile(staging, []byte("app: {}"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	t.Setenv("APP_ENV", "stag")
	if got := ResolveConfigPath(def, def); got != staging {
		t.Fatalf("ResolveConfigPath = %q, want %q", got, staging)
	}
	if got := ResolveConfigPath("custom.yml", def); got != "custom.yml" {
		t.Fatalf("explicit path should win, got %q", got)
	}
}

func TestIsValidS3Bucket(t *testing.T) {
	cases := []struct {
		name  string
		valid bool
	}{
		{"valid-bucket", true},
		{"Invalid", false},
		{"ab", false},
		{"my..bucket", false},
	}
	for _, c := range cases {
		if got := isValidS3Bucket(c.name); got != c.valid {
			t.Errorf("isValidS3Bucket(%q) = %v, want %v", c.name, got, c.valid)
		}
	}
}
