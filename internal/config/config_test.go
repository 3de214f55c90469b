package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
cloud:
  username: user@example.com
  password: hunter2
mqtt:
  host: broker.local
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Cloud.Timeout.Duration() != 45*time.Second {
		t.Errorf("cloud timeout = %v, want 45s", cfg.Cloud.Timeout.Duration())
	}
	if cfg.Cloud.RateLimit != 0.5 {
		t.Errorf("rate limit = %v, want 0.5", cfg.Cloud.RateLimit)
	}
	if cfg.Cloud.TokenMargin.Duration() != 5*time.Minute {
		t.Errorf("token margin = %v, want 5m", cfg.Cloud.TokenMargin.Duration())
	}
	if cfg.Reconciler.PollInterval.Duration() != 60*time.Second {
		t.Errorf("poll interval = %v, want 60s", cfg.Reconciler.PollInterval.Duration())
	}
	if cfg.Reconciler.MaxAttempts != 3 {
		t.Errorf("max attempts = %d, want 3", cfg.Reconciler.MaxAttempts)
	}
	if cfg.Directory.RefreshInterval.Duration() != 15*time.Minute {
		t.Errorf("directory refresh = %v, want 15m", cfg.Directory.RefreshInterval.Duration())
	}
	if cfg.MQTT.Port != 1883 {
		t.Errorf("mqtt port = %d, want 1883", cfg.MQTT.Port)
	}
	if cfg.MQTT.TopicPrefix != "kumobridge" || cfg.MQTT.DiscoveryPrefix != "homeassistant" {
		t.Errorf("topic prefixes = %q/%q", cfg.MQTT.TopicPrefix, cfg.MQTT.DiscoveryPrefix)
	}
	if cfg.DisplayUnit != "celsius" {
		t.Errorf("display unit = %q, want celsius", cfg.DisplayUnit)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("log level = %q, want info", cfg.Log.Level)
	}
	if cfg.Healthcheck.Port != 9090 {
		t.Errorf("healthcheck port = %d, want 9090", cfg.Healthcheck.Port)
	}
}

func TestLoadExplicitValues(t *testing.T) {
	path := writeConfig(t, `
cloud:
  username: user@example.com
  password: hunter2
  timeout: 10s
  rate_limit: 2.0
display_unit: fahrenheit
reconciler:
  poll_interval: 30s
  max_attempts: 5
  backoff_base: 1s
  backoff_max: 10s
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Cloud.Timeout.Duration() != 10*time.Second {
		t.Errorf("timeout = %v, want 10s", cfg.Cloud.Timeout.Duration())
	}
	if cfg.Cloud.RateLimit != 2.0 {
		t.Errorf("rate limit = %v, want 2.0", cfg.Cloud.RateLimit)
	}
	if cfg.DisplayUnit != "fahrenheit" {
		t.Errorf("display unit = %q", cfg.DisplayUnit)
	}
	if cfg.Reconciler.MaxAttempts != 5 {
		t.Errorf("max attempts = %d, want 5", cfg.Reconciler.MaxAttempts)
	}
	if cfg.Reconciler.BackoffMax.Duration() != 10*time.Second {
		t.Errorf("backoff max = %v, want 10s", cfg.Reconciler.BackoffMax.Duration())
	}
}

func TestLoadRequiresCredentials(t *testing.T) {
	path := writeConfig(t, `
mqtt:
  host: broker.local
`)

	if _, err := Load(path); err == nil {
		t.Error("Load() accepted config without credentials")
	}
}

func TestLoadRejectsInvalidDisplayUnit(t *testing.T) {
	path := writeConfig(t, `
cloud:
  username: u
  password: p
display_unit: kelvin
`)

	if _, err := Load(path); err == nil {
		t.Error("Load() accepted invalid display unit")
	}
}

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("KUMO_PASSWORD", "secret-from-env")

	path := writeConfig(t, `
cloud:
  username: user@example.com
  password: ${KUMO_PASSWORD}
database:
  path: ${KUMO_DB:./fallback.sqlite}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Cloud.Password != "secret-from-env" {
		t.Errorf("password = %q, want env value", cfg.Cloud.Password)
	}
	if cfg.Database.Path != "./fallback.sqlite" {
		t.Errorf("database path = %q, want default fallback", cfg.Database.Path)
	}
}
