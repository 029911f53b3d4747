package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "drover.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Limits.MaxMessagesPerHour != 10 {
		t.Errorf("max_messages_per_hour = %d, want 10", cfg.Limits.MaxMessagesPerHour)
	}
	if cfg.Supervisor.MaxRestartAttempts != 5 {
		t.Errorf("max_restart_attempts = %d, want 5", cfg.Supervisor.MaxRestartAttempts)
	}
	if cfg.Proxy.ChatNotFoundThreshold != 40.0 {
		t.Errorf("chat_not_found_threshold = %v, want 40", cfg.Proxy.ChatNotFoundThreshold)
	}
	if cfg.Redis.Enabled() {
		t.Error("redis should be disabled by default")
	}
}

func TestLoadPartialFileKeepsDefaults(t *testing.T) {
	path := writeConfig(t, `
limits:
  max_messages_per_hour: 25
proxy:
  unblock_tasks_on_rotate: false
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Limits.MaxMessagesPerHour != 25 {
		t.Errorf("max_messages_per_hour = %d, want 25", cfg.Limits.MaxMessagesPerHour)
	}
	if cfg.Proxy.UnblockTasksOnRotate {
		t.Error("unblock_tasks_on_rotate should be overridden to false")
	}
	if cfg.Retry.MaxAttemptsBeforeBlock != 3 {
		t.Errorf("untouched default changed: %d", cfg.Retry.MaxAttemptsBeforeBlock)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
database:
  dsn: postgres://file/db
`)
	t.Setenv("DROVER_POSTGRES_DSN", "postgres://env/db")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.DSN != "postgres://env/db" {
		t.Errorf("dsn = %s, want env value", cfg.Database.DSN)
	}
}

func TestSendBudgetSumsDriverTimeouts(t *testing.T) {
	cfg := Default()
	want := 120 * time.Second // page load 60 + search 30 + send 30
	if got := cfg.Timeouts.SendBudget(); got != want {
		t.Errorf("send budget = %s, want %s", got, want)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero hourly limit", func(c *Config) { c.Limits.MaxMessagesPerHour = 0 }},
		{"randomness too high", func(c *Config) { c.Limits.DelayRandomness = 1.0 }},
		{"empty dsn", func(c *Config) { c.Database.DSN = "" }},
		{"threshold over 100", func(c *Config) { c.Proxy.ChatNotFoundThreshold = 150 }},
		{"cap below base", func(c *Config) { c.Supervisor.RestartCapSeconds = 1 }},
	}
	for _, tc := range cases {
		cfg := Default()
		tc.mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: validate accepted bad config", tc.name)
		}
	}
}
