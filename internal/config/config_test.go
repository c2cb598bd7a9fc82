package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := load(filepath.Join(dir, ".env"), filepath.Join(dir, "config.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DBDriver != "sqlite" || cfg.Port != "8000" || cfg.FreeTierCredits != 100 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.BalanceCacheTTL != 30*time.Second {
		t.Fatalf("BalanceCacheTTL = %s", cfg.BalanceCacheTTL)
	}
	if cfg.ReconcileSchedule != "@every 5m" {
		t.Fatalf("ReconcileSchedule = %q", cfg.ReconcileSchedule)
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "http://localhost:3000" {
		t.Fatalf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	yamlFile := filepath.Join(dir, "config.yaml")
	write(t, envFile, "DEFAULT_LANG=id\n")
	write(t, yamlFile, "port: \"9000\"\nfree_tier_credits: 50\nlog_level: debug\n")
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("BALANCE_CACHE_TTL", "2m")
	t.Cleanup(func() { os.Unsetenv("DEFAULT_LANG") })

	cfg, err := load(envFile, yamlFile)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DefaultLang != "id" {
		t.Fatalf("DefaultLang = %q; want value from .env", cfg.DefaultLang)
	}
	if cfg.Port != "9000" || cfg.FreeTierCredits != 50 {
		t.Fatalf("yaml values not applied: %+v", cfg)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("LogLevel = %q; environment should win", cfg.LogLevel)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example" {
		t.Fatalf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
	if cfg.BalanceCacheTTL != 2*time.Minute {
		t.Fatalf("BalanceCacheTTL = %s", cfg.BalanceCacheTTL)
	}
}

func TestLoadRejects(t *testing.T) {
	cases := []struct {
		name, key, value string
	}{
		{"driver", "DB_DRIVER", "mysql"},
		{"backend", "SUBMIT_BACKEND", "kafka"},
		{"amqp without url", "SUBMIT_BACKEND", "amqp"},
		{"negative credits", "FREE_TIER_CREDITS", "-1"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			dir := t.TempDir()
			t.Setenv(c.key, c.value)
			if _, err := load(filepath.Join(dir, ".env"), filepath.Join(dir, "config.yaml")); err == nil {
				t.Fatalf("expected error for %s=%s", c.key, c.value)
			}
		})
	}
}

func write(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
}
