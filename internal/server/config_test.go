package server

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/openjobspec/ojs-campaigns/internal/core"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Port != "8080" || cfg.GRPCPort != "9090" {
		t.Errorf("ports = %q/%q", cfg.Port, cfg.GRPCPort)
	}
	if cfg.Store != StoreSQLite || cfg.Dispatch != DispatchPool || cfg.Deliverer != DelivererLog {
		t.Errorf("store/dispatch/deliverer = %q/%q/%q", cfg.Store, cfg.Dispatch, cfg.Deliverer)
	}
	if cfg.CampaignWait != 5*time.Second || cfg.RetryInterval != 5*time.Second || cfg.AttemptTimeout != time.Second {
		t.Errorf("wait/interval/timeout = %v/%v/%v", cfg.CampaignWait, cfg.RetryInterval, cfg.AttemptTimeout)
	}
	if cfg.PromoteInterval != 200*time.Millisecond || cfg.SweepSchedule != "@every 1m" {
		t.Errorf("promote/sweep = %v/%q", cfg.PromoteInterval, cfg.SweepSchedule)
	}
	if cfg.Workers != 16 || !cfg.EffectGate {
		t.Errorf("workers/gate = %d/%v", cfg.Workers, cfg.EffectGate)
	}
	if cfg.Level() != core.RetryDurable {
		t.Errorf("level = %q, want durable", cfg.Level())
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("OJS_STORE", "dynamodb")
	t.Setenv("OJS_RETRY_LEVEL", "temporal")
	t.Setenv("OJS_CAMPAIGN_WAIT", "250ms")
	t.Setenv("OJS_EFFECT_GATE", "false")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Store != StoreDynamoDB {
		t.Errorf("store = %q", cfg.Store)
	}
	if cfg.Level() != core.RetryDurable {
		t.Errorf("level = %q, want durable", cfg.Level())
	}
	if cfg.CampaignWait != 250*time.Millisecond {
		t.Errorf("wait = %v", cfg.CampaignWait)
	}
	if cfg.EffectGate {
		t.Error("expected gate closed")
	}
}

func TestLoadConfigParseError(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("OJS_WORKERS", "many")

	_, err := LoadConfig()
	if err == nil || !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("err = %v, want parse env error", err)
	}
}

func TestConfigValidate(t *testing.T) {
	t.Chdir(t.TempDir())
	base, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"store", func(c *Config) { c.Store = "postgres" }, "OJS_STORE"},
		{"dispatch", func(c *Config) { c.Dispatch = "kafka" }, "OJS_DISPATCH"},
		{"webhook url", func(c *Config) { c.Deliverer = DelivererWebhook }, "OJS_WEBHOOK_URL"},
		{"level", func(c *Config) { c.RetryLevel = "forever" }, "OJS_RETRY_LEVEL"},
		{"wait", func(c *Config) { c.CampaignWait = 0 }, "OJS_CAMPAIGN_WAIT"},
		{"retention", func(c *Config) { c.Retention = -time.Second }, "OJS_RETENTION"},
		{"workers", func(c *Config) { c.Workers = 0 }, "OJS_WORKERS"},
		{"otel", func(c *Config) { c.OTelEnabled = true }, "OJS_OTEL_ENDPOINT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want mention of %s", err, tt.want)
			}
		})
	}
}

func TestLoadConfigReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	writeFile(t, DotEnvFile, "OJS_PORT=9999\n")
	unsetenv(t, "OJS_PORT")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Port != "9999" {
		t.Errorf("port = %q, want 9999 from .env", cfg.Port)
	}
}

func writeFile(t *testing.T, name, content string) {
	t.Helper()
	if err := os.WriteFile(name, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

// unsetenv removes key for the test and restores it afterwards.
func unsetenv(t *testing.T, key string) {
	t.Helper()
	t.Setenv(key, "")
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("unsetenv %s: %v", key, err)
	}
}
