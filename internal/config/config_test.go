package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv(ConfigPathEnvVar, "")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Broker.Driver != "redis" || cfg.HTTP.Addr != ":8005" {
		t.Errorf("unexpected defaults: broker=%s addr=%s", cfg.Broker.Driver, cfg.HTTP.Addr)
	}
	if cfg.Worker.MaxAttempts != 5 || cfg.Worker.LeaseDuration != 30*time.Second {
		t.Errorf("unexpected worker defaults: %+v", cfg.Worker)
	}
	router, err := cfg.Router()
	if err != nil {
		t.Fatalf("Router: %v", err)
	}
	if q, err := router.Route("notify.broadcast"); err != nil || q != "background" {
		t.Errorf("notify.broadcast -> %q, %v", q, err)
	}
	if q, err := router.Route("notify.enrollment"); err != nil || q != "notifications" {
		t.Errorf("notify.enrollment -> %q, %v", q, err)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notifyd.yaml")
	yaml := `
broker:
  driver: sql
  sql:
    driver: sqlite
    dsn: "file:test.db"
worker:
  concurrency: 8
  lease_duration: 45s
retry:
  base: 1s
  cap: 1m
routes:
  - kind: notify.message
    queue: notifications
  - kind: notify.broadcast
    queue: background
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("NOTIFYD_CONCURRENCY", "2")
	t.Setenv("NOTIFYD_QUEUES", "notifications, background")
	t.Setenv("NOTIFYD_TELEGRAM_TOKEN", "123:abc")
	t.Setenv("NOTIFYD_UNRELATED", "ignored")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Broker.Driver != "sql" || cfg.Broker.SQL.DSN != "file:test.db" {
		t.Errorf("file not applied: %+v", cfg.Broker)
	}
	if cfg.Worker.Concurrency != 2 {
		t.Errorf("env should override file: concurrency=%d", cfg.Worker.Concurrency)
	}
	if cfg.Worker.LeaseDuration != 45*time.Second {
		t.Errorf("lease_duration = %s", cfg.Worker.LeaseDuration)
	}
	if len(cfg.Worker.Queues) != 2 || cfg.Worker.Queues[1] != "background" {
		t.Errorf("queues = %v", cfg.Worker.Queues)
	}
	if cfg.Telegram.Token != "123:abc" {
		t.Errorf("token = %q", cfg.Telegram.Token)
	}
	if len(cfg.Routes) != 2 {
		t.Errorf("routes from file should replace defaults: %v", cfg.Routes)
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"defaults are valid", func(*Config) {}, ""},
		{"bad driver", func(c *Config) { c.Broker.Driver = "kafka" }, "Driver"},
		{"cap below base", func(c *Config) { c.Retry.Cap = time.Second; c.Retry.Base = time.Minute }, "retry.cap"},
		{"unknown worker queue", func(c *Config) { c.Worker.Queues = []string{"nope"} }, "worker.queues"},
		{"conflicting routes", func(c *Config) {
			c.Routes = append(c.Routes, c.Routes[0])
			c.Routes[len(c.Routes)-1].Queue = "elsewhere"
		}, "routes"},
		{"bad cron", func(c *Config) { c.Maintenance.PurgeSchedule = "every tuesday" }, "purge_schedule"},
		{"sql without dsn", func(c *Config) { c.Broker.Driver = "sql"; c.Broker.SQL.DSN = "" }, "dsn"},
		{"zero concurrency", func(c *Config) { c.Worker.Concurrency = 0 }, "Concurrency"},
		{"nats without url", func(c *Config) { c.NATS.Enabled = true; c.NATS.URL = "" }, "nats.url"},
		{"jitter above one", func(c *Config) { c.Retry.Jitter = 1.5 }, "Jitter"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error %v should mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestProcessorConfig(t *testing.T) {
	cfg := Default()
	pc := cfg.ProcessorConfig()
	if pc.Concurrency != cfg.Worker.Concurrency || pc.Backoff.Cap != cfg.Retry.Cap || pc.Backoff.Jitter != 0.2 {
		t.Errorf("unexpected processor config: %+v", pc)
	}
}
