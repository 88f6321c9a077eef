// Package config loads notifyd configuration: struct defaults, then an optional
// YAML file, then NOTIFYD_* environment variables.
package config

import (
	"time"

	"github.com/mohans/coursenotify/asyncx"
	"github.com/mohans/coursenotify/internal/logging"
	"github.com/mohans/coursenotify/internal/notify"
)

type Config struct {
	Broker      BrokerConfig      `koanf:"broker"`
	Routes      []asyncx.Route    `koanf:"routes" validate:"required,min=1,dive"`
	Worker      WorkerConfig      `koanf:"worker"`
	Retry       RetryConfig       `koanf:"retry"`
	Reaper      ReaperConfig      `koanf:"reaper"`
	Maintenance MaintenanceConfig `koanf:"maintenance"`
	Gate        GateConfig        `koanf:"gate"`
	HTTP        HTTPConfig        `koanf:"http"`
	Telegram    TelegramConfig    `koanf:"telegram"`
	NATS        NATSConfig        `koanf:"nats"`
	Ingress     IngressConfig     `koanf:"ingress"`
	Logging     logging.Config    `koanf:"logging"`
}

type BrokerConfig struct {
	Driver    string        `koanf:"driver" validate:"oneof=redis sql"`
	Retention time.Duration `koanf:"retention" validate:"min=0"`
	Redis     RedisConfig   `koanf:"redis"`
	SQL       SQLConfig     `koanf:"sql"`
}

type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db" validate:"min=0"`
	Prefix   string `koanf:"prefix"`
}

type SQLConfig struct {
	// Driver is the database/sql driver: sqlite (modernc) or pgx.
	Driver string `koanf:"driver" validate:"oneof=sqlite pgx"`
	DSN    string `koanf:"dsn"`
}

type WorkerConfig struct {
	// Queues consumed by this process; empty means every routed queue.
	Queues          []string      `koanf:"queues"`
	Concurrency     int           `koanf:"concurrency" validate:"min=1,max=256"`
	LeaseDuration   time.Duration `koanf:"lease_duration" validate:"min=1s"`
	PollInterval    time.Duration `koanf:"poll_interval" validate:"min=1ms"`
	MaxPollInterval time.Duration `koanf:"max_poll_interval" validate:"min=1ms"`
	MaxAttempts     int           `koanf:"max_attempts" validate:"min=1,max=100"`
	ConsumerID      string        `koanf:"consumer_id"`
}

type RetryConfig struct {
	Base   time.Duration `koanf:"base" validate:"min=1ms"`
	Cap    time.Duration `koanf:"cap" validate:"min=1ms"`
	Jitter float64       `koanf:"jitter" validate:"min=0,max=1"`
}

type ReaperConfig struct {
	Interval time.Duration `koanf:"interval" validate:"min=1s"`
}

type MaintenanceConfig struct {
	// PurgeSchedule is a cron spec for deleting finished SQL records.
	PurgeSchedule string `koanf:"purge_schedule" validate:"required"`
}

type GateConfig struct {
	Interval    time.Duration `koanf:"interval" validate:"min=100ms"`
	Timeout     time.Duration `koanf:"timeout" validate:"min=100ms"`
	Retries     int           `koanf:"retries" validate:"min=1"`
	StartPeriod time.Duration `koanf:"start_period" validate:"min=0"`
}

type HTTPConfig struct {
	Addr            string        `koanf:"addr" validate:"required"`
	RateLimit       int           `koanf:"rate_limit" validate:"min=0"`
	RateWindow      time.Duration `koanf:"rate_window" validate:"min=1s"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"min=1s"`
}

type TelegramConfig struct {
	Token   string        `koanf:"token"`
	BaseURL string        `koanf:"base_url" validate:"required,url"`
	Timeout time.Duration `koanf:"timeout" validate:"min=1s"`
	// RatePerSecond caps sendMessage calls across all slots of this process.
	RatePerSecond float64 `koanf:"rate_per_second" validate:"gt=0"`
	// BreakerFailures opens the circuit after this many consecutive failures.
	BreakerFailures uint32        `koanf:"breaker_failures" validate:"min=1"`
	BreakerTimeout  time.Duration `koanf:"breaker_timeout" validate:"min=1s"`
}

type NATSConfig struct {
	Enabled       bool   `koanf:"enabled"`
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

type IngressConfig struct {
	Enabled     bool   `koanf:"enabled"`
	Queue       string `koanf:"queue"`
	Concurrency int    `koanf:"concurrency" validate:"min=1"`
}

func defaultConfig() *Config {
	return &Config{
		Broker: BrokerConfig{
			Driver:    "redis",
			Retention: 24 * time.Hour,
			Redis:     RedisConfig{Addr: "localhost:6379", Prefix: "asyncx"},
			SQL:       SQLConfig{Driver: "sqlite", DSN: "file:notifyd.db?_pragma=busy_timeout(5000)"},
		},
		Routes: notify.DefaultRoutes(),
		Worker: WorkerConfig{
			Concurrency:     4,
			LeaseDuration:   30 * time.Second,
			PollInterval:    100 * time.Millisecond,
			MaxPollInterval: 2 * time.Second,
			MaxAttempts:     asyncx.DefaultMaxAttempts,
		},
		Retry:       RetryConfig{Base: 2 * time.Second, Cap: 5 * time.Minute, Jitter: 0.2},
		Reaper:      ReaperConfig{Interval: 15 * time.Second},
		Maintenance: MaintenanceConfig{PurgeSchedule: "@hourly"},
		Gate: GateConfig{
			Interval:    2 * time.Second,
			Timeout:     time.Second,
			Retries:     5,
			StartPeriod: 10 * time.Second,
		},
		HTTP: HTTPConfig{
			Addr:            ":8005",
			RateLimit:       120,
			RateWindow:      time.Minute,
			ShutdownTimeout: 10 * time.Second,
		},
		Telegram: TelegramConfig{
			BaseURL:         "https://api.telegram.org",
			Timeout:         10 * time.Second,
			RatePerSecond:   25,
			BreakerFailures: 5,
			BreakerTimeout:  30 * time.Second,
		},
		NATS:    NATSConfig{URL: "nats://localhost:4222", SubjectPrefix: "notifyd.events"},
		Ingress: IngressConfig{Queue: "ingress", Concurrency: 4},
		Logging: logging.Config{Level: "info", Format: "json"},
	}
}

// Default returns the built-in configuration; Load starts from it.
func Default() *Config { return defaultConfig() }

// Backoff converts the retry section.
func (c *Config) Backoff() asyncx.Backoff {
	return asyncx.Backoff{Base: c.Retry.Base, Cap: c.Retry.Cap, Jitter: c.Retry.Jitter}
}

// ProcessorConfig converts the worker and retry sections.
func (c *Config) ProcessorConfig() asyncx.ProcessorConfig {
	return asyncx.ProcessorConfig{
		Queues:          c.Worker.Queues,
		Concurrency:     c.Worker.Concurrency,
		LeaseDuration:   c.Worker.LeaseDuration,
		PollInterval:    c.Worker.PollInterval,
		MaxPollInterval: c.Worker.MaxPollInterval,
		Backoff:         c.Backoff(),
		Consumer:        c.Worker.ConsumerID,
	}
}
