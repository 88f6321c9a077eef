package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths are searched in order when no path is given.
var DefaultConfigPaths = []string{
	"notifyd.yaml",
	"notifyd.yml",
	"/etc/notifyd/notifyd.yaml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "NOTIFYD_CONFIG"

// Load builds the configuration. Precedence: env > file > defaults. An explicit
// path that does not exist is an error; the default paths are optional.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path == "" {
		path = findConfigFile()
	} else if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("NOTIFYD_", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}
	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// sliceConfigPaths arrive from env as comma-separated strings.
var sliceConfigPaths = []string{
	"worker.queues",
}

func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		s, ok := k.Get(path).(string)
		if !ok {
			continue
		}
		var parts []string
		for _, p := range strings.Split(s, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		if err := k.Set(path, parts); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}

// envMappings maps NOTIFYD_* variables (prefix stripped, lower-cased) to config paths.
// Unmapped variables are ignored.
var envMappings = map[string]string{
	"broker":            "broker.driver",
	"retention":         "broker.retention",
	"redis_addr":        "broker.redis.addr",
	"redis_password":    "broker.redis.password",
	"redis_db":          "broker.redis.db",
	"redis_prefix":      "broker.redis.prefix",
	"sql_driver":        "broker.sql.driver",
	"sql_dsn":           "broker.sql.dsn",
	"queues":            "worker.queues",
	"concurrency":       "worker.concurrency",
	"lease_duration":    "worker.lease_duration",
	"poll_interval":     "worker.poll_interval",
	"max_poll_interval": "worker.max_poll_interval",
	"max_attempts":      "worker.max_attempts",
	"consumer_id":       "worker.consumer_id",
	"backoff_base":      "retry.base",
	"backoff_cap":       "retry.cap",
	"backoff_jitter":    "retry.jitter",
	"reaper_interval":   "reaper.interval",
	"purge_schedule":    "maintenance.purge_schedule",
	"gate_interval":     "gate.interval",
	"gate_timeout":      "gate.timeout",
	"gate_retries":      "gate.retries",
	"gate_start_period": "gate.start_period",
	"http_addr":         "http.addr",
	"http_rate_limit":   "http.rate_limit",
	"telegram_token":    "telegram.token",
	"telegram_base_url": "telegram.base_url",
	"telegram_rate":     "telegram.rate_per_second",
	"nats_enabled":      "nats.enabled",
	"nats_url":          "nats.url",
	"nats_subject":      "nats.subject_prefix",
	"ingress_enabled":   "ingress.enabled",
	"ingress_queue":     "ingress.queue",
	"log_level":         "logging.level",
	"log_format":        "logging.format",
	"log_caller":        "logging.caller",
}

func envTransformFunc(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, "NOTIFYD_"))
	return envMappings[key]
}
