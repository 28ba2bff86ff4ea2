// Package config loads the relay's configuration surface from a YAML
// file, with environment variables overriding individual fields —
// a two-layer approach so operators can ship one config file per
// environment and still override a single knob at deploy time.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fabioferreccio/pg-transactional-outbox/internal/outbox/backlog"
	"github.com/fabioferreccio/pg-transactional-outbox/internal/outbox/backoff"
	"github.com/fabioferreccio/pg-transactional-outbox/internal/outbox/health"
	"github.com/fabioferreccio/pg-transactional-outbox/internal/outbox/worker"
)

// Config is the full relay configuration surface: connection, worker
// tuning, backlog policy, and retry policy.
type Config struct {
	DatabaseURL string `yaml:"database_url"`

	OutboxBatchSize       int `yaml:"outbox_batch_size"`
	OutboxLeaseSeconds    int `yaml:"outbox_lease_seconds"`
	OutboxPollIntervalMs  int `yaml:"outbox_poll_interval_ms"`
	OutboxMaxRetries      int `yaml:"outbox_max_retries"`
	Concurrency           int `yaml:"concurrency"`
	HeartbeatIntervalMs   int `yaml:"heartbeat_interval_ms"`

	ReaperEnabled    bool `yaml:"reaper_enabled"`
	ReaperIntervalMs int  `yaml:"reaper_interval_ms"`

	MaxBacklogSize  int64  `yaml:"max_backlog_size"`
	OnLimitExceeded string `yaml:"on_limit_exceeded"`

	RetryBaseMs     int     `yaml:"retry_base_ms"`
	RetryMaxMs      int     `yaml:"retry_max_ms"`
	RetryJitter     float64 `yaml:"retry_jitter_factor"`

	WebhookURL     string `yaml:"webhook_url"`
	AdminJWTSecret string `yaml:"admin_jwt_secret"`
	HTTPAddr       string `yaml:"http_addr"`

	NotifyListenEnabled bool   `yaml:"notify_listen_enabled"`
	NotifyChannel       string `yaml:"notify_channel"`
}

// Default matches the conservative values a fresh deployment starts with.
func Default() Config {
	return Config{
		OutboxBatchSize:      10,
		OutboxLeaseSeconds:   30,
		OutboxPollIntervalMs: 1000,
		OutboxMaxRetries:     5,
		Concurrency:          1,
		HeartbeatIntervalMs:  8000,
		ReaperEnabled:        true,
		ReaperIntervalMs:     10000,
		MaxBacklogSize:       0, // unlimited
		OnLimitExceeded:      "warn",
		RetryBaseMs:          100,
		RetryMaxMs:           30000,
		RetryJitter:          0.1,
		HTTPAddr:             ":8080",
		NotifyChannel:        "outbox_channel",
	}
}

// Load reads path as YAML over Default(), then applies environment
// overrides. A missing file is never an error: Default() plus the
// environment overrides are used instead; callers that require a file
// should check os.Stat themselves first.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.DatabaseURL = getEnvString("OUTBOX_DATABASE_URL", cfg.DatabaseURL)
	cfg.OutboxBatchSize = getEnvInt("OUTBOX_BATCH_SIZE", cfg.OutboxBatchSize)
	cfg.OutboxLeaseSeconds = getEnvInt("OUTBOX_LEASE_SECONDS", cfg.OutboxLeaseSeconds)
	cfg.OutboxPollIntervalMs = getEnvInt("OUTBOX_POLL_INTERVAL_MS", cfg.OutboxPollIntervalMs)
	cfg.OutboxMaxRetries = getEnvInt("OUTBOX_MAX_RETRIES", cfg.OutboxMaxRetries)
	cfg.Concurrency = getEnvInt("OUTBOX_CONCURRENCY", cfg.Concurrency)
	cfg.HeartbeatIntervalMs = getEnvInt("OUTBOX_HEARTBEAT_INTERVAL_MS", cfg.HeartbeatIntervalMs)
	cfg.ReaperEnabled = getEnvBool("OUTBOX_REAPER_ENABLED", cfg.ReaperEnabled)
	cfg.ReaperIntervalMs = getEnvInt("OUTBOX_REAPER_INTERVAL_MS", cfg.ReaperIntervalMs)
	cfg.MaxBacklogSize = getEnvInt64("OUTBOX_MAX_BACKLOG_SIZE", cfg.MaxBacklogSize)
	cfg.OnLimitExceeded = getEnvString("OUTBOX_ON_LIMIT_EXCEEDED", cfg.OnLimitExceeded)
	cfg.RetryBaseMs = getEnvInt("OUTBOX_RETRY_BASE_MS", cfg.RetryBaseMs)
	cfg.RetryMaxMs = getEnvInt("OUTBOX_RETRY_MAX_MS", cfg.RetryMaxMs)
	cfg.WebhookURL = getEnvString("OUTBOX_WEBHOOK_URL", cfg.WebhookURL)
	cfg.AdminJWTSecret = getEnvString("OUTBOX_ADMIN_JWT_SECRET", cfg.AdminJWTSecret)
	cfg.HTTPAddr = getEnvString("OUTBOX_HTTP_ADDR", cfg.HTTPAddr)
	cfg.NotifyListenEnabled = getEnvBool("OUTBOX_NOTIFY_LISTEN_ENABLED", cfg.NotifyListenEnabled)
	cfg.NotifyChannel = getEnvString("OUTBOX_NOTIFY_CHANNEL", cfg.NotifyChannel)
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvInt64(key string, defaultVal int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

// WorkerConfig projects the loaded Config onto worker.Config.
func (c Config) WorkerConfig() worker.Config {
	return worker.Config{
		BatchSize:         c.OutboxBatchSize,
		PollInterval:      time.Duration(c.OutboxPollIntervalMs) * time.Millisecond,
		Concurrency:       c.Concurrency,
		LeaseSeconds:      c.OutboxLeaseSeconds,
		HeartbeatInterval: time.Duration(c.HeartbeatIntervalMs) * time.Millisecond,
		MaxRetriesDefault: c.OutboxMaxRetries,
		RetryPolicy:       c.RetryPolicy(),
		ReaperEnabled:     c.ReaperEnabled,
		ReaperInterval:    time.Duration(c.ReaperIntervalMs) * time.Millisecond,
	}
}

// RetryPolicy projects the loaded Config onto backoff.Policy.
func (c Config) RetryPolicy() backoff.Policy {
	return backoff.Policy{
		BaseBackoff:  time.Duration(c.RetryBaseMs) * time.Millisecond,
		MaxBackoff:   time.Duration(c.RetryMaxMs) * time.Millisecond,
		JitterFactor: c.RetryJitter,
		MaxRetries:   c.OutboxMaxRetries,
	}
}

// BacklogAction projects OnLimitExceeded onto backlog.Action.
func (c Config) BacklogAction() backlog.Action {
	return backlog.Action(c.OnLimitExceeded)
}

// HealthThresholds uses health's conservative defaults; the YAML surface
// intentionally doesn't expose every threshold knob as a separate option.
func (c Config) HealthThresholds() health.Thresholds {
	return health.DefaultThresholds()
}
