// Package config carries every tunable of the scheduler, the cron worker
// pool and the pipeline queue engine. Values come from built-in defaults,
// an optional YAML file, then NEWSFLOW_* environment variables, in that
// order of precedence.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

// JobSpec describes how to build one job function for the default
// registry: either a shell command or a webhook URL.
type JobSpec struct {
	Command []string `yaml:"command"`
	Webhook string   `yaml:"webhook"`
}

// Config is the full configuration surface.
type Config struct {
	// Schedule refresher.
	TickInterval  Duration `yaml:"tick_interval"`
	Lookahead     Duration `yaml:"lookahead"`
	StatsInterval Duration `yaml:"stats_interval"`

	// Cron worker pool.
	PollInterval  Duration   `yaml:"poll_interval"`
	MaxWorkers    int        `yaml:"max_workers"`
	MaxRetryCount int        `yaml:"max_retry_count"`
	RetryBackoff  []Duration `yaml:"retry_backoff"`

	// Per-task-type lock timeouts; DefaultLockTimeout applies to unknown
	// types and is also the staleness threshold used inside claims.
	LockTimeouts       map[string]Duration `yaml:"lock_timeouts"`
	DefaultLockTimeout Duration            `yaml:"default_lock_timeout"`

	// Pipeline queue engine. StageLockTimeouts is keyed by stage name and
	// is independent of the cron LockTimeouts table.
	QueuePollInterval Duration            `yaml:"queue_poll_interval"`
	QueueLockTimeout  Duration            `yaml:"queue_lock_timeout"`
	StageLockTimeouts map[string]Duration `yaml:"stage_lock_timeouts"`
	MaxAttempts       int                 `yaml:"max_attempts"`
	QueueBackoff      []Duration          `yaml:"queue_backoff"`

	// Optional job wiring for the default registry.
	Jobs   map[string]JobSpec `yaml:"jobs"`
	Stages map[string]JobSpec `yaml:"stages"`
}

// Default returns the configuration the original deployment ran with.
func Default() *Config {
	return &Config{
		TickInterval:  Duration(5 * time.Second),
		Lookahead:     Duration(time.Minute),
		StatsInterval: Duration(time.Minute),

		PollInterval:  Duration(3 * time.Second),
		MaxWorkers:    3,
		MaxRetryCount: 5,
		RetryBackoff: []Duration{
			Duration(1 * time.Minute),
			Duration(5 * time.Minute),
			Duration(15 * time.Minute),
			Duration(30 * time.Minute),
			Duration(60 * time.Minute),
		},

		LockTimeouts: map[string]Duration{
			"scraping":                Duration(20 * time.Minute),
			"clustering":              Duration(15 * time.Minute),
			"report_generation":       Duration(10 * time.Minute),
			"social_media_generation": Duration(15 * time.Minute),
			"image_generation":        Duration(30 * time.Minute),
			"audio_generation":        Duration(45 * time.Minute),
			"reel_generation":         Duration(60 * time.Minute),
			"broadcast_generation":    Duration(20 * time.Minute),
			"bulletin_generation":     Duration(15 * time.Minute),
			"digest_generation":       Duration(15 * time.Minute),
			"audio_transcription":     Duration(30 * time.Minute),
			"processing_pipeline":     Duration(25 * time.Minute),
		},
		DefaultLockTimeout: Duration(30 * time.Minute),

		QueuePollInterval: Duration(2 * time.Second),
		QueueLockTimeout:  Duration(30 * time.Minute),
		MaxAttempts:       3,
		QueueBackoff: []Duration{
			Duration(1 * time.Minute),
			Duration(5 * time.Minute),
			Duration(15 * time.Minute),
		},
	}
}

// Load builds the effective config: defaults, overlaid with the YAML file
// at path (if path is non-empty), overlaid with environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	envDur("NEWSFLOW_TICK_INTERVAL", &c.TickInterval)
	envDur("NEWSFLOW_POLL_INTERVAL", &c.PollInterval)
	envDur("NEWSFLOW_QUEUE_POLL_INTERVAL", &c.QueuePollInterval)
	envDur("NEWSFLOW_QUEUE_LOCK_TIMEOUT", &c.QueueLockTimeout)
	envDur("NEWSFLOW_DEFAULT_LOCK_TIMEOUT", &c.DefaultLockTimeout)
	envInt("NEWSFLOW_MAX_WORKERS", &c.MaxWorkers)
	envInt("NEWSFLOW_MAX_RETRY_COUNT", &c.MaxRetryCount)
	envInt("NEWSFLOW_MAX_ATTEMPTS", &c.MaxAttempts)
}

func envDur(key string, dst *Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// LockTimeout returns the lock timeout for a task type.
func (c *Config) LockTimeout(taskType string) time.Duration {
	if d, ok := c.LockTimeouts[taskType]; ok {
		return time.Duration(d)
	}
	return time.Duration(c.DefaultLockTimeout)
}

// StageLockTimeout returns the lock timeout for one pipeline stage. Stages
// share QueueLockTimeout unless overridden in StageLockTimeouts.
func (c *Config) StageLockTimeout(stage string) time.Duration {
	if d, ok := c.StageLockTimeouts[stage]; ok {
		return time.Duration(d)
	}
	return time.Duration(c.QueueLockTimeout)
}

// Backoff returns the retry delay for the n-th consecutive cron task
// failure (1-based). Attempts beyond the table get the last entry.
func (c *Config) Backoff(n int) time.Duration {
	return tableDelay(c.RetryBackoff, n)
}

// StageBackoff returns the retry delay for a pipeline item's n-th attempt.
func (c *Config) StageBackoff(n int) time.Duration {
	return tableDelay(c.QueueBackoff, n)
}

func tableDelay(table []Duration, n int) time.Duration {
	if len(table) == 0 {
		return time.Minute
	}
	if n < 1 {
		n = 1
	}
	if n > len(table) {
		n = len(table)
	}
	return time.Duration(table[n-1])
}
