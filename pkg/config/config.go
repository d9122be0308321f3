// Package config loads the orchestrator's recognized configuration
// surface (spec.md §6) from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	units "github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

// Config holds every recognized orchestrator option.
type Config struct {
	MaxConcurrentRuns        int    `yaml:"max_concurrent_runs"`
	DefaultTimeoutMS         int64  `yaml:"default_timeout_ms"`
	TimeoutGraceMS           int64  `yaml:"timeout_grace_ms"`
	QueuePollIntervalMS      int64  `yaml:"queue_poll_interval_ms"`
	EnvIdleReclaimSeconds    int64  `yaml:"env_idle_reclaim_seconds"`
	EnvResetFailureThreshold int    `yaml:"env_reset_failure_threshold"`
	RetryOnEnvFailure        bool   `yaml:"retry_on_env_failure"`
	PersistenceRoot          string `yaml:"persistence_root"`
}

// Default returns the documented defaults for every option.
func Default() Config {
	return Config{
		MaxConcurrentRuns:        0, // 0 == environment-pool size
		DefaultTimeoutMS:         30_000,
		TimeoutGraceMS:           5_000,
		QueuePollIntervalMS:      2_000,
		EnvIdleReclaimSeconds:    300,
		EnvResetFailureThreshold: 2,
		RetryOnEnvFailure:        true,
		PersistenceRoot:          "./data",
	}
}

// Load reads and decodes a YAML config file, rejecting unknown fields so
// a typo in an operator's manifest fails loudly rather than being
// silently ignored.
func Load(path string) (Config, error) {
	cfg := Default()

	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to open config %s: %w", path, err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// DefaultTimeout returns DefaultTimeoutMS as a time.Duration.
func (c Config) DefaultTimeout() time.Duration {
	return time.Duration(c.DefaultTimeoutMS) * time.Millisecond
}

// TimeoutGrace returns TimeoutGraceMS as a time.Duration.
func (c Config) TimeoutGrace() time.Duration {
	return time.Duration(c.TimeoutGraceMS) * time.Millisecond
}

// QueuePollInterval returns QueuePollIntervalMS as a time.Duration.
func (c Config) QueuePollInterval() time.Duration {
	return time.Duration(c.QueuePollIntervalMS) * time.Millisecond
}

// EnvIdleReclaim returns EnvIdleReclaimSeconds as a time.Duration.
func (c Config) EnvIdleReclaim() time.Duration {
	return time.Duration(c.EnvIdleReclaimSeconds) * time.Second
}

// ParseMemory parses a human-readable size ("512Mi", "2Gi", "1000000")
// into bytes, for hardware-requirement and capacity manifests.
func ParseMemory(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	n, err := units.RAMInBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid memory size %q: %w", s, err)
	}
	return n, nil
}
