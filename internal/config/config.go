// Package config loads agentcored's configuration from a YAML file overlaid
// with environment variables, matching the teacher's loader.go convention
// (internal/config/loader.go in haasonsaas-nexus: YAML + os.ExpandEnv) pared
// down to the settings spec.md §6 EXTERNAL INTERFACES names: worker pool
// sizing, rate-limit defaults, and the store/data-directory locations the
// rest of this module's components are constructed from.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// WorkerPoolConfig mirrors spec.md §6's worker_pool_* settings.
type WorkerPoolConfig struct {
	TargetSize          int           `yaml:"target_size"`
	MaxParallelSpawn    int           `yaml:"max_parallel_spawn"`
	SpawnRetryDelay     time.Duration `yaml:"spawn_retry_delay"`
	SpawnRetryDelayMax  time.Duration `yaml:"spawn_retry_delay_max"`
	SlowStartThreshold  time.Duration `yaml:"slow_start_threshold"`
	WorkerInitTimeout   time.Duration `yaml:"worker_init_timeout"`
	ShutdownGracePeriod time.Duration `yaml:"shutdown_grace_period"`
	Command             string        `yaml:"command"`
	Args                []string      `yaml:"args"`
}

// WindowLimitConfig is one window's request/token ceilings, as read from
// YAML. A nil field means "no limit for that metric", matching spec.md §3's
// RateLimitScope: "Any field may be absent".
type WindowLimitConfig struct {
	RequestsPer *int `yaml:"requests_per"`
	TokensPer   *int `yaml:"tokens_per"`
}

// ScopeLimitConfig is the YAML shape of one scope's limits
// (rate_limit.{scope}.* in spec.md §6).
type ScopeLimitConfig struct {
	Minute    *WindowLimitConfig `yaml:"minute"`
	Hour      *WindowLimitConfig `yaml:"hour"`
	Day       *WindowLimitConfig `yaml:"day"`
	BurstSize int                `yaml:"burst_size"`
}

// RateLimitConfig groups the global scope and any per-provider/per-model
// overrides configured statically at startup (distinct from the persisted
// override sidecar in internal/ratelimit/store.go, which layers on top of
// these at runtime).
type RateLimitConfig struct {
	Global    *ScopeLimitConfig                       `yaml:"global"`
	Providers map[string]*ScopeLimitConfig            `yaml:"providers"`
	Models    map[string]map[string]*ScopeLimitConfig `yaml:"models"`
	MaxWait   time.Duration                           `yaml:"max_wait"`
}

// StoreConfig selects and configures the persisted Store backend.
type StoreConfig struct {
	Driver string `yaml:"driver"` // "sqlite" | "postgres"
	DSN    string `yaml:"dsn"`
}

// LoggingConfig configures internal/observability's Logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig configures internal/observability's Tracer.
type TracingConfig struct {
	ServiceName    string  `yaml:"service_name"`
	ServiceVersion string  `yaml:"service_version"`
	Environment    string  `yaml:"environment"`
	SamplingRate   float64 `yaml:"sampling_rate"`
}

// Config is agentcored's top-level configuration.
type Config struct {
	WorkerPool WorkerPoolConfig `yaml:"worker_pool"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Store      StoreConfig      `yaml:"store"`
	Logging    LoggingConfig    `yaml:"logging"`
	Tracing    TracingConfig    `yaml:"tracing"`

	// DataDir is where the rate-limit override sidecar
	// (ratelimit_overrides.json) and other runtime state live.
	DataDir string `yaml:"data_dir"`
}

// Default returns the configuration used when no file is supplied: a
// 4-worker pool with the teacher-matching backoff bounds, unlimited rate
// limits, and an embedded SQLite store under ./data.
func Default() *Config {
	return &Config{
		WorkerPool: WorkerPoolConfig{
			TargetSize:          4,
			MaxParallelSpawn:    4,
			SpawnRetryDelay:     500 * time.Millisecond,
			SpawnRetryDelayMax:  30 * time.Second,
			SlowStartThreshold:  5 * time.Second,
			WorkerInitTimeout:   10 * time.Second,
			ShutdownGracePeriod: time.Second,
			Command:             "agentcore-worker",
		},
		RateLimit: RateLimitConfig{
			MaxWait: 5 * time.Minute,
		},
		Store: StoreConfig{
			Driver: "sqlite",
			DSN:    "file:data/agentcore.db?_pragma=busy_timeout(5000)",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			ServiceName:  "agentcored",
			Environment:  "production",
			SamplingRate: 1.0,
		},
		DataDir: "data",
	}
}

// Load reads a YAML config file at path (if non-empty and present) over
// Default(), then applies environment overrides via Overlay. A ".env" file
// in the working directory, if present, is loaded first so its variables
// are visible to Overlay — matching original_source/backend/utils/config.py's
// environment-variable reads via godotenv's idiomatic Go equivalent.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	Overlay(cfg, os.Environ())
	return cfg, nil
}
