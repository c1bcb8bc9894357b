package config

import (
	"strconv"
	"strings"
	"time"
)

// envPrefix namespaces every recognized environment variable, matching the
// teacher's convention of a single uppercase-prefixed namespace per service.
const envPrefix = "AGENTCORE_"

// Overlay applies recognized AGENTCORE_* environment variables on top of
// cfg, in place. Unset or malformed variables are left at whatever value
// cfg already carries (from the YAML file or Default()).
//
// Recognized keys mirror spec.md §6's configuration table:
//
//	AGENTCORE_WORKER_POOL_SIZE, AGENTCORE_WORKER_MAX_PARALLEL_SPAWN,
//	AGENTCORE_WORKER_SPAWN_RETRY_DELAY, AGENTCORE_WORKER_SPAWN_RETRY_DELAY_MAX,
//	AGENTCORE_WORKER_SLOW_START_THRESHOLD, AGENTCORE_WORKER_INIT_TIMEOUT,
//	AGENTCORE_STORE_DRIVER, AGENTCORE_STORE_DSN, AGENTCORE_DATA_DIR,
//	AGENTCORE_LOG_LEVEL, AGENTCORE_LOG_FORMAT.
func Overlay(cfg *Config, environ []string) {
	env := map[string]string{}
	for _, kv := range environ {
		if !strings.HasPrefix(kv, envPrefix) {
			continue
		}
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			continue
		}
		env[parts[0]] = parts[1]
	}

	if v, ok := env[envPrefix+"WORKER_POOL_SIZE"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.WorkerPool.TargetSize = n
		}
	}
	if v, ok := env[envPrefix+"WORKER_MAX_PARALLEL_SPAWN"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.WorkerPool.MaxParallelSpawn = n
		}
	}
	if v, ok := env[envPrefix+"WORKER_SPAWN_RETRY_DELAY"]; ok {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.WorkerPool.SpawnRetryDelay = d
		}
	}
	if v, ok := env[envPrefix+"WORKER_SPAWN_RETRY_DELAY_MAX"]; ok {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.WorkerPool.SpawnRetryDelayMax = d
		}
	}
	if v, ok := env[envPrefix+"WORKER_SLOW_START_THRESHOLD"]; ok {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.WorkerPool.SlowStartThreshold = d
		}
	}
	if v, ok := env[envPrefix+"WORKER_INIT_TIMEOUT"]; ok {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.WorkerPool.WorkerInitTimeout = d
		}
	}
	if v, ok := env[envPrefix+"STORE_DRIVER"]; ok && v != "" {
		cfg.Store.Driver = v
	}
	if v, ok := env[envPrefix+"STORE_DSN"]; ok && v != "" {
		cfg.Store.DSN = v
	}
	if v, ok := env[envPrefix+"DATA_DIR"]; ok && v != "" {
		cfg.DataDir = v
	}
	if v, ok := env[envPrefix+"LOG_LEVEL"]; ok && v != "" {
		cfg.Logging.Level = v
	}
	if v, ok := env[envPrefix+"LOG_FORMAT"]; ok && v != "" {
		cfg.Logging.Format = v
	}
}
