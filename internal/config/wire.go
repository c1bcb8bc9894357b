package config

import (
	"github.com/haasonsaas/agentcore/internal/ratelimit"
	"github.com/haasonsaas/agentcore/internal/workerpool"
)

// WorkerPoolConfig converts this config's worker-pool settings into
// internal/workerpool's own Config, the shape its Pool constructor expects.
func (c *Config) ToWorkerPoolConfig() workerpool.Config {
	return workerpool.Config{
		TargetSize:          c.WorkerPool.TargetSize,
		MaxParallelSpawn:    c.WorkerPool.MaxParallelSpawn,
		SpawnRetryDelay:     c.WorkerPool.SpawnRetryDelay,
		SpawnRetryDelayMax:  c.WorkerPool.SpawnRetryDelayMax,
		WorkerInitTimeout:   c.WorkerPool.WorkerInitTimeout,
		SlowStartThreshold:  c.WorkerPool.SlowStartThreshold,
		ShutdownGracePeriod: c.WorkerPool.ShutdownGracePeriod,
	}
}

func toWindowLimit(w *WindowLimitConfig) *ratelimit.WindowLimit {
	if w == nil || (w.RequestsPer == nil && w.TokensPer == nil) {
		return nil
	}
	return &ratelimit.WindowLimit{RequestLimit: w.RequestsPer, TokenLimit: w.TokensPer}
}

func toScopeLimits(s *ScopeLimitConfig) *ratelimit.ScopeLimits {
	if s == nil {
		return nil
	}
	return &ratelimit.ScopeLimits{
		Minute:    toWindowLimit(s.Minute),
		Hour:      toWindowLimit(s.Hour),
		Day:       toWindowLimit(s.Day),
		BurstSize: s.BurstSize,
	}
}

// ToRateLimitConfig builds an internal/ratelimit.Config seeded with this
// config's statically configured (environment/YAML) limits, per spec.md
// §4.8's "(a) process configuration / environment" half of the override
// merge — the persisted override sidecar (internal/ratelimit.OverrideStore)
// layers (b) on top of whatever this returns.
func (c *Config) ToRateLimitConfig() *ratelimit.Config {
	rc := ratelimit.NewConfig()
	if c.RateLimit.MaxWait > 0 {
		rc.MaxWait = c.RateLimit.MaxWait
	}
	if global := toScopeLimits(c.RateLimit.Global); global != nil {
		rc.SetEnvLimits("", "", global)
	}
	for provider, limits := range c.RateLimit.Providers {
		if sl := toScopeLimits(limits); sl != nil {
			rc.SetEnvLimits(provider, "", sl)
		}
	}
	for provider, models := range c.RateLimit.Models {
		for model, limits := range models {
			if sl := toScopeLimits(limits); sl != nil {
				rc.SetEnvLimits(provider, model, sl)
			}
		}
	}
	return rc
}
