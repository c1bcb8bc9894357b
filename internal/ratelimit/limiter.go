// Package ratelimit implements the multi-scope sliding-window admission
// control described by original_source/backend/utils/rate_limiter.py and
// original_source/backend/tests/utils/test_rate_limit_multiscope.py: every
// provider call is checked against an ordered list of scope keys (typically
// `<provider>:<model>`, `<provider>`, `global`), each tracked independently
// per window (minute/hour/day), with the caller waiting for the strictest
// scope's time-to-availability before proceeding.
//
// Kept from the teacher's internal/ratelimit/limiter.go: the RWMutex-guarded
// registry-of-keys shape and the Status/introspection pattern, generalized
// from a single token bucket per key to a multi-window fixed-window counter
// per scope.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/haasonsaas/agentcore/internal/execerr"
)

// Window names one of the three rolling intervals a limit can be configured
// against.
type Window string

const (
	WindowMinute Window = "minute"
	WindowHour   Window = "hour"
	WindowDay    Window = "day"
)

// AllWindows lists every window checked per scope, in the order usage is
// recorded and reported.
var AllWindows = []Window{WindowMinute, WindowHour, WindowDay}

// Duration returns the rolling window length.
func (w Window) Duration() time.Duration {
	switch w {
	case WindowMinute:
		return time.Minute
	case WindowHour:
		return time.Hour
	case WindowDay:
		return 24 * time.Hour
	default:
		return 0
	}
}

// DefaultMaxWait is the hard ceiling on a single CheckAndReserve call's
// sleep; a computed wait beyond this raises RateLimited instead of blocking
// the caller indefinitely, matching spec.md's "(e.g. 5 min)" guidance.
const DefaultMaxWait = 5 * time.Minute

// WindowLimit is the pair of optional caps checked for one window: a
// request-count ceiling and a token-count ceiling. A nil pointer on either
// field means that window carries no limit for that metric.
type WindowLimit struct {
	RequestLimit *int
	TokenLimit   *int
}

func (wl *WindowLimit) merge(override *WindowLimit) *WindowLimit {
	if wl == nil && override == nil {
		return nil
	}
	merged := &WindowLimit{}
	if wl != nil {
		merged.RequestLimit = wl.RequestLimit
		merged.TokenLimit = wl.TokenLimit
	}
	if override != nil {
		if override.RequestLimit != nil {
			merged.RequestLimit = override.RequestLimit
		}
		if override.TokenLimit != nil {
			merged.TokenLimit = override.TokenLimit
		}
	}
	if merged.RequestLimit == nil && merged.TokenLimit == nil {
		return nil
	}
	return merged
}

// ScopeLimits is the full set of limits configured for one scope (a
// provider:model pair, a provider, or global).
type ScopeLimits struct {
	Minute    *WindowLimit
	Hour      *WindowLimit
	Day       *WindowLimit
	BurstSize int
}

func (s *ScopeLimits) window(w Window) *WindowLimit {
	if s == nil {
		return nil
	}
	switch w {
	case WindowMinute:
		return s.Minute
	case WindowHour:
		return s.Hour
	case WindowDay:
		return s.Day
	default:
		return nil
	}
}

// HasLimits reports whether any window carries a configured limit. Used to
// decide whether a scope is worth checking at all (spec.md: "A scope key is
// included only if it has at least one non-null limit").
func (s *ScopeLimits) HasLimits() bool {
	return s != nil && (s.Minute != nil || s.Hour != nil || s.Day != nil)
}

func (s *ScopeLimits) burstSize(fallback int) int {
	if s != nil && s.BurstSize > 0 {
		return s.BurstSize
	}
	return fallback
}

func mergeScopeLimits(env, override *ScopeLimits) *ScopeLimits {
	if env == nil && override == nil {
		return nil
	}
	merged := &ScopeLimits{}
	if env != nil {
		merged.Minute, merged.Hour, merged.Day = env.Minute, env.Hour, env.Day
		merged.BurstSize = env.BurstSize
	}
	if override != nil {
		merged.Minute = merged.Minute.merge(override.Minute)
		merged.Hour = merged.Hour.merge(override.Hour)
		merged.Day = merged.Day.merge(override.Day)
		if override.BurstSize > 0 {
			merged.BurstSize = override.BurstSize
		}
	}
	return merged
}

// ScopeLimitSet groups limits at every configurable granularity.
type ScopeLimitSet struct {
	Global   *ScopeLimits
	Provider map[string]*ScopeLimits
	Model    map[string]map[string]*ScopeLimits // provider -> model -> limits
}

func newScopeLimitSet() ScopeLimitSet {
	return ScopeLimitSet{Provider: map[string]*ScopeLimits{}, Model: map[string]map[string]*ScopeLimits{}}
}

// Config holds the layered limit configuration: Env is the immutable
// process/environment-sourced configuration, Overrides is the mutable layer
// applied via the persisted override store (see store.go). Overrides win
// field-by-field over Env wherever both specify a value.
type Config struct {
	mu               sync.RWMutex
	Env              ScopeLimitSet
	Overrides        ScopeLimitSet
	DefaultBurstSize int
	MaxWait          time.Duration
}

// NewConfig returns an empty Config with spec.md's defaults: no configured
// limits (meaning unlimited), burst size 10, and a 5 minute wait ceiling.
func NewConfig() *Config {
	return &Config{
		Env:              newScopeLimitSet(),
		Overrides:        newScopeLimitSet(),
		DefaultBurstSize: 10,
		MaxWait:          DefaultMaxWait,
	}
}

func (c *Config) effectiveModel(provider, model string) *ScopeLimits {
	var env, override *ScopeLimits
	if m, ok := c.Env.Model[provider]; ok {
		env = m[model]
	}
	if m, ok := c.Overrides.Model[provider]; ok {
		override = m[model]
	}
	return mergeScopeLimits(env, override)
}

func (c *Config) effectiveProvider(provider string) *ScopeLimits {
	return mergeScopeLimits(c.Env.Provider[provider], c.Overrides.Provider[provider])
}

func (c *Config) effectiveGlobal() *ScopeLimits {
	return mergeScopeLimits(c.Env.Global, c.Overrides.Global)
}

// ScopeEntry is one scope key paired with its effective limits, as returned
// by ScopesToCheck.
type ScopeEntry struct {
	Key    string
	Limits *ScopeLimits
}

// ScopesToCheck returns the ordered scope list for a (provider, model) call:
// the model scope is always included (even with no limits, so usage history
// is tracked from the first call); the provider and global scopes are
// included only when they carry at least one configured limit. This mirrors
// Config.get_rate_limit_keys_to_check in
// original_source/backend/utils/rate_limit_store.py's sibling config module.
func (c *Config) ScopesToCheck(provider, model string) []ScopeEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	modelKey := provider
	if model != "" {
		modelKey = provider + ":" + model
	}
	scopes := []ScopeEntry{{Key: modelKey, Limits: c.effectiveModel(provider, model)}}

	if model != "" {
		if pl := c.effectiveProvider(provider); pl.HasLimits() {
			scopes = append(scopes, ScopeEntry{Key: provider, Limits: pl})
		}
	}
	if gl := c.effectiveGlobal(); gl.HasLimits() {
		scopes = append(scopes, ScopeEntry{Key: "global", Limits: gl})
	}
	return scopes
}

// SetEnvLimits installs the process/environment-sourced limits for a scope.
// provider == "" sets the global scope; model == "" (with provider set)
// sets the provider scope.
func (c *Config) SetEnvLimits(provider, model string, limits *ScopeLimits) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLimits(&c.Env, provider, model, limits)
}

// SetOverride installs a persisted override for a scope, returning
// ConfigConflict if any field it sets collides with a differently-valued
// Env limit for the same scope and field — mirroring
// Config.set_rate_limit_override's check_env_conflicts behavior.
func (c *Config) SetOverride(provider, model string, limits *ScopeLimits) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	env := c.envLimitsLocked(provider, model)
	if conflict := conflictField(env, limits); conflict != "" {
		return execerr.New(execerr.KindConfigConflict, scopeLabel(provider, model),
			fmt.Sprintf("override for %q conflicts with an explicit environment value", conflict))
	}
	c.setLimits(&c.Overrides, provider, model, limits)
	return nil
}

func (c *Config) envLimitsLocked(provider, model string) *ScopeLimits {
	switch {
	case provider == "":
		return c.Env.Global
	case model == "":
		return c.Env.Provider[provider]
	default:
		if m, ok := c.Env.Model[provider]; ok {
			return m[model]
		}
		return nil
	}
}

func (c *Config) setLimits(set *ScopeLimitSet, provider, model string, limits *ScopeLimits) {
	switch {
	case provider == "":
		set.Global = limits
	case model == "":
		set.Provider[provider] = limits
	default:
		if set.Model[provider] == nil {
			set.Model[provider] = map[string]*ScopeLimits{}
		}
		set.Model[provider][model] = limits
	}
}

func scopeLabel(provider, model string) string {
	switch {
	case provider == "":
		return "global"
	case model == "":
		return provider
	default:
		return provider + ":" + model
	}
}

// conflictField returns the name of the first field where override sets a
// value that differs from an already-present env value, or "" if there is
// no conflict.
func conflictField(env, override *ScopeLimits) string {
	if env == nil || override == nil {
		return ""
	}
	if f := conflictWindow("minute", env.Minute, override.Minute); f != "" {
		return f
	}
	if f := conflictWindow("hour", env.Hour, override.Hour); f != "" {
		return f
	}
	if f := conflictWindow("day", env.Day, override.Day); f != "" {
		return f
	}
	return ""
}

func conflictWindow(name string, env, override *WindowLimit) string {
	if env == nil || override == nil {
		return ""
	}
	if override.RequestLimit != nil && env.RequestLimit != nil && *override.RequestLimit != *env.RequestLimit {
		return name + ".requests"
	}
	if override.TokenLimit != nil && env.TokenLimit != nil && *override.TokenLimit != *env.TokenLimit {
		return name + ".tokens"
	}
	return ""
}

// WindowUsage is the persisted counter state for one (scope, window) pair.
type WindowUsage struct {
	RequestCount    int
	TokenCount      int
	OldestRequestTS time.Time
	OldestTokenTS   time.Time
}

func (u WindowUsage) liveRequests(now time.Time, dur time.Duration) int {
	if u.OldestRequestTS.IsZero() || !now.Before(u.OldestRequestTS.Add(dur)) {
		return 0
	}
	return u.RequestCount
}

func (u WindowUsage) liveTokens(now time.Time, dur time.Duration) int {
	if u.OldestTokenTS.IsZero() || !now.Before(u.OldestTokenTS.Add(dur)) {
		return 0
	}
	return u.TokenCount
}

// UsageStore is the persistence seam for per-scope counters, implemented by
// internal/store against the shared database so cross-process workers see a
// single truth (spec.md §4.8). MemoryUsageStore below is the in-process
// default for tests and single-process deployments.
type UsageStore interface {
	Get(ctx context.Context, scopeKey string, window Window) (WindowUsage, bool, error)
	Put(ctx context.Context, scopeKey string, window Window, usage WindowUsage) error
}

// MemoryUsageStore is an in-process UsageStore guarded by a single mutex;
// fine for tests and for a single worker pool sharing one parent process.
type MemoryUsageStore struct {
	mu   sync.Mutex
	data map[string]WindowUsage
}

// NewMemoryUsageStore returns an empty MemoryUsageStore.
func NewMemoryUsageStore() *MemoryUsageStore {
	return &MemoryUsageStore{data: map[string]WindowUsage{}}
}

func usageKey(scopeKey string, window Window) string {
	return scopeKey + "|" + string(window)
}

func (s *MemoryUsageStore) Get(_ context.Context, scopeKey string, window Window) (WindowUsage, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.data[usageKey(scopeKey, window)]
	return u, ok, nil
}

func (s *MemoryUsageStore) Put(_ context.Context, scopeKey string, window Window, usage WindowUsage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[usageKey(scopeKey, window)] = usage
	return nil
}

// Limiter enforces Config's limits against usage tracked in Store. It is an
// explicit, injectable dependency (no package-level singleton), per spec.md's
// Design Notes on global singletons becoming constructor-injected state.
type Limiter struct {
	Config *Config
	Store  UsageStore

	// Now and Sleep are overridden in tests; both default to the real clock.
	Now   func() time.Time
	Sleep func(time.Duration)
}

// NewLimiter returns a Limiter backed by store, using cfg's limits.
func NewLimiter(cfg *Config, store UsageStore) *Limiter {
	return &Limiter{Config: cfg, Store: store, Now: time.Now, Sleep: time.Sleep}
}

func (l *Limiter) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

func (l *Limiter) sleep(d time.Duration) {
	if l.Sleep != nil {
		l.Sleep(d)
		return
	}
	time.Sleep(d)
}

func (l *Limiter) maxWait() time.Duration {
	if l.Config != nil && l.Config.MaxWait > 0 {
		return l.Config.MaxWait
	}
	return DefaultMaxWait
}

// CheckAndReserve blocks until admitting one request with estimatedTokens
// tokens would not exceed any checked scope's limits, then records the
// reservation in every scope. If the computed wait exceeds the configured
// ceiling it returns a RateLimited error instead of blocking indefinitely.
func (l *Limiter) CheckAndReserve(ctx context.Context, provider, model string, estimatedTokens int) error {
	scopes := l.Config.ScopesToCheck(provider, model)
	now := l.now()

	var maxWait time.Duration
	for _, sc := range scopes {
		for _, w := range AllWindows {
			wl := sc.Limits.window(w)
			if wl == nil {
				continue
			}
			usage, _, err := l.Store.Get(ctx, sc.Key, w)
			if err != nil {
				return err
			}
			if wait := windowWait(usage, wl, sc.Limits.burstSize(l.Config.DefaultBurstSize), w.Duration(), now, estimatedTokens); wait > maxWait {
				maxWait = wait
			}
		}
	}

	if maxWait > 0 {
		if maxWait > l.maxWait() {
			return execerr.New(execerr.KindRateLimited, scopeLabel(provider, model),
				fmt.Sprintf("rate limit exceeded for %s: wait time %.1fs exceeds ceiling", scopeLabel(provider, model), maxWait.Seconds()))
		}
		l.sleep(maxWait)
		now = l.now()
	}

	for _, sc := range scopes {
		for _, w := range AllWindows {
			if err := l.reserve(ctx, sc.Key, w, now, estimatedTokens); err != nil {
				return err
			}
		}
	}
	return nil
}

// windowWait computes the time-to-availability for one scope+window. A
// still-live burst allowance (fewer than burstSize live requests so far)
// exempts the call from any wait, matching the teacher-grounded burst
// semantics in rate_limiter.py's _calculate_wait_time.
func windowWait(usage WindowUsage, wl *WindowLimit, burstSize int, dur time.Duration, now time.Time, estimatedTokens int) time.Duration {
	reqCount := usage.liveRequests(now, dur)
	if reqCount < burstSize {
		return 0
	}

	var wait time.Duration
	if wl.RequestLimit != nil && reqCount+1 > *wl.RequestLimit {
		if w := usage.OldestRequestTS.Add(dur).Sub(now); w > wait {
			wait = w
		}
	}
	if wl.TokenLimit != nil && estimatedTokens > 0 {
		tokCount := usage.liveTokens(now, dur)
		if tokCount+estimatedTokens > *wl.TokenLimit {
			if w := usage.OldestTokenTS.Add(dur).Sub(now); w > wait {
				wait = w
			}
		}
	}
	return wait
}

func (l *Limiter) reserve(ctx context.Context, scopeKey string, w Window, now time.Time, estimatedTokens int) error {
	usage, _, err := l.Store.Get(ctx, scopeKey, w)
	if err != nil {
		return err
	}
	dur := w.Duration()

	if usage.OldestRequestTS.IsZero() || !now.Before(usage.OldestRequestTS.Add(dur)) {
		usage.RequestCount = 0
		usage.OldestRequestTS = now
	}
	usage.RequestCount++

	if usage.OldestTokenTS.IsZero() || !now.Before(usage.OldestTokenTS.Add(dur)) {
		usage.TokenCount = 0
		usage.OldestTokenTS = now
	}
	usage.TokenCount += estimatedTokens

	return l.Store.Put(ctx, scopeKey, w, usage)
}

// Settle adjusts every checked scope's token count by (actualTokens -
// estimatedTokens), clamped at zero, matching spec.md's settle operation for
// retroactive accounting once a provider response reports real usage.
func (l *Limiter) Settle(ctx context.Context, provider, model string, estimatedTokens, actualTokens int) error {
	delta := actualTokens - estimatedTokens
	if delta == 0 {
		return nil
	}
	for _, sc := range l.Config.ScopesToCheck(provider, model) {
		for _, w := range AllWindows {
			usage, ok, err := l.Store.Get(ctx, sc.Key, w)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			usage.TokenCount += delta
			if usage.TokenCount < 0 {
				usage.TokenCount = 0
			}
			if err := l.Store.Put(ctx, sc.Key, w, usage); err != nil {
				return err
			}
		}
	}
	return nil
}

// ScopeStatus reports live usage for one scope, for introspection endpoints
// (check_status in the teacher's originating module).
type ScopeStatus struct {
	Key      string
	Requests map[Window]int
	Tokens   map[Window]int
}

// Status returns the live (non-expired) usage for scopeKey across every
// window, matching check_status/get_usage_snapshot.
func (l *Limiter) Status(ctx context.Context, scopeKey string) (ScopeStatus, error) {
	now := l.now()
	status := ScopeStatus{Key: scopeKey, Requests: map[Window]int{}, Tokens: map[Window]int{}}
	for _, w := range AllWindows {
		usage, ok, err := l.Store.Get(ctx, scopeKey, w)
		if err != nil {
			return status, err
		}
		if !ok {
			status.Requests[w] = 0
			status.Tokens[w] = 0
			continue
		}
		status.Requests[w] = usage.liveRequests(now, w.Duration())
		status.Tokens[w] = usage.liveTokens(now, w.Duration())
	}
	return status, nil
}
