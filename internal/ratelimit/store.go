package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/haasonsaas/agentcore/internal/observability"
)

// Field names used in the override JSON file and in SetOverride's flat
// LimitFields map, matching the key vocabulary of
// original_source/backend/utils/rate_limit_store.py's persisted dict
// (requests_per_minute, tokens_per_hour, etc.) rather than Go field names,
// since this is the wire format operators and the admin API write directly.
const (
	FieldRequestsPerMinute = "requests_per_minute"
	FieldRequestsPerHour   = "requests_per_hour"
	FieldRequestsPerDay    = "requests_per_day"
	FieldTokensPerMinute   = "tokens_per_minute"
	FieldTokensPerHour     = "tokens_per_hour"
	FieldTokensPerDay      = "tokens_per_day"
	FieldBurstSize         = "burst_size"
)

// LimitFields is the flat, sparse representation of a ScopeLimits used for
// the JSON override file and the override-write API. A missing key leaves
// the corresponding limit untouched; this module has no notion of
// "explicitly unlimited" beyond omission.
type LimitFields map[string]int

func scopeLimitsFromFields(f LimitFields) *ScopeLimits {
	if len(f) == 0 {
		return nil
	}
	s := &ScopeLimits{}
	if v, ok := f[FieldRequestsPerMinute]; ok {
		s.Minute = setRequestLimit(s.Minute, v)
	}
	if v, ok := f[FieldTokensPerMinute]; ok {
		s.Minute = setTokenLimit(s.Minute, v)
	}
	if v, ok := f[FieldRequestsPerHour]; ok {
		s.Hour = setRequestLimit(s.Hour, v)
	}
	if v, ok := f[FieldTokensPerHour]; ok {
		s.Hour = setTokenLimit(s.Hour, v)
	}
	if v, ok := f[FieldRequestsPerDay]; ok {
		s.Day = setRequestLimit(s.Day, v)
	}
	if v, ok := f[FieldTokensPerDay]; ok {
		s.Day = setTokenLimit(s.Day, v)
	}
	if v, ok := f[FieldBurstSize]; ok {
		s.BurstSize = v
	}
	return s
}

func setRequestLimit(wl *WindowLimit, v int) *WindowLimit {
	if wl == nil {
		wl = &WindowLimit{}
	}
	val := v
	wl.RequestLimit = &val
	return wl
}

func setTokenLimit(wl *WindowLimit, v int) *WindowLimit {
	if wl == nil {
		wl = &WindowLimit{}
	}
	val := v
	wl.TokenLimit = &val
	return wl
}

func fieldsFromScopeLimits(s *ScopeLimits) LimitFields {
	f := LimitFields{}
	if s == nil {
		return f
	}
	addWindow(f, s.Minute, FieldRequestsPerMinute, FieldTokensPerMinute)
	addWindow(f, s.Hour, FieldRequestsPerHour, FieldTokensPerHour)
	addWindow(f, s.Day, FieldRequestsPerDay, FieldTokensPerDay)
	if s.BurstSize > 0 {
		f[FieldBurstSize] = s.BurstSize
	}
	return f
}

func addWindow(f LimitFields, wl *WindowLimit, requestField, tokenField string) {
	if wl == nil {
		return
	}
	if wl.RequestLimit != nil {
		f[requestField] = *wl.RequestLimit
	}
	if wl.TokenLimit != nil {
		f[tokenField] = *wl.TokenLimit
	}
}

// overrideFile is the on-disk JSON shape, grounded on rate_limit_store.py's
// `{"global": {...}, "providers": {"<provider>": {"limits": {...}, "models":
// {"<model>": {...}}}}}` document, renamed here to ratelimit_overrides.json
// under this module's configured data directory.
type overrideFile struct {
	Global    LimitFields                    `json:"global,omitempty"`
	Providers map[string]providerOverrideDoc `json:"providers,omitempty"`
}

type providerOverrideDoc struct {
	Limits LimitFields            `json:"limits,omitempty"`
	Models map[string]LimitFields `json:"models,omitempty"`
}

func emptyOverrideFile() overrideFile {
	return overrideFile{Providers: map[string]providerOverrideDoc{}}
}

// OverrideStore persists rate-limit overrides to a JSON sidecar file and
// watches it with fsnotify so sibling worker processes pick up a change a
// peer wrote without needing a restart — new wiring this module's
// multi-process worker pool needs that the original single-process source
// did not.
type OverrideStore struct {
	mu     sync.Mutex
	path   string
	config *Config
	logger *observability.Logger
}

// NewOverrideStore returns a store persisting to path and applying loaded
// overrides to cfg.
func NewOverrideStore(path string, cfg *Config, logger *observability.Logger) *OverrideStore {
	return &OverrideStore{path: path, config: cfg, logger: logger}
}

// Load reads the override file from disk (treating a missing file as empty)
// and applies every entry to the Config's Overrides layer.
func (s *OverrideStore) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.readLocked()
	if err != nil {
		return err
	}
	s.applyLocked(doc)
	return nil
}

func (s *OverrideStore) readLocked() (overrideFile, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return emptyOverrideFile(), nil
	}
	if err != nil {
		return overrideFile{}, fmt.Errorf("read rate limit overrides: %w", err)
	}
	var doc overrideFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return overrideFile{}, fmt.Errorf("parse rate limit overrides: %w", err)
	}
	if doc.Providers == nil {
		doc.Providers = map[string]providerOverrideDoc{}
	}
	return doc, nil
}

func (s *OverrideStore) applyLocked(doc overrideFile) {
	if len(doc.Global) > 0 {
		_ = s.config.SetOverride("", "", scopeLimitsFromFields(doc.Global))
	}
	for provider, entry := range doc.Providers {
		if len(entry.Limits) > 0 {
			_ = s.config.SetOverride(provider, "", scopeLimitsFromFields(entry.Limits))
		}
		for model, limits := range entry.Models {
			if len(limits) > 0 {
				_ = s.config.SetOverride(provider, model, scopeLimitsFromFields(limits))
			}
		}
	}
}

// Persist applies fields as an override for (provider, model) — provider ==
// "" means global, model == "" (with provider set) means the provider
// scope — then writes the merged document back to disk. It returns
// ConfigConflict (via Config.SetOverride) if fields collides with an
// explicit environment value.
func (s *OverrideStore) Persist(provider, model string, fields LimitFields) error {
	if err := s.config.SetOverride(provider, model, scopeLimitsFromFields(fields)); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readLocked()
	if err != nil {
		return err
	}
	pruned := pruneFields(fields)

	switch {
	case provider == "":
		if len(pruned) > 0 {
			doc.Global = pruned
		} else {
			doc.Global = nil
		}
	case model == "":
		entry := doc.Providers[provider]
		if len(pruned) > 0 {
			entry.Limits = pruned
		} else {
			entry.Limits = nil
		}
		if len(entry.Limits) == 0 && len(entry.Models) == 0 {
			delete(doc.Providers, provider)
		} else {
			doc.Providers[provider] = entry
		}
	default:
		entry := doc.Providers[provider]
		if entry.Models == nil {
			entry.Models = map[string]LimitFields{}
		}
		if len(pruned) > 0 {
			entry.Models[model] = pruned
		} else {
			delete(entry.Models, model)
		}
		if len(entry.Limits) == 0 && len(entry.Models) == 0 {
			delete(doc.Providers, provider)
		} else {
			doc.Providers[provider] = entry
		}
	}

	return s.writeLocked(doc)
}

// pruneFields drops nil-equivalent (zero-value-but-absent) keys; LimitFields
// has no "explicit null" representation so this is a passthrough that exists
// to mirror the original's _prune_limits naming at the call site.
func pruneFields(f LimitFields) LimitFields {
	out := LimitFields{}
	for k, v := range f {
		out[k] = v
	}
	return out
}

func (s *OverrideStore) writeLocked(doc overrideFile) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create rate limit override dir: %w", err)
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal rate limit overrides: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("write rate limit overrides: %w", err)
	}
	return nil
}

// Watch starts an fsnotify watch on the override file's directory and
// reloads on every write/create event, invoking onReload (if non-nil) after
// each successful reload. It blocks until ctx is cancelled.
func (s *OverrideStore) Watch(ctx context.Context, onReload func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create override file watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create rate limit override dir: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch rate limit override dir: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(s.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := s.Load(); err != nil {
				if s.logger != nil {
					s.logger.Warn(ctx, "failed to reload rate limit overrides", "error", err, "path", s.path)
				}
				continue
			}
			if onReload != nil {
				onReload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			if s.logger != nil {
				s.logger.Warn(ctx, "rate limit override watcher error", "error", err)
			}
		}
	}
}

// Snapshot returns the effective override document currently on disk, for
// the admin introspection surface (get_rate_limit_overrides).
func (s *OverrideStore) Snapshot() (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.readLocked()
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}
