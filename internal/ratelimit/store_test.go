package ratelimit

import (
	"path/filepath"
	"testing"
)

func TestOverrideStorePersistAndLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ratelimit_overrides.json")

	cfg := NewConfig()
	store := NewOverrideStore(path, cfg, nil)

	if err := store.Persist("gemini", "model-a", LimitFields{FieldRequestsPerMinute: 42}); err != nil {
		t.Fatalf("unexpected persist error: %v", err)
	}

	reloaded := NewConfig()
	reloadedStore := NewOverrideStore(path, reloaded, nil)
	if err := reloadedStore.Load(); err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}

	scopes := reloaded.ScopesToCheck("gemini", "model-a")
	if scopes[0].Limits == nil || scopes[0].Limits.Minute == nil || *scopes[0].Limits.Minute.RequestLimit != 42 {
		t.Fatalf("expected reloaded override to carry requests_per_minute=42, got %+v", scopes[0].Limits)
	}
}

func TestOverrideStorePersistPrunesEmptyProviderEntry(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ratelimit_overrides.json")

	cfg := NewConfig()
	store := NewOverrideStore(path, cfg, nil)

	if err := store.Persist("gemini", "", LimitFields{FieldRequestsPerMinute: 10}); err != nil {
		t.Fatalf("unexpected persist error: %v", err)
	}
	if err := store.Persist("gemini", "", LimitFields{}); err != nil {
		t.Fatalf("unexpected persist error clearing override: %v", err)
	}

	doc, err := store.readLocked()
	if err != nil {
		t.Fatalf("unexpected read error: %v", err)
	}
	if _, exists := doc.Providers["gemini"]; exists {
		t.Fatalf("expected the gemini provider entry to be pruned once empty, got %+v", doc.Providers)
	}
}

func TestOverrideStorePersistRejectsEnvConflict(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ratelimit_overrides.json")

	cfg := NewConfig()
	cfg.SetEnvLimits("gemini", "", &ScopeLimits{Minute: &WindowLimit{RequestLimit: intPtr(10)}})
	store := NewOverrideStore(path, cfg, nil)

	err := store.Persist("gemini", "", LimitFields{FieldRequestsPerMinute: 999})
	if err == nil {
		t.Fatal("expected persisting a conflicting override to fail")
	}
}

func TestScopeLimitsFromFieldsAndBack(t *testing.T) {
	fields := LimitFields{
		FieldRequestsPerMinute: 10,
		FieldTokensPerHour:     50_000,
		FieldBurstSize:         5,
	}
	limits := scopeLimitsFromFields(fields)
	roundTripped := fieldsFromScopeLimits(limits)

	if roundTripped[FieldRequestsPerMinute] != 10 || roundTripped[FieldTokensPerHour] != 50_000 || roundTripped[FieldBurstSize] != 5 {
		t.Fatalf("expected round-trip to preserve all fields, got %+v", roundTripped)
	}
}

func TestOverrideStoreSnapshotReflectsDisk(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ratelimit_overrides.json")
	cfg := NewConfig()
	store := NewOverrideStore(path, cfg, nil)

	if err := store.Persist("", "", LimitFields{FieldRequestsPerMinute: 1000}); err != nil {
		t.Fatalf("unexpected persist error: %v", err)
	}

	snap, err := store.Snapshot()
	if err != nil {
		t.Fatalf("unexpected snapshot error: %v", err)
	}
	global, ok := snap["global"].(map[string]any)
	if !ok {
		t.Fatalf("expected a global key in the snapshot, got %+v", snap)
	}
	if global[FieldRequestsPerMinute] != float64(1000) {
		t.Fatalf("expected requests_per_minute 1000 in snapshot, got %+v", global)
	}
}
