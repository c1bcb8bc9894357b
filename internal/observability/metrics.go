package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting application metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - Plan and task execution outcomes and latencies
//   - LLM request performance and response times
//   - Tool execution patterns and latencies
//   - Worker pool occupancy, spawn failures, and backoff
//   - Rate limiter wait time and rejection counts
//   - Error rates categorized by kind and component
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	metrics.RecordTaskAttempt("done")
//	defer metrics.LLMRequestDuration("anthropic", "claude-3-opus").Observe(time.Since(start).Seconds())
type Metrics struct {
	// PlanCounter tracks plans by terminal status.
	// Labels: status (done|failed|cancelled)
	PlanCounter *prometheus.CounterVec

	// PlanDuration measures plan execution wall time in seconds.
	PlanDuration *prometheus.HistogramVec

	// TaskAttemptCounter counts task attempts by terminal state.
	// Labels: state (done|failed|retrying)
	TaskAttemptCounter *prometheus.CounterVec

	// TaskAttemptDuration measures task attempt latency in seconds.
	TaskAttemptDuration *prometheus.HistogramVec

	// LLMRequestDuration measures LLM API call latency in seconds.
	// Labels: provider (anthropic|openai), model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts LLM requests by provider and model.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// LLMCostUSD tracks estimated cost in USD.
	// Labels: provider, model
	LLMCostUSD *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// ErrorCounter tracks errors by kind and component.
	// Labels: component, error_kind
	ErrorCounter *prometheus.CounterVec

	// WorkerPoolSize is a gauge of ready (idle) workers.
	WorkerPoolSize prometheus.Gauge

	// WorkerPoolInFlight is a gauge of workers currently assigned work.
	WorkerPoolInFlight prometheus.Gauge

	// WorkerSpawnCounter counts worker spawn attempts by outcome.
	// Labels: outcome (success|failure)
	WorkerSpawnCounter *prometheus.CounterVec

	// WorkerSpawnBackoffSeconds observes the backoff delay applied after a
	// spawn failure.
	WorkerSpawnBackoffSeconds prometheus.Histogram

	// RateLimiterWaitSeconds measures time callers spend blocked in Reserve.
	// Labels: scope_key
	RateLimiterWaitSeconds *prometheus.HistogramVec

	// RateLimiterRejected counts Reserve calls that returned RateLimited.
	// Labels: scope_key, window
	RateLimiterRejected *prometheus.CounterVec

	// DatabaseQueryDuration measures store query latency.
	// Labels: operation (select|insert|update|delete), table
	DatabaseQueryDuration *prometheus.HistogramVec

	// DatabaseQueryCounter counts store queries.
	// Labels: operation, table, status (success|error)
	DatabaseQueryCounter *prometheus.CounterVec

	// StreamSegmentsEmitted counts streaming parser segment events.
	// Labels: kind (message|tool_call|thoughts)
	StreamSegmentsEmitted *prometheus.CounterVec

	// AutoExecFired counts auto-execution bridge firings.
	// Labels: tool_name
	AutoExecFired *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
// This should be called once at application startup.
//
// All metrics are automatically registered with Prometheus's default registry
// and will be available at the /metrics endpoint when using prometheus HTTP handler.
func NewMetrics() *Metrics {
	return &Metrics{
		PlanCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentcore_plans_total",
				Help: "Total number of plans by terminal status",
			},
			[]string{"status"},
		),

		PlanDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentcore_plan_duration_seconds",
				Help:    "Wall-clock duration of plan execution in seconds",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"status"},
		),

		TaskAttemptCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentcore_task_attempts_total",
				Help: "Total number of task attempts by terminal state",
			},
			[]string{"state"},
		),

		TaskAttemptDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentcore_task_attempt_duration_seconds",
				Help:    "Duration of a single task attempt in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"state"},
		),

		LLMRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentcore_llm_request_duration_seconds",
				Help:    "Duration of LLM API requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		LLMRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentcore_llm_requests_total",
				Help: "Total number of LLM requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		LLMTokensUsed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentcore_llm_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		LLMCostUSD: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentcore_llm_cost_usd_total",
				Help: "Estimated LLM API cost in USD",
			},
			[]string{"provider", "model"},
		),

		ToolExecutionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentcore_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentcore_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		ErrorCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentcore_errors_total",
				Help: "Total number of errors by component and error kind",
			},
			[]string{"component", "error_kind"},
		),

		WorkerPoolSize: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "agentcore_worker_pool_ready",
				Help: "Current number of ready (idle) workers",
			},
		),

		WorkerPoolInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "agentcore_worker_pool_in_flight",
				Help: "Current number of workers assigned a task attempt",
			},
		),

		WorkerSpawnCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentcore_worker_spawns_total",
				Help: "Total number of worker spawn attempts by outcome",
			},
			[]string{"outcome"},
		),

		WorkerSpawnBackoffSeconds: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "agentcore_worker_spawn_backoff_seconds",
				Help:    "Backoff delay applied after a worker spawn failure",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
		),

		RateLimiterWaitSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentcore_rate_limiter_wait_seconds",
				Help:    "Time a caller spent blocked waiting for a rate limit reservation",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
			},
			[]string{"scope_key"},
		),

		RateLimiterRejected: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentcore_rate_limiter_rejected_total",
				Help: "Total number of rate limit reservations rejected",
			},
			[]string{"scope_key", "window"},
		),

		DatabaseQueryDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentcore_database_query_duration_seconds",
				Help:    "Duration of database queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"operation", "table"},
		),

		DatabaseQueryCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentcore_database_queries_total",
				Help: "Total number of database queries",
			},
			[]string{"operation", "table", "status"},
		),

		StreamSegmentsEmitted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentcore_stream_segments_emitted_total",
				Help: "Total number of streaming parser segment events emitted",
			},
			[]string{"kind"},
		),

		AutoExecFired: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentcore_auto_exec_fired_total",
				Help: "Total number of auto-execution bridge firings by tool name",
			},
			[]string{"tool_name"},
		),
	}
}

// RecordPlan records a plan's terminal status and total duration.
func (m *Metrics) RecordPlan(status string, durationSeconds float64) {
	m.PlanCounter.WithLabelValues(status).Inc()
	m.PlanDuration.WithLabelValues(status).Observe(durationSeconds)
}

// RecordTaskAttempt records a task attempt's terminal state and duration.
func (m *Metrics) RecordTaskAttempt(state string, durationSeconds float64) {
	m.TaskAttemptCounter.WithLabelValues(state).Inc()
	m.TaskAttemptDuration.WithLabelValues(state).Observe(durationSeconds)
}

// RecordLLMRequest records metrics for an LLM API request.
func (m *Metrics) RecordLLMRequest(provider, model, status string, durationSeconds float64, promptTokens, completionTokens int) {
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if promptTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordLLMCost records estimated API cost.
func (m *Metrics) RecordLLMCost(provider, model string, costUSD float64) {
	m.LLMCostUSD.WithLabelValues(provider, model).Add(costUSD)
}

// RecordToolExecution records metrics for a tool execution.
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordError increments the error counter for a given component and error kind.
func (m *Metrics) RecordError(component, errorKind string) {
	m.ErrorCounter.WithLabelValues(component, errorKind).Inc()
}

// SetWorkerPoolOccupancy sets the ready and in-flight worker gauges.
func (m *Metrics) SetWorkerPoolOccupancy(ready, inFlight int) {
	m.WorkerPoolSize.Set(float64(ready))
	m.WorkerPoolInFlight.Set(float64(inFlight))
}

// RecordWorkerSpawn records a worker spawn attempt outcome and, on failure,
// the backoff delay applied before the next attempt.
func (m *Metrics) RecordWorkerSpawn(outcome string, backoffSeconds float64) {
	m.WorkerSpawnCounter.WithLabelValues(outcome).Inc()
	if outcome == "failure" {
		m.WorkerSpawnBackoffSeconds.Observe(backoffSeconds)
	}
}

// RecordRateLimiterWait records time spent blocked in Reserve for a scope.
func (m *Metrics) RecordRateLimiterWait(scopeKey string, waitSeconds float64) {
	m.RateLimiterWaitSeconds.WithLabelValues(scopeKey).Observe(waitSeconds)
}

// RecordRateLimiterRejected records a Reserve call that returned RateLimited.
func (m *Metrics) RecordRateLimiterRejected(scopeKey, window string) {
	m.RateLimiterRejected.WithLabelValues(scopeKey, window).Inc()
}

// RecordDatabaseQuery records metrics for a database query.
func (m *Metrics) RecordDatabaseQuery(operation, table, status string, durationSeconds float64) {
	m.DatabaseQueryCounter.WithLabelValues(operation, table, status).Inc()
	m.DatabaseQueryDuration.WithLabelValues(operation, table).Observe(durationSeconds)
}

// RecordStreamSegment records a streaming parser segment event.
func (m *Metrics) RecordStreamSegment(kind string) {
	m.StreamSegmentsEmitted.WithLabelValues(kind).Inc()
}

// RecordAutoExec records an auto-execution bridge firing.
func (m *Metrics) RecordAutoExec(toolName string) {
	m.AutoExecFired.WithLabelValues(toolName).Inc()
}
