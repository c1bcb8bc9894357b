// Package executor implements the PlanIR executor: it walks a validated
// task DAG in topological order, resolves each task's parameter templates
// against prior task outputs, dispatches to the tool registry, commits any
// resulting context operations, and persists a TaskAttempt + ToolCallRecord
// per task.
//
// This is a direct behavioral port of
// original_source/backend/agentic/executor.py's AgentExecutor.execute, kept
// line-for-line equivalent in control flow (including its
// _determine_base_ctx fork-join rule: the last listed dependency that has a
// recorded context wins, not a merge of all parent contexts) and adapted to
// Go idioms borrowed from the teacher's internal/tasks/executor.go (an
// injected-dependency struct with a logger field, rather than a free
// function) and internal/agent/tool_registry.go (RWMutex-guarded registry
// access).
package executor

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/agentcore/internal/contextstore"
	"github.com/haasonsaas/agentcore/internal/events"
	"github.com/haasonsaas/agentcore/internal/execerr"
	"github.com/haasonsaas/agentcore/internal/planir"
	"github.com/haasonsaas/agentcore/internal/toolregistry"
)

// templatePattern matches {{task.<id>.output}} references inside a scalar
// string param. Grounded exactly on the original's
// `_TEMPLATE = re.compile(r"\{\{task\.([^.}]+)\.output\}\}")`.
var templatePattern = regexp.MustCompile(`\{\{task\.([^.}]+)\.output\}\}`)

// AttemptState mirrors the original's state column values.
type AttemptState string

const (
	AttemptPending AttemptState = "PENDING"
	AttemptRunning AttemptState = "RUNNING"
	AttemptDone    AttemptState = "DONE"
	AttemptFailed  AttemptState = "FAILED"
)

// TaskAttempt is one row of the task_attempts table (spec.md §6).
type TaskAttempt struct {
	PlanID    string
	TaskID    string
	Attempt   int
	State     AttemptState
	BaseCtxID string
	NewCtxID  string
	Provider  string
	Model     string
	Tokens    int
	CostUSD   float64
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ToolCallRecord is one row of the tool_calls table (spec.md §6).
type ToolCallRecord struct {
	PlanID     string
	TaskID     string
	Attempt    int
	Tool       string
	Provider   string
	Model      string
	InputHash  string
	OutputHash string
	Ops        []json.RawMessage
	LatencyMs  int
	Tokens     int
	CostUSD    float64
	CreatedAt  time.Time
}

// AttemptStore persists task attempts and tool call records. A full
// persistence backend (internal/store) satisfies this alongside the
// teacher's other storage concerns; tests use the in-memory implementation
// in this package.
type AttemptStore interface {
	InsertTaskAttempt(ctx context.Context, a *TaskAttempt) (attemptNo int, err error)
	UpdateTaskAttemptState(ctx context.Context, planID, taskID string, attempt int, state AttemptState, newCtxID string, provider, model string, tokens int, cost float64, errMsg string) error
	RecordToolCall(ctx context.Context, rec *ToolCallRecord) error
}

// TaskResult is the per-task outcome collected during a run, keyed by task
// ID for templating subsequent tasks and for the caller's final result.
type TaskResult struct {
	Output   string
	Metadata map[string]interface{}
}

// RunResult is Execute's return value, mirroring the original's
// {"final_ctx_id": ..., "task_results": ...}.
type RunResult struct {
	FinalCtxID  string
	TaskResults map[string]*TaskResult
}

// Executor runs validated PlanIRs against a tool registry and context
// store, publishing lifecycle events as it goes.
type Executor struct {
	Contexts contextstore.Store
	Tools    *toolregistry.Registry
	Attempts AttemptStore
	Events   *events.Publisher
	Logger   *slog.Logger
	Tracer   trace.Tracer
}

// Execute runs every task in plan, in topological order, against chatID's
// context chain. It fails fast: the first tool error aborts the run and is
// returned, leaving later tasks un-attempted (matching the original's bare
// `raise` after recording the FAILED attempt).
func (e *Executor) Execute(ctx context.Context, chatID string, plan *planir.PlanIR) (*RunResult, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	order, err := plan.TopologicalOrder()
	if err != nil {
		return nil, err
	}

	taskResults := make(map[string]*TaskResult, len(order))
	taskContexts := make(map[string]string, len(order))
	latestCtx := plan.BaseCtxID

	for _, taskID := range order {
		task := plan.Tasks[taskID]
		baseCtx := e.determineBaseCtx(task, taskContexts, latestCtx)

		attemptNo, err := e.Attempts.InsertTaskAttempt(ctx, &TaskAttempt{
			PlanID:    plan.PlanID,
			TaskID:    taskID,
			State:     AttemptPending,
			BaseCtxID: baseCtx,
			CreatedAt: time.Now().UTC(),
		})
		if err != nil {
			return nil, execerr.Wrap(execerr.KindToolFailure, taskID, err)
		}
		if e.Events != nil {
			e.Events.TaskStateChanged(plan.PlanID, taskID, events.TaskPending, attemptNo, "")
		}

		if err := e.Attempts.UpdateTaskAttemptState(ctx, plan.PlanID, taskID, attemptNo, AttemptRunning, "", "", "", 0, 0, ""); err != nil {
			return nil, execerr.Wrap(execerr.KindToolFailure, taskID, err)
		}
		if e.Events != nil {
			e.Events.TaskStateChanged(plan.PlanID, taskID, events.TaskRunning, attemptNo, "")
		}

		spanCtx, span := e.startSpan(ctx, "task.execute", taskID, task.Tool)
		resolvedParams := resolveParams(task.Params, taskResults)
		execCtx := toolregistry.ExecutionContext{
			ChatID: chatID, PlanID: plan.PlanID, TaskID: taskID, BaseCtxID: baseCtx,
		}

		start := time.Now()
		result, toolErr := e.Tools.Execute(spanCtx, task.Tool, resolvedParams, execCtx)
		latencyMs := int(time.Since(start).Milliseconds())
		if span != nil {
			span.End()
		}

		if toolErr != nil {
			_ = e.Attempts.UpdateTaskAttemptState(ctx, plan.PlanID, taskID, attemptNo, AttemptFailed, "", "", "", 0, 0, toolErr.Error())
			if e.Events != nil {
				e.Events.TaskStateChanged(plan.PlanID, taskID, events.TaskFailed, attemptNo, "")
			}
			return nil, toolErr
		}

		newCtxID := baseCtx
		if len(result.Ops) > 0 {
			snap, err := e.Contexts.CommitOperations(chatID, baseCtx, result.Ops, map[string]string{"task_id": taskID, "plan_id": plan.PlanID})
			if err != nil {
				return nil, execerr.Wrap(execerr.KindToolFailure, taskID, err)
			}
			if snap != nil {
				newCtxID = snap.ID
				if e.Events != nil {
					e.Events.ContextCommittedEvent(plan.PlanID, taskID, baseCtx, newCtxID)
				}
			}
		}

		provider, _ := result.Metadata["provider"].(string)
		model, _ := result.Metadata["model"].(string)
		tokens, cost := usageFromMetadata(result.Metadata)

		if err := e.Attempts.UpdateTaskAttemptState(ctx, plan.PlanID, taskID, attemptNo, AttemptDone, newCtxID, provider, model, tokens, cost, ""); err != nil {
			return nil, execerr.Wrap(execerr.KindToolFailure, taskID, err)
		}
		if e.Events != nil {
			e.Events.TaskStateChanged(plan.PlanID, taskID, events.TaskDone, attemptNo, newCtxID)
		}

		inputHash := contextstore.HashPayload(paramMapToAny(resolvedParams))
		if h, ok := result.Metadata["input_hash"].(string); ok && h != "" {
			inputHash = h
		}
		outputHash := contextstore.HashPayload(result.Output)

		if err := e.Attempts.RecordToolCall(ctx, &ToolCallRecord{
			PlanID: plan.PlanID, TaskID: taskID, Attempt: attemptNo, Tool: task.Tool,
			Provider: provider, Model: model, InputHash: inputHash, OutputHash: outputHash,
			Ops: result.Ops, LatencyMs: latencyMs, Tokens: tokens, CostUSD: cost,
			CreatedAt: time.Now().UTC(),
		}); err != nil {
			return nil, execerr.Wrap(execerr.KindToolFailure, taskID, err)
		}
		if e.Events != nil {
			e.Events.ToolCalledEvent(events.ToolCalled{
				PlanID: plan.PlanID, TaskID: taskID, Tool: task.Tool, Provider: provider, Model: model,
				InputHash: inputHash, OutputHash: outputHash, LatencyMs: latencyMs, Tokens: tokens, CostUSD: cost,
			})
		}

		taskResults[taskID] = &TaskResult{Output: result.Output, Metadata: result.Metadata}
		taskContexts[taskID] = newCtxID
		latestCtx = newCtxID
	}

	return &RunResult{FinalCtxID: latestCtx, TaskResults: taskResults}, nil
}

// determineBaseCtx picks the base context a task executes against. With no
// dependencies, it inherits the plan's running latest context. With
// dependencies, it walks DependsOn IN THE ORDER LISTED and keeps the last
// one that has a recorded context, falling back to latestCtx if none of the
// dependencies committed anything — this is the exact, intentionally
// asymmetric fork-join rule the original implements (it does not merge
// parent contexts; "last listed dependency wins").
func (e *Executor) determineBaseCtx(task *planir.TaskDef, taskContexts map[string]string, latestCtx string) string {
	if len(task.DependsOn) == 0 {
		return latestCtx
	}
	candidate := ""
	found := false
	for _, dep := range task.DependsOn {
		if ctxID, ok := taskContexts[dep]; ok && ctxID != "" {
			candidate = ctxID
			found = true
		}
	}
	if found {
		return candidate
	}
	return latestCtx
}

// resolveParams walks a task's param tree, substituting any
// {{task.<id>.output}} reference found in a scalar string with that task's
// recorded output (rendered as text, per the original's
// _extract_output: str(task_results.get(task_id, {}).get("output", ""))).
// Non-string scalars and nested maps/lists are walked recursively but left
// otherwise untouched.
func resolveParams(params map[string]*planir.Param, results map[string]*TaskResult) map[string]*planir.Param {
	if params == nil {
		return nil
	}
	out := make(map[string]*planir.Param, len(params))
	for k, v := range params {
		out[k] = resolveParam(v, results)
	}
	return out
}

func resolveParam(p *planir.Param, results map[string]*TaskResult) *planir.Param {
	if p == nil {
		return nil
	}
	switch {
	case p.Str != nil:
		resolved := templatePattern.ReplaceAllStringFunc(*p.Str, func(match string) string {
			sub := templatePattern.FindStringSubmatch(match)
			if len(sub) != 2 {
				return match
			}
			return extractOutput(results, sub[1])
		})
		return planir.ParamString(resolved)
	case p.Map != nil:
		m := make(map[string]*planir.Param, len(p.Map))
		for k, v := range p.Map {
			m[k] = resolveParam(v, results)
		}
		return planir.ParamMap(m)
	case p.List != nil:
		l := make([]*planir.Param, len(p.List))
		for i, v := range p.List {
			l[i] = resolveParam(v, results)
		}
		return planir.ParamList(l)
	default:
		return p
	}
}

// usageFromMetadata reads token/cost accounting out of the nested
// metadata.usage map a tool result reports, matching
// original_source/backend/agentic/executor.py: usage = metadata.get("usage")
// or {}; tokens = usage.get("total_tokens") or usage.get("tokens") or 0;
// cost = usage.get("total_cost"). Numeric fields may arrive as int or
// float64 depending on how the tool populated the map (a literal Go int vs.
// a value round-tripped through encoding/json), so both are accepted.
func usageFromMetadata(metadata map[string]interface{}) (int, float64) {
	usage, _ := metadata["usage"].(map[string]interface{})
	if usage == nil {
		return 0, 0
	}
	tokens := toInt(usage["total_tokens"])
	if tokens == 0 {
		tokens = toInt(usage["tokens"])
	}
	cost := toFloat(usage["total_cost"])
	return tokens, cost
}

func toInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}

func extractOutput(results map[string]*TaskResult, taskID string) string {
	r, ok := results[taskID]
	if !ok {
		return ""
	}
	return r.Output
}

func paramMapToAny(params map[string]*planir.Param) map[string]interface{} {
	out := make(map[string]interface{}, len(params))
	b, err := json.Marshal(planir.ParamMap(params))
	if err != nil {
		return out
	}
	_ = json.Unmarshal(b, &out)
	return out
}

func (e *Executor) startSpan(ctx context.Context, name, taskID, tool string) (context.Context, trace.Span) {
	if e.Tracer == nil {
		return ctx, nil
	}
	return e.Tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("task_id", taskID),
		attribute.String("tool", tool),
	))
}
