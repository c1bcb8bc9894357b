package executor

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/haasonsaas/agentcore/internal/contextstore"
	"github.com/haasonsaas/agentcore/internal/events"
	"github.com/haasonsaas/agentcore/internal/planir"
	"github.com/haasonsaas/agentcore/internal/toolregistry"
)

func writeTool(output string) toolregistry.Fn {
	return func(_ context.Context, params map[string]*planir.Param, _ toolregistry.ExecutionContext) (*toolregistry.Result, error) {
		op, _ := json.Marshal(map[string]string{"op": "write", "value": output})
		return &toolregistry.Result{
			Output: output,
			Ops:    []json.RawMessage{op},
		}, nil
	}
}

func newTestExecutor() (*Executor, *MemoryAttemptStore, *contextstore.MemoryStore) {
	attempts := NewMemoryAttemptStore()
	ctxStore := contextstore.NewMemoryStore()
	return &Executor{
		Contexts: ctxStore,
		Tools:    toolregistry.New(),
		Attempts: attempts,
		Events:   &events.Publisher{},
	}, attempts, ctxStore
}

func TestExecuteLinearPlanCommitsSequentialContexts(t *testing.T) {
	ex, attempts, _ := newTestExecutor()
	ex.Tools.Register(&toolregistry.Spec{Name: "step.a", Fn: writeTool("a-out")})
	ex.Tools.Register(&toolregistry.Spec{Name: "step.b", Fn: writeTool("b-out")})

	plan := planir.NewPlanIR("plan-1", "ctx-0")
	plan.AddTask(&planir.TaskDef{TaskID: "a", Tool: "step.a"})
	plan.AddTask(&planir.TaskDef{TaskID: "b", Tool: "step.b", DependsOn: []string{"a"}})

	result, err := ex.Execute(context.Background(), "chat-1", plan)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.TaskResults["a"].Output != "a-out" || result.TaskResults["b"].Output != "b-out" {
		t.Fatalf("unexpected task results: %+v", result.TaskResults)
	}
	if result.FinalCtxID == "ctx-0" {
		t.Fatal("expected final context to differ from base after commits")
	}

	aAttempts := attempts.Attempts("plan-1", "a")
	if len(aAttempts) != 1 || aAttempts[0].State != AttemptDone {
		t.Fatalf("expected exactly one DONE attempt for task a, got %+v", aAttempts)
	}
}

func TestExecuteTemplatesTaskOutput(t *testing.T) {
	ex, _, _ := newTestExecutor()
	ex.Tools.Register(&toolregistry.Spec{Name: "producer", Fn: writeTool("hello")})

	var seenGreeting string
	ex.Tools.Register(&toolregistry.Spec{Name: "consumer", Fn: func(_ context.Context, params map[string]*planir.Param, _ toolregistry.ExecutionContext) (*toolregistry.Result, error) {
		seenGreeting = params["greeting"].String()
		return &toolregistry.Result{Output: "done"}, nil
	}})

	plan := planir.NewPlanIR("plan-1", "ctx-0")
	plan.AddTask(&planir.TaskDef{TaskID: "p", Tool: "producer"})
	plan.AddTask(&planir.TaskDef{
		TaskID: "c", Tool: "consumer", DependsOn: []string{"p"},
		Params: map[string]*planir.Param{"greeting": planir.ParamString("say: {{task.p.output}}")},
	})

	if _, err := ex.Execute(context.Background(), "chat-1", plan); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seenGreeting != "say: hello" {
		t.Fatalf("expected templated param 'say: hello', got %q", seenGreeting)
	}
}

func TestExecuteForkJoinUsesLastListedDependencyWithContext(t *testing.T) {
	ex, _, _ := newTestExecutor()
	ex.Tools.Register(&toolregistry.Spec{Name: "left", Fn: writeTool("left-out")})
	ex.Tools.Register(&toolregistry.Spec{Name: "right", Fn: writeTool("right-out")})

	var joinBaseCtx string
	ex.Tools.Register(&toolregistry.Spec{Name: "join", Fn: func(_ context.Context, _ map[string]*planir.Param, execCtx toolregistry.ExecutionContext) (*toolregistry.Result, error) {
		joinBaseCtx = execCtx.BaseCtxID
		return &toolregistry.Result{Output: "joined"}, nil
	}})

	plan := planir.NewPlanIR("plan-1", "ctx-0")
	plan.AddTask(&planir.TaskDef{TaskID: "left", Tool: "left"})
	plan.AddTask(&planir.TaskDef{TaskID: "right", Tool: "right"})
	// join lists "left" then "right": per the fork-join rule, the LAST
	// listed dependency with a recorded context wins, so join must run
	// against right's committed context, not left's.
	plan.AddTask(&planir.TaskDef{TaskID: "join", Tool: "join", DependsOn: []string{"left", "right"}})

	if _, err := ex.Execute(context.Background(), "chat-1", plan); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if joinBaseCtx == "" || joinBaseCtx == "ctx-0" {
		t.Fatalf("expected join to run against a committed context, got %q", joinBaseCtx)
	}
}

func TestExecuteFailsFastAndRecordsFailedAttempt(t *testing.T) {
	ex, attempts, _ := newTestExecutor()
	ex.Tools.Register(&toolregistry.Spec{Name: "boom", Fn: func(context.Context, map[string]*planir.Param, toolregistry.ExecutionContext) (*toolregistry.Result, error) {
		return nil, errBoom
	}})
	ex.Tools.Register(&toolregistry.Spec{Name: "never", Fn: writeTool("should-not-run")})

	plan := planir.NewPlanIR("plan-1", "ctx-0")
	plan.AddTask(&planir.TaskDef{TaskID: "a", Tool: "boom"})
	plan.AddTask(&planir.TaskDef{TaskID: "b", Tool: "never", DependsOn: []string{"a"}})

	_, err := ex.Execute(context.Background(), "chat-1", plan)
	if err == nil {
		t.Fatal("expected execution to fail")
	}
	aAttempts := attempts.Attempts("plan-1", "a")
	if len(aAttempts) != 1 || aAttempts[0].State != AttemptFailed {
		t.Fatalf("expected FAILED attempt for task a, got %+v", aAttempts)
	}
	if len(attempts.Attempts("plan-1", "b")) != 0 {
		t.Fatal("expected downstream task b to never be attempted")
	}
}

func TestExecuteExtractsTokensAndCostFromNestedUsage(t *testing.T) {
	ex, attempts, _ := newTestExecutor()
	ex.Tools.Register(&toolregistry.Spec{Name: "llm.call", Fn: func(context.Context, map[string]*planir.Param, toolregistry.ExecutionContext) (*toolregistry.Result, error) {
		return &toolregistry.Result{
			Output: "ok",
			Metadata: map[string]interface{}{
				"provider": "anthropic",
				"model":    "claude-3",
				"usage": map[string]interface{}{
					"total_tokens": 42,
					"total_cost":   0.015,
				},
			},
		}, nil
	}})

	plan := planir.NewPlanIR("plan-1", "ctx-0")
	plan.AddTask(&planir.TaskDef{TaskID: "a", Tool: "llm.call"})

	if _, err := ex.Execute(context.Background(), "chat-1", plan); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	aAttempts := attempts.Attempts("plan-1", "a")
	if len(aAttempts) != 1 {
		t.Fatalf("expected exactly one attempt, got %+v", aAttempts)
	}
	if aAttempts[0].Tokens != 42 {
		t.Errorf("Tokens = %d, want 42", aAttempts[0].Tokens)
	}
	if aAttempts[0].CostUSD != 0.015 {
		t.Errorf("CostUSD = %v, want 0.015", aAttempts[0].CostUSD)
	}
}

type boomErr struct{}

func (boomErr) Error() string { return "boom" }

var errBoom = boomErr{}
