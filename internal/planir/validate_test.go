package planir

import (
	"strings"
	"testing"

	"github.com/haasonsaas/agentcore/internal/execerr"
)

func linearPlan() *PlanIR {
	p := NewPlanIR("plan-1", "ctx-0")
	p.AddTask(&TaskDef{TaskID: "a", Tool: "file.read"})
	p.AddTask(&TaskDef{TaskID: "b", Tool: "file.write", DependsOn: []string{"a"}})
	p.AddTask(&TaskDef{TaskID: "c", Tool: "file.write", DependsOn: []string{"b"}})
	return p
}

func TestValidateAcceptsLinearPlan(t *testing.T) {
	if err := linearPlan().Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
}

func TestValidateRejectsMissingTool(t *testing.T) {
	p := NewPlanIR("plan-1", "ctx-0")
	p.AddTask(&TaskDef{TaskID: "a"})
	err := p.Validate()
	if err == nil {
		t.Fatal("expected validation error for missing tool")
	}
	if !execerr.Is(err, execerr.KindInvalidPlan) {
		t.Fatalf("expected InvalidPlan kind, got %v", err)
	}
}

func TestValidateRejectsUnknownDependency(t *testing.T) {
	p := NewPlanIR("plan-1", "ctx-0")
	p.AddTask(&TaskDef{TaskID: "a", Tool: "file.read", DependsOn: []string{"ghost"}})
	err := p.Validate()
	if err == nil {
		t.Fatal("expected validation error for unknown dependency")
	}
	if !execerr.Is(err, execerr.KindInvalidPlan) {
		t.Fatalf("expected InvalidPlan kind, got %v", err)
	}
}

func TestValidateRejectsCycle(t *testing.T) {
	p := NewPlanIR("plan-1", "ctx-0")
	p.AddTask(&TaskDef{TaskID: "a", Tool: "x", DependsOn: []string{"b"}})
	p.AddTask(&TaskDef{TaskID: "b", Tool: "x", DependsOn: []string{"a"}})
	err := p.Validate()
	if err == nil {
		t.Fatal("expected cycle detection error")
	}
	if !execerr.Is(err, execerr.KindInvalidPlan) {
		t.Fatalf("expected InvalidPlan kind, got %v", err)
	}
	if !strings.Contains(err.Error(), "Cycle") {
		t.Fatalf("expected error message to contain %q, got %q", "Cycle", err.Error())
	}
}

func TestValidateRejectsNegativeRetries(t *testing.T) {
	p := NewPlanIR("plan-1", "ctx-0")
	p.AddTask(&TaskDef{TaskID: "a", Tool: "file.read", Retries: -1})
	err := p.Validate()
	if err == nil {
		t.Fatal("expected validation error for negative retries")
	}
	if !execerr.Is(err, execerr.KindInvalidPlan) {
		t.Fatalf("expected InvalidPlan kind, got %v", err)
	}
	if !strings.Contains(err.Error(), "negative") {
		t.Fatalf("expected error message to contain %q, got %q", "negative", err.Error())
	}
}

func TestTopologicalOrderRespectsDependencies(t *testing.T) {
	order, err := linearPlan().TopologicalOrder()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	if pos["a"] >= pos["b"] || pos["b"] >= pos["c"] {
		t.Fatalf("expected order a, b, c; got %v", order)
	}
}

func TestFingerprintDeterministicUnderInsertionOrder(t *testing.T) {
	p1 := NewPlanIR("plan-1", "ctx-0")
	p1.AddTask(&TaskDef{TaskID: "a", Tool: "x"})
	p1.AddTask(&TaskDef{TaskID: "b", Tool: "y", DependsOn: []string{"a"}})

	p2 := NewPlanIR("plan-1", "ctx-0")
	p2.AddTask(&TaskDef{TaskID: "b", Tool: "y", DependsOn: []string{"a"}})
	p2.AddTask(&TaskDef{TaskID: "a", Tool: "x"})

	if p1.Fingerprint() != p2.Fingerprint() {
		t.Fatal("fingerprint should not depend on map insertion order")
	}
}

func TestFingerprintChangesWithContent(t *testing.T) {
	p1 := linearPlan()
	p2 := linearPlan()
	p2.Tasks["a"].Tool = "file.other"

	if p1.Fingerprint() == p2.Fingerprint() {
		t.Fatal("expected different fingerprints for different plan content")
	}
}
