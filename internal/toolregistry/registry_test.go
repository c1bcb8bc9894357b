package toolregistry

import (
	"context"
	"testing"

	"github.com/haasonsaas/agentcore/internal/execerr"
	"github.com/haasonsaas/agentcore/internal/planir"
)

func echoTool(_ context.Context, params map[string]*planir.Param, _ ExecutionContext) (*Result, error) {
	v, ok := params["text"]
	if !ok {
		return &Result{Output: ""}, nil
	}
	return &Result{Output: v.String()}, nil
}

func TestExecuteUnknownToolReturnsUnknownToolKind(t *testing.T) {
	r := New()
	_, err := r.Execute(context.Background(), "missing", nil, ExecutionContext{})
	if err == nil || !execerr.Is(err, execerr.KindUnknownTool) {
		t.Fatalf("expected UnknownTool error, got %v", err)
	}
}

func TestExecuteDispatchesRegisteredTool(t *testing.T) {
	r := New()
	r.Register(&Spec{Name: "echo", Fn: echoTool})

	res, err := r.Execute(context.Background(), "echo", map[string]*planir.Param{
		"text": planir.ParamString("hi"),
	}, ExecutionContext{TaskID: "t1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Output != "hi" {
		t.Fatalf("expected output 'hi', got %q", res.Output)
	}
}

func TestExecuteRecoversPanic(t *testing.T) {
	r := New()
	r.Register(&Spec{Name: "boom", Fn: func(context.Context, map[string]*planir.Param, ExecutionContext) (*Result, error) {
		panic("kaboom")
	}})

	_, err := r.Execute(context.Background(), "boom", nil, ExecutionContext{})
	if err == nil || !execerr.Is(err, execerr.KindToolFailure) {
		t.Fatalf("expected ToolFailure error from recovered panic, got %v", err)
	}
}

func TestInputSchemaRejectsInvalidParams(t *testing.T) {
	schema, err := CompileSchema("echo-input", []byte(`{
		"type": "object",
		"required": ["text"],
		"properties": {"text": {"type": "string"}}
	}`))
	if err != nil {
		t.Fatalf("failed to compile schema: %v", err)
	}

	r := New()
	r.Register(&Spec{Name: "echo", Fn: echoTool, InputSchema: schema})

	if _, err := r.Execute(context.Background(), "echo", nil, ExecutionContext{}); err == nil {
		t.Fatal("expected schema validation failure for missing required field")
	}

	res, err := r.Execute(context.Background(), "echo", map[string]*planir.Param{
		"text": planir.ParamString("hi"),
	}, ExecutionContext{})
	if err != nil {
		t.Fatalf("unexpected error with valid params: %v", err)
	}
	if res.Output != "hi" {
		t.Fatalf("expected output 'hi', got %q", res.Output)
	}
}

func TestUnregisterRemovesTool(t *testing.T) {
	r := New()
	r.Register(&Spec{Name: "echo", Fn: echoTool})
	r.Unregister("echo")
	if _, ok := r.Get("echo"); ok {
		t.Fatal("expected tool to be removed")
	}
}
