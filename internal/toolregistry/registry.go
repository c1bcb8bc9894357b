// Package toolregistry implements the ToolSpec registry the executor
// dispatches tasks through.
//
// Grounded on internal/agent/tool_registry.go's ToolRegistry (RWMutex-guarded
// map, Register/Get/Execute, MaxToolNameLength/MaxToolParamsSize guards) and
// extended with JSON Schema validation of inputs/outputs via
// github.com/santhosh-tekuri/jsonschema/v5, matching the teacher's use of
// the same package in gateway/ws_schema.go and config/schema.go.
package toolregistry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/agentcore/internal/execerr"
	"github.com/haasonsaas/agentcore/internal/planir"
)

// Tool parameter limits, preserved from the teacher as-is: they exist to
// bound resource exhaustion from a misbehaving or malicious plan, not to
// enforce any domain constraint.
const (
	MaxToolNameLength  = 256
	MaxToolParamsSize  = 10 << 20 // 10MB
)

// ExecutionContext carries the identifiers a tool needs to scope its side
// effects, mirroring original_source/backend/agentic/executor.py's
// ToolExecutionContext(chat_id, plan_id, task_id, base_ctx_id).
type ExecutionContext struct {
	ChatID    string
	PlanID    string
	TaskID    string
	BaseCtxID string
}

// Result is what a tool returns: an output value plus zero or more context
// operations for the executor to commit, plus free-form metadata (token
// counts, cost, provider/model used) the executor folds into the
// TaskAttempt record.
type Result struct {
	Output   string
	Ops      []json.RawMessage
	Metadata map[string]interface{}
}

// Fn is the signature every registered tool implements.
type Fn func(ctx context.Context, params map[string]*planir.Param, execCtx ExecutionContext) (*Result, error)

// Spec describes a registered tool: its dispatch function plus optional
// JSON Schemas the registry validates params/output against before and
// after invocation.
type Spec struct {
	Name         string
	Description  string
	Fn           Fn
	InputSchema  *jsonschema.Schema
	OutputSchema *jsonschema.Schema
}

// Registry is a thread-safe, name-keyed collection of tool specs.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Spec
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{tools: make(map[string]*Spec)}
}

// Register adds or replaces a tool by name (last write wins, matching the
// teacher's Register).
func (r *Registry) Register(spec *Spec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[spec.Name] = spec
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns a tool's spec by name.
func (r *Registry) Get(name string) (*Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.tools[name]
	return spec, ok
}

// Names returns every registered tool name.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// Execute dispatches params to the named tool, validating its input schema
// (if one is registered) before the call and its output schema (if one is
// registered) after. Unlike the teacher's Execute, which returns a
// wire-level error result for "not found" rather than a Go error, this
// registry returns a typed execerr.ExecError so the executor can distinguish
// UnknownTool from ToolFailure per spec.md's error taxonomy.
func (r *Registry) Execute(ctx context.Context, name string, params map[string]*planir.Param, execCtx ExecutionContext) (*Result, error) {
	if len(name) > MaxToolNameLength {
		return nil, execerr.New(execerr.KindUnknownTool, name, "tool name exceeds maximum length")
	}

	r.mu.RLock()
	spec, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, execerr.New(execerr.KindUnknownTool, name, "tool not registered")
	}

	if spec.InputSchema != nil {
		if err := validateParams(spec.InputSchema, params); err != nil {
			return nil, execerr.Wrap(execerr.KindToolFailure, name, fmt.Errorf("input schema: %w", err))
		}
	}

	result, err := runTool(ctx, spec.Fn, params, execCtx)
	if err != nil {
		return nil, execerr.Wrap(execerr.KindToolFailure, name, err)
	}

	if spec.OutputSchema != nil && result != nil {
		if err := spec.OutputSchema.Validate(result.Output); err != nil {
			return nil, execerr.Wrap(execerr.KindToolFailure, name, fmt.Errorf("output schema: %w", err))
		}
	}
	return result, nil
}

// runTool invokes fn, recovering a panic into a ToolFailure-shaped error
// rather than crashing the worker process, matching the teacher's
// ErrToolPanic sentinel's intent.
func runTool(ctx context.Context, fn Fn, params map[string]*planir.Param, execCtx ExecutionContext) (res *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool panicked: %v", r)
		}
	}()
	return fn(ctx, params, execCtx)
}

// validateParams re-marshals the tagged Param tree to plain JSON so it can
// be checked against a compiled jsonschema.Schema, which operates on decoded
// interface{} values.
func validateParams(schema *jsonschema.Schema, params map[string]*planir.Param) error {
	raw, err := json.Marshal(planir.ParamMap(params))
	if err != nil {
		return err
	}
	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return err
	}
	return schema.Validate(decoded)
}

// CompileSchema compiles an inline JSON Schema document (as produced by a
// ToolSpec's input_schema/output_schema field on the wire) into a
// *jsonschema.Schema the registry can validate against.
func CompileSchema(name string, schemaJSON []byte) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, bytes.NewReader(schemaJSON)); err != nil {
		return nil, err
	}
	return compiler.Compile(name)
}
