// Package planir defines the task DAG wire format (PlanIR) and the
// validation/topological-ordering/fingerprinting operations performed on it
// before execution.
//
// The shape here is grounded on original_source/backend/agentic/task_ir.py's
// TaskDef/PlanIR dataclasses (see the corresponding test,
// original_source/backend/tests/agents/test_task_ir.py): a TaskDef serializes
// its identifier under the "id" key, not "task_id", and PlanIR defaults
// version to "1.0" and tasks/metadata to empty collections.
package planir

import (
	"encoding/json"
)

// Param is a tagged-union parameter value: a scalar, a map, or a list. Plans
// arrive as JSON, so params may need templating
// (see internal/executor.ResolveParams) before a tool ever sees them; keeping
// params as this variant (rather than raw json.RawMessage) lets the
// executor walk and rewrite them without round-tripping through encoding/json
// on every task.
type Param struct {
	Str    *string
	Num    *float64
	Bool   *bool
	Null   bool
	Map    map[string]*Param
	List   []*Param
}

// ParamString constructs a scalar string Param.
func ParamString(s string) *Param { return &Param{Str: &s} }

// ParamNum constructs a scalar numeric Param.
func ParamNum(n float64) *Param { return &Param{Num: &n} }

// ParamBool constructs a scalar boolean Param.
func ParamBool(b bool) *Param { return &Param{Bool: &b} }

// ParamNull constructs the null Param.
func ParamNull() *Param { return &Param{Null: true} }

// ParamMap constructs a map Param.
func ParamMap(m map[string]*Param) *Param { return &Param{Map: m} }

// ParamList constructs a list Param.
func ParamList(l []*Param) *Param { return &Param{List: l} }

// IsScalar reports whether p holds a single leaf value (string, number,
// bool, or null) as opposed to Map/List.
func (p *Param) IsScalar() bool {
	if p == nil {
		return false
	}
	return p.Str != nil || p.Num != nil || p.Bool != nil || p.Null
}

// UnmarshalJSON decodes a JSON value into the appropriate Param variant.
func (p *Param) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*p = *fromAny(raw)
	return nil
}

func fromAny(v interface{}) *Param {
	switch t := v.(type) {
	case nil:
		return ParamNull()
	case string:
		return ParamString(t)
	case float64:
		return ParamNum(t)
	case bool:
		return ParamBool(t)
	case map[string]interface{}:
		m := make(map[string]*Param, len(t))
		for k, v := range t {
			m[k] = fromAny(v)
		}
		return ParamMap(m)
	case []interface{}:
		l := make([]*Param, len(t))
		for i, v := range t {
			l[i] = fromAny(v)
		}
		return ParamList(l)
	default:
		return ParamNull()
	}
}

// MarshalJSON encodes a Param back to its JSON form.
func (p *Param) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.toAny())
}

func (p *Param) toAny() interface{} {
	if p == nil || p.Null {
		return nil
	}
	switch {
	case p.Str != nil:
		return *p.Str
	case p.Num != nil:
		return *p.Num
	case p.Bool != nil:
		return *p.Bool
	case p.Map != nil:
		m := make(map[string]interface{}, len(p.Map))
		for k, v := range p.Map {
			m[k] = v.toAny()
		}
		return m
	case p.List != nil:
		l := make([]interface{}, len(p.List))
		for i, v := range p.List {
			l[i] = v.toAny()
		}
		return l
	default:
		return nil
	}
}

// String returns the textual form of a scalar Param for templating and
// hashing. Non-scalars are rendered as their compact JSON form.
func (p *Param) String() string {
	if p == nil || p.Null {
		return ""
	}
	if p.Str != nil {
		return *p.Str
	}
	if p.Num != nil {
		return trimFloat(*p.Num)
	}
	if p.Bool != nil {
		if *p.Bool {
			return "true"
		}
		return "false"
	}
	b, err := json.Marshal(p.toAny())
	if err != nil {
		return ""
	}
	return string(b)
}

// TaskDef is a single node in a PlanIR's DAG.
type TaskDef struct {
	TaskID     string           `json:"id"`
	Tool       string           `json:"tool"`
	Params     map[string]*Param `json:"params,omitempty"`
	DependsOn  []string         `json:"depends_on,omitempty"`
	Reads      []string         `json:"reads,omitempty"`
	Writes     []string         `json:"writes,omitempty"`
	Retries    int              `json:"retries"`
	TimeoutMs  *int             `json:"timeout_ms,omitempty"`
	Policy     map[string]*Param `json:"policy,omitempty"`
}

// PlanIR is a validated, topologically-orderable task DAG anchored to a
// starting context snapshot.
type PlanIR struct {
	PlanID     string              `json:"plan_id"`
	BaseCtxID  string              `json:"base_ctx_id"`
	Tasks      map[string]*TaskDef `json:"tasks"`
	Metadata   map[string]*Param   `json:"metadata"`
	Version    string              `json:"version"`
}

// NewPlanIR builds an empty PlanIR with the defaults the wire format expects
// (version "1.0", empty tasks/metadata maps) so a freshly constructed plan
// marshals identically to one round-tripped through JSON.
func NewPlanIR(planID, baseCtxID string) *PlanIR {
	return &PlanIR{
		PlanID:    planID,
		BaseCtxID: baseCtxID,
		Tasks:     make(map[string]*TaskDef),
		Metadata:  make(map[string]*Param),
		Version:   "1.0",
	}
}

// UnmarshalJSON applies the same defaulting NewPlanIR does, so plans
// deserialized from storage or the wire behave identically to ones built in
// memory.
func (p *PlanIR) UnmarshalJSON(data []byte) error {
	type alias PlanIR
	aux := alias{Version: "1.0"}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*p = PlanIR(aux)
	if p.Tasks == nil {
		p.Tasks = make(map[string]*TaskDef)
	}
	if p.Metadata == nil {
		p.Metadata = make(map[string]*Param)
	}
	if p.Version == "" {
		p.Version = "1.0"
	}
	return nil
}

// AddTask inserts or replaces a task by its TaskID.
func (p *PlanIR) AddTask(t *TaskDef) {
	if p.Tasks == nil {
		p.Tasks = make(map[string]*TaskDef)
	}
	p.Tasks[t.TaskID] = t
}
