package planir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/haasonsaas/agentcore/internal/execerr"
)

// Validate checks structural invariants: every task has a tool, every
// task's retry count is non-negative, every dependency refers to a task
// present in the plan, and the dependency graph has no cycle. Its cases
// are pinned down by original_source/backend/tests/agents/test_task_ir.py
// (e.g. test_validate_rejects_negative_retries), which raises with a
// message naming the offending task_id.
func (p *PlanIR) Validate() error {
	for id, t := range p.Tasks {
		if id == "" {
			return execerr.New(execerr.KindInvalidPlan, p.PlanID, "task has empty id")
		}
		if t.TaskID != id {
			return execerr.New(execerr.KindInvalidPlan, id, "task id does not match its map key")
		}
		if strings.TrimSpace(t.Tool) == "" {
			return execerr.New(execerr.KindInvalidPlan, id, "task missing tool")
		}
		if t.Retries < 0 {
			return execerr.New(execerr.KindInvalidPlan, id, fmt.Sprintf("negative retries: %d", t.Retries))
		}
		for _, dep := range t.DependsOn {
			if _, ok := p.Tasks[dep]; !ok {
				return execerr.New(execerr.KindInvalidPlan, id, fmt.Sprintf("depends on unknown task %q", dep))
			}
		}
	}
	if _, err := p.TopologicalOrder(); err != nil {
		return err
	}
	return nil
}

// TopologicalOrder returns task IDs ordered so every task appears after all
// of its dependencies. Ties are broken by task ID so the order is
// deterministic for a given plan regardless of Go's randomized map
// iteration. Returns an InvalidPlan error naming one task on the cycle if the
// graph is not a DAG.
func (p *PlanIR) TopologicalOrder() ([]string, error) {
	ids := make([]string, 0, len(p.Tasks))
	for id := range p.Tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	const (
		white = 0 // unvisited
		gray  = 1 // on the current DFS stack
		black = 2 // fully processed
	)
	color := make(map[string]int, len(ids))
	order := make([]string, 0, len(ids))

	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case black:
			return nil
		case gray:
			return execerr.New(execerr.KindInvalidPlan, id, "Cycle detected in task dependencies")
		}
		color[id] = gray
		task := p.Tasks[id]
		deps := append([]string(nil), task.DependsOn...)
		sort.Strings(deps)
		for _, dep := range deps {
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[id] = black
		order = append(order, id)
		return nil
	}

	for _, id := range ids {
		if err := visit(id); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// Fingerprint returns a stable SHA-256 hex digest of the plan's semantic
// content (task set and dependency shape), independent of Go map iteration
// order. Two PlanIRs built from the same logical DAG, even if their
// in-memory maps were populated in different key orders, produce the same
// fingerprint.
func (p *PlanIR) Fingerprint() string {
	ids := make([]string, 0, len(p.Tasks))
	for id := range p.Tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	h := sha256.New()
	fmt.Fprintf(h, "plan:%s\nbase:%s\n", p.PlanID, p.BaseCtxID)
	for _, id := range ids {
		t := p.Tasks[id]
		deps := append([]string(nil), t.DependsOn...)
		sort.Strings(deps)
		reads := append([]string(nil), t.Reads...)
		sort.Strings(reads)
		writes := append([]string(nil), t.Writes...)
		sort.Strings(writes)
		fmt.Fprintf(h, "task:%s\ntool:%s\ndeps:%s\nreads:%s\nwrites:%s\nretries:%d\nparams:%s\n",
			id, t.Tool, strings.Join(deps, ","), strings.Join(reads, ","), strings.Join(writes, ","),
			t.Retries, canonicalParamMap(t.Params))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalParamMap renders a params map in a deterministic key order so the
// fingerprint does not depend on map iteration order.
func canonicalParamMap(m map[string]*Param) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(canonicalParam(m[k]))
		b.WriteByte(';')
	}
	return b.String()
}

func canonicalParam(p *Param) string {
	if p == nil || p.Null {
		return "null"
	}
	switch {
	case p.Str != nil:
		return "s:" + *p.Str
	case p.Num != nil:
		return "n:" + trimFloat(*p.Num)
	case p.Bool != nil:
		return "b:" + strconv.FormatBool(*p.Bool)
	case p.Map != nil:
		return "m:{" + canonicalParamMap(p.Map) + "}"
	case p.List != nil:
		var b strings.Builder
		b.WriteString("l:[")
		for _, v := range p.List {
			b.WriteString(canonicalParam(v))
			b.WriteByte(',')
		}
		b.WriteByte(']')
		return b.String()
	default:
		return "null"
	}
}

func trimFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
