package executor

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryAttemptStore is an in-process AttemptStore, used by tests and by
// deployments without a durable backend wired in. Attempt numbers are
// monotonic per (plan_id, task_id), matching spec.md's invariant that retries
// of the same task never reuse an attempt number.
type MemoryAttemptStore struct {
	mu        sync.Mutex
	attempts  map[string][]*TaskAttempt
	toolCalls []*ToolCallRecord
}

// NewMemoryAttemptStore returns an empty MemoryAttemptStore.
func NewMemoryAttemptStore() *MemoryAttemptStore {
	return &MemoryAttemptStore{attempts: make(map[string][]*TaskAttempt)}
}

func attemptKey(planID, taskID string) string {
	return planID + "/" + taskID
}

func (s *MemoryAttemptStore) InsertTaskAttempt(_ context.Context, a *TaskAttempt) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := attemptKey(a.PlanID, a.TaskID)
	attemptNo := len(s.attempts[key]) + 1
	cp := *a
	cp.Attempt = attemptNo
	s.attempts[key] = append(s.attempts[key], &cp)
	return attemptNo, nil
}

func (s *MemoryAttemptStore) UpdateTaskAttemptState(_ context.Context, planID, taskID string, attempt int, state AttemptState, newCtxID, provider, model string, tokens int, cost float64, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := attemptKey(planID, taskID)
	list := s.attempts[key]
	for _, a := range list {
		if a.Attempt == attempt {
			a.State = state
			a.UpdatedAt = time.Now().UTC()
			if newCtxID != "" {
				a.NewCtxID = newCtxID
			}
			if provider != "" {
				a.Provider = provider
			}
			if model != "" {
				a.Model = model
			}
			if tokens != 0 {
				a.Tokens = tokens
			}
			if cost != 0 {
				a.CostUSD = cost
			}
			if errMsg != "" {
				a.Error = errMsg
			}
			return nil
		}
	}
	return fmt.Errorf("no attempt %d recorded for task %s/%s", attempt, planID, taskID)
}

func (s *MemoryAttemptStore) RecordToolCall(_ context.Context, rec *ToolCallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toolCalls = append(s.toolCalls, rec)
	return nil
}

// ToolCalls returns every recorded tool call, for test assertions.
func (s *MemoryAttemptStore) ToolCalls() []*ToolCallRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*ToolCallRecord, len(s.toolCalls))
	copy(out, s.toolCalls)
	return out
}

// Attempts returns every recorded attempt for a task, for test assertions.
func (s *MemoryAttemptStore) Attempts(planID, taskID string) []*TaskAttempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*TaskAttempt(nil), s.attempts[attemptKey(planID, taskID)]...)
}
