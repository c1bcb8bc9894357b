package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/haasonsaas/agentcore/internal/contextstore"
	"github.com/haasonsaas/agentcore/internal/executor"
	"github.com/haasonsaas/agentcore/internal/ratelimit"
)

// SavePlan inserts or replaces a plan row.
func (s *sqlStore) SavePlan(ctx context.Context, rec *PlanRecord) error {
	if rec == nil || rec.PlanID == "" {
		return fmt.Errorf("plan record requires a plan id")
	}
	_, err := s.exec(ctx, `DELETE FROM plans WHERE plan_id = ?`, rec.PlanID)
	if err != nil {
		return fmt.Errorf("replace plan: %w", err)
	}
	_, err = s.exec(ctx, `
		INSERT INTO plans (plan_id, chat_id, base_ctx_id, ir_json, fingerprint, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.PlanID, rec.ChatID, rec.BaseCtxID, string(rec.IRJSON), rec.Fingerprint, rec.Status, rec.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert plan: %w", err)
	}
	return nil
}

// GetPlan looks up a plan by ID.
func (s *sqlStore) GetPlan(ctx context.Context, planID string) (*PlanRecord, error) {
	row := s.queryRow(ctx, `
		SELECT plan_id, chat_id, base_ctx_id, ir_json, fingerprint, status, created_at
		FROM plans WHERE plan_id = ?`, planID)

	var rec PlanRecord
	var irJSON string
	if err := row.Scan(&rec.PlanID, &rec.ChatID, &rec.BaseCtxID, &irJSON, &rec.Fingerprint, &rec.Status, &rec.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get plan: %w", err)
	}
	rec.IRJSON = json.RawMessage(irJSON)
	return &rec, nil
}

// InsertTaskAttempt implements executor.AttemptStore, assigning the next
// monotonic attempt number for (plan_id, task_id) — spec.md §8's "Monotonic
// attempt numbers" invariant — by counting existing rows under the same
// transaction-free read-then-write the teacher's storage layer uses
// elsewhere (writes are serialized per row set at the Store level, per
// spec.md §5).
func (s *sqlStore) InsertTaskAttempt(ctx context.Context, a *executor.TaskAttempt) (int, error) {
	row := s.queryRow(ctx, `
		SELECT COALESCE(MAX(attempt), 0) FROM task_attempts WHERE plan_id = ? AND task_id = ?`,
		a.PlanID, a.TaskID)
	var maxAttempt int
	if err := row.Scan(&maxAttempt); err != nil {
		return 0, fmt.Errorf("compute next attempt: %w", err)
	}
	attemptNo := maxAttempt + 1

	now := time.Now().UTC()
	_, err := s.exec(ctx, `
		INSERT INTO task_attempts (plan_id, task_id, attempt, state, base_ctx_id, new_ctx_id, provider, model, tokens, cost_usd, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.PlanID, a.TaskID, attemptNo, string(a.State), a.BaseCtxID, a.NewCtxID, a.Provider, a.Model, a.Tokens, a.CostUSD, a.Error, now, now)
	if err != nil {
		return 0, fmt.Errorf("insert task attempt: %w", err)
	}
	return attemptNo, nil
}

// UpdateTaskAttemptState implements executor.AttemptStore.
func (s *sqlStore) UpdateTaskAttemptState(ctx context.Context, planID, taskID string, attempt int, state executor.AttemptState, newCtxID, provider, model string, tokens int, cost float64, errMsg string) error {
	res, err := s.exec(ctx, `
		UPDATE task_attempts
		SET state = ?, new_ctx_id = ?, provider = ?, model = ?, tokens = ?, cost_usd = ?, error = ?, updated_at = ?
		WHERE plan_id = ? AND task_id = ? AND attempt = ?`,
		string(state), newCtxID, provider, model, tokens, cost, errMsg, time.Now().UTC(), planID, taskID, attempt)
	if err != nil {
		return fmt.Errorf("update task attempt state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update task attempt state: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordToolCall implements executor.AttemptStore.
func (s *sqlStore) RecordToolCall(ctx context.Context, rec *executor.ToolCallRecord) error {
	opsJSON, err := json.Marshal(rec.Ops)
	if err != nil {
		return fmt.Errorf("marshal tool call ops: %w", err)
	}
	_, err = s.exec(ctx, `
		INSERT INTO tool_calls (plan_id, task_id, attempt, tool, provider, model, input_hash, output_hash, ops_json, latency_ms, tokens, cost_usd, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.PlanID, rec.TaskID, rec.Attempt, rec.Tool, rec.Provider, rec.Model, rec.InputHash, rec.OutputHash, string(opsJSON), rec.LatencyMs, rec.Tokens, rec.CostUSD, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("record tool call: %w", err)
	}
	return nil
}

// CommitOperations implements contextstore.Store, hashing the snapshot
// exactly as contextstore.MemoryStore does so both backends agree on ctx_id
// for identical (base, ops, meta) — spec.md §8's "Context immutability"
// invariant.
func (s *sqlStore) CommitOperations(chatID, baseCtxID string, ops []json.RawMessage, meta map[string]string) (*contextstore.Snapshot, error) {
	if len(ops) == 0 {
		return nil, nil
	}
	ctx := context.Background()
	id := contextstore.HashPayload(snapshotHashInput(baseCtxID, ops, meta))

	if existing, err := s.GetSnapshot(id); err == nil {
		return existing, nil
	} else if err != contextstore.ErrNotFound {
		return nil, err
	}

	opsJSON, err := json.Marshal(ops)
	if err != nil {
		return nil, fmt.Errorf("marshal ops: %w", err)
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal meta: %w", err)
	}
	now := time.Now().UTC()
	_, err = s.exec(ctx, `
		INSERT INTO oplog (ctx_id, chat_id, base_ctx_id, ops_json, meta_json, ts)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, chatID, baseCtxID, string(opsJSON), string(metaJSON), now)
	if err != nil {
		return nil, fmt.Errorf("insert oplog: %w", err)
	}
	return &contextstore.Snapshot{
		ID: id, ParentID: baseCtxID, ChatID: chatID, Ops: ops, Meta: meta, CreatedAt: now,
	}, nil
}

// snapshotHashInput mirrors contextstore's own hashing input shape (parent,
// ops, sorted meta) so SQL-backed and in-memory stores are content-address
// compatible; HashPayload (general-purpose string/JSON hashing) is reused
// rather than duplicating contextstore's unexported hashSnapshot.
func snapshotHashInput(baseCtxID string, ops []json.RawMessage, meta map[string]string) string {
	b, _ := json.Marshal(struct {
		Base string            `json:"base"`
		Ops  []json.RawMessage `json:"ops"`
		Meta map[string]string `json:"meta,omitempty"`
	}{baseCtxID, ops, meta})
	return string(b)
}

// GetSnapshot implements contextstore.Store.
func (s *sqlStore) GetSnapshot(ctxID string) (*contextstore.Snapshot, error) {
	row := s.queryRow(context.Background(), `
		SELECT ctx_id, chat_id, base_ctx_id, ops_json, meta_json, ts FROM oplog WHERE ctx_id = ?`, ctxID)

	var snap contextstore.Snapshot
	var opsJSON string
	var metaJSON sql.NullString
	if err := row.Scan(&snap.ID, &snap.ChatID, &snap.ParentID, &opsJSON, &metaJSON, &snap.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, contextstore.ErrNotFound
		}
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	if err := json.Unmarshal([]byte(opsJSON), &snap.Ops); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot ops: %w", err)
	}
	if metaJSON.Valid && metaJSON.String != "" && metaJSON.String != "null" {
		if err := json.Unmarshal([]byte(metaJSON.String), &snap.Meta); err != nil {
			return nil, fmt.Errorf("unmarshal snapshot meta: %w", err)
		}
	}
	return &snap, nil
}

// ListSnapshots implements contextstore.Store.
func (s *sqlStore) ListSnapshots(chatID string) ([]*contextstore.Snapshot, error) {
	rows, err := s.query(context.Background(), `
		SELECT ctx_id, chat_id, base_ctx_id, ops_json, meta_json, ts FROM oplog WHERE chat_id = ? ORDER BY ts ASC`, chatID)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var out []*contextstore.Snapshot
	for rows.Next() {
		var snap contextstore.Snapshot
		var opsJSON string
		var metaJSON sql.NullString
		if err := rows.Scan(&snap.ID, &snap.ChatID, &snap.ParentID, &opsJSON, &metaJSON, &snap.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		if err := json.Unmarshal([]byte(opsJSON), &snap.Ops); err != nil {
			return nil, fmt.Errorf("unmarshal snapshot ops: %w", err)
		}
		if metaJSON.Valid && metaJSON.String != "" && metaJSON.String != "null" {
			if err := json.Unmarshal([]byte(metaJSON.String), &snap.Meta); err != nil {
				return nil, fmt.Errorf("unmarshal snapshot meta: %w", err)
			}
		}
		out = append(out, &snap)
	}
	return out, rows.Err()
}

// Get implements ratelimit.UsageStore.
func (s *sqlStore) Get(ctx context.Context, scopeKey string, window ratelimit.Window) (ratelimit.WindowUsage, bool, error) {
	row := s.queryRow(ctx, `
		SELECT request_count, token_count, oldest_request_ts, oldest_token_ts
		FROM rate_limit_usage WHERE scope_key = ? AND window = ?`, scopeKey, string(window))

	var u ratelimit.WindowUsage
	var oldestReq, oldestTok sql.NullTime
	if err := row.Scan(&u.RequestCount, &u.TokenCount, &oldestReq, &oldestTok); err != nil {
		if err == sql.ErrNoRows {
			return ratelimit.WindowUsage{}, false, nil
		}
		return ratelimit.WindowUsage{}, false, fmt.Errorf("get rate limit usage: %w", err)
	}
	if oldestReq.Valid {
		u.OldestRequestTS = oldestReq.Time
	}
	if oldestTok.Valid {
		u.OldestTokenTS = oldestTok.Time
	}
	return u, true, nil
}

// Put implements ratelimit.UsageStore.
func (s *sqlStore) Put(ctx context.Context, scopeKey string, window ratelimit.Window, usage ratelimit.WindowUsage) error {
	_, err := s.exec(ctx, `DELETE FROM rate_limit_usage WHERE scope_key = ? AND window = ?`, scopeKey, string(window))
	if err != nil {
		return fmt.Errorf("replace rate limit usage: %w", err)
	}
	_, err = s.exec(ctx, `
		INSERT INTO rate_limit_usage (scope_key, window, request_count, token_count, oldest_request_ts, oldest_token_ts, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		scopeKey, string(window), usage.RequestCount, usage.TokenCount, nullableTime(usage.OldestRequestTS), nullableTime(usage.OldestTokenTS), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert rate limit usage: %w", err)
	}
	return nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
