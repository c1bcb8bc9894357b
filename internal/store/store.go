// Package store implements the durable persistence backend spec.md §6
// names: plan records, the executor's attempt/tool-call ledger, the
// context-snapshot oplog, and rate-limit usage counters, against either
// SQLite (single-node deployments) or Postgres (the shared, cross-process
// truth multiple worker processes and parent instances need).
//
// Grounded on the teacher's internal/storage/interfaces.go (small
// CRUD-style interfaces plus a sentinel ErrNotFound, a StoreSet-style
// constructor returning a ready-to-use value) and
// internal/storage/cockroach.go's pattern of a single *sql.DB behind a
// struct, reused here for both dialects via a shared sqlStore embedding so
// the query bodies aren't duplicated between backends.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/agentcore/internal/contextstore"
	"github.com/haasonsaas/agentcore/internal/executor"
	"github.com/haasonsaas/agentcore/internal/ratelimit"
)

// ErrNotFound mirrors the teacher's storage.ErrNotFound sentinel.
var ErrNotFound = errors.New("store: not found")

// PlanRecord is one row of the plans table (spec.md §6).
type PlanRecord struct {
	PlanID      string
	ChatID      string
	BaseCtxID   string
	IRJSON      json.RawMessage
	Fingerprint string
	Status      string
	CreatedAt   time.Time
}

// Store is the full persistence surface this module needs. It composes the
// narrower interfaces internal/executor, internal/contextstore, and
// internal/ratelimit already depend on, so a single backend instance can be
// wired into all three without adapter shims.
type Store interface {
	executor.AttemptStore
	contextstore.Store
	ratelimit.UsageStore

	SavePlan(ctx context.Context, rec *PlanRecord) error
	GetPlan(ctx context.Context, planID string) (*PlanRecord, error)

	Close() error
}

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// sqlStore holds the query implementations shared by both dialects; only
// connection setup (sqlite.go, postgres.go) differs between them.
type sqlStore struct {
	db      *sql.DB
	dialect dialect
}

// rebind rewrites a query written with `?` placeholders into the target
// dialect's native placeholder style ($1, $2, ... for Postgres; `?` is
// already SQLite's native style).
func (s *sqlStore) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *sqlStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

func (s *sqlStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

// schema is the logical table layout from spec.md §6, expressed with type
// names both SQLite's flexible affinities and Postgres accept identically.
const schema = `
CREATE TABLE IF NOT EXISTS plans (
	plan_id     TEXT PRIMARY KEY,
	chat_id     TEXT NOT NULL,
	base_ctx_id TEXT NOT NULL,
	ir_json     TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	status      TEXT NOT NULL,
	created_at  TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS task_attempts (
	plan_id     TEXT NOT NULL,
	task_id     TEXT NOT NULL,
	attempt     INTEGER NOT NULL,
	state       TEXT NOT NULL,
	base_ctx_id TEXT NOT NULL,
	new_ctx_id  TEXT,
	provider    TEXT,
	model       TEXT,
	tokens      INTEGER NOT NULL DEFAULT 0,
	cost_usd    DOUBLE PRECISION NOT NULL DEFAULT 0,
	error       TEXT,
	created_at  TIMESTAMP NOT NULL,
	updated_at  TIMESTAMP NOT NULL,
	PRIMARY KEY (plan_id, task_id, attempt)
);

CREATE TABLE IF NOT EXISTS tool_calls (
	plan_id     TEXT NOT NULL,
	task_id     TEXT NOT NULL,
	attempt     INTEGER NOT NULL,
	tool        TEXT NOT NULL,
	provider    TEXT,
	model       TEXT,
	input_hash  TEXT NOT NULL,
	output_hash TEXT,
	ops_json    TEXT,
	latency_ms  INTEGER NOT NULL DEFAULT 0,
	tokens      INTEGER NOT NULL DEFAULT 0,
	cost_usd    DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at  TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS oplog (
	ctx_id      TEXT PRIMARY KEY,
	chat_id     TEXT NOT NULL,
	base_ctx_id TEXT NOT NULL,
	ops_json    TEXT NOT NULL,
	meta_json   TEXT,
	ts          TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS rate_limit_usage (
	scope_key         TEXT NOT NULL,
	window            TEXT NOT NULL,
	request_count     INTEGER NOT NULL DEFAULT 0,
	token_count       INTEGER NOT NULL DEFAULT 0,
	oldest_request_ts TIMESTAMP,
	oldest_token_ts   TIMESTAMP,
	updated_at        TIMESTAMP NOT NULL,
	PRIMARY KEY (scope_key, window)
);
`

func applySchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range strings.Split(schema, ";\n\n") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
