package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the single-node Store backend, using the teacher's
// pure-Go modernc.org/sqlite driver (no cgo) rather than mattn's cgo
// binding — the teacher already depends on modernc.org/sqlite for this
// reason elsewhere.
type SQLiteStore struct {
	*sqlStore
}

// NewSQLiteStore opens (and migrates) a SQLite database at dsn, e.g.
// "file:agentcore.db?_pragma=busy_timeout(5000)" or ":memory:" for tests.
func NewSQLiteStore(ctx context.Context, dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// SQLite serializes writers; a single connection avoids
	// "database is locked" errors under concurrent access from this
	// module's worker pool and rate limiter.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}
	if err := applySchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{sqlStore: &sqlStore{db: db, dialect: dialectSQLite}}, nil
}
