package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresConfig holds connection pool tuning, named and defaulted the way
// the teacher's CockroachConfig is.
type PostgresConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPostgresConfig mirrors the teacher's DefaultCockroachConfig
// defaults.
func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
		ConnectTimeout:  5 * time.Second,
	}
}

// PostgresStore is the cross-process Store backend: every worker process
// and the parent share one database, so rate-limit usage and the oplog see
// a single truth, per spec.md §4.8 and §5.
//
// Grounded on the teacher's internal/storage/cockroach.go's
// NewCockroachStoresFromDSN (database/sql + a dedicated config struct with
// pool tuning, PingContext before returning); it uses pgx/v5's database/sql
// driver (github.com/jackc/pgx/v5/stdlib) rather than lib/pq so the pool
// is also exercisable with github.com/DATA-DOG/go-sqlmock in tests, the
// same as any other database/sql backend.
type PostgresStore struct {
	*sqlStore
}

// NewPostgresStore opens (and migrates) a Postgres database via dsn.
func NewPostgresStore(ctx context.Context, dsn string, cfg *PostgresConfig) (*PostgresStore, error) {
	if cfg == nil {
		cfg = DefaultPostgresConfig()
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres database: %w", err)
	}
	if err := applySchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{sqlStore: &sqlStore{db: db, dialect: dialectPostgres}}, nil
}

// NewPostgresStoreFromDB wraps an already-open *sql.DB, used by tests that
// inject a go-sqlmock-backed DB instead of a real server.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{sqlStore: &sqlStore{db: db, dialect: dialectPostgres}}
}
