// Package store is the Postgres persistence layer. All due-row selection uses
// FOR UPDATE SKIP LOCKED so any number of scheduler processes can run against
// the same database without double-dispatching.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	. "github.com/cronboxhq/cronbox/internal/logging"
	"github.com/cronboxhq/cronbox/internal/model"
)

// Sentinel errors callers branch on with errors.Is.
var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate key")
)

// Store wraps the database pool. It is safe for concurrent use.
type Store struct {
	db *sqlx.DB
}

// Open connects to Postgres and configures the pool.
func Open(url string, maxConns int) (*Store, error) {
	db, err := sqlx.Connect("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns / 2)
	db.SetConnMaxLifetime(30 * time.Minute)
	L_info("store: connected", "maxConns", maxConns)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing database handle. Used by tests to inject a mock.
func NewWithDB(db *sql.DB, driverName string) *Store {
	return &Store{db: sqlx.NewDb(db, driverName)}
}

// DB exposes the pool for callers that run single-statement operations
// outside a transaction.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Close releases the pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// WithTx runs fn inside a transaction, rolling back on error.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			L_error("store: rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// taskTable maps a dispatchable task type to its table.
func taskTable(t model.TaskType) (string, error) {
	switch t {
	case model.TaskTypeCron:
		return "cron_tasks", nil
	case model.TaskTypeDelayed:
		return "delayed_tasks", nil
	case model.TaskTypeChain:
		return "task_chains", nil
	}
	return "", fmt.Errorf("unknown task type %q", t)
}

func notFoundOr(err error, op string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}
