// Package store is the relational layer of the control plane: agent registry
// rows, deployments and their per-agent audit trail, config requests, and
// both token families. It assumes the single-writer deployment model, which
// sqlite matches exactly.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schema string

type Store struct {
	logger *slog.Logger
	db     *sql.DB
}

// Open opens (or creates) the database at path and applies the schema.
func Open(logger *slog.Logger, path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite at %s: %w", path, err)
	}
	return New(logger, db)
}

// New applies the schema to an already-open database. Tests pass an
// in-memory handle here.
func New(logger *slog.Logger, db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{logger: logger, db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// inTx runs fn inside a transaction, committing on nil and rolling back on
// error.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.With("error", rbErr).Error("rollback failed")
		}
		return err
	}
	return tx.Commit()
}

// now returns the current UTC time truncated to microseconds, which sqlite
// round-trips losslessly.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// nullTime converts a nullable column into *time.Time.
func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
