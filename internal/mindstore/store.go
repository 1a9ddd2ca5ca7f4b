// Package mindstore implements the SQLite-backed persistence layer for the
// mind pipeline (C2): raw events, T0 compacts, T1/T2 artifacts, context
// snapshots, lineage, task links, semantic provenance, reflector
// leases/jobs, and ingestion checkpoints.
//
// The store presumes at most one writer connection; readers may run
// concurrently using SQLite's own isolation (spec §4.2 concurrency
// contract). Transaction boundaries are one logical operation per
// exported method.
package mindstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite" // pure-Go SQLite driver, as in internal/memory/backend/sqlitevec
)

// ErrUnsupportedVersion is returned by Open when the on-disk schema version
// exceeds what this binary supports.
var ErrUnsupportedVersion = errors.New("mindstore: database schema newer than supported")

// Store is the Mind Store (C2).
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Open opens (creating if absent) a SQLite database at path and applies any
// pending migrations atomically. A single writer connection is enforced via
// SetMaxOpenConns(1); readers share the same pool since SQLite with WAL mode
// allows concurrent readers against the one writer.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}

	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying *sql.DB for operations (e.g. legacy import)
// that need raw access.
func (s *Store) DB() *sql.DB { return s.db }
