// Package store is the sole place that writes Coreclaw's durable state: a
// single local SQLite database holding chats, messages, the bus queue, the
// inbound-execution ledger, tasks, and audit events.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Storage wraps a single-writer SQLite connection. All bus-relevant
// mutations are expressed as single transactions (§4.1/§5).
type Storage struct {
	db         *sql.DB
	backupDir  string
	logger     *slog.Logger
}

// Option configures a Storage.
type Option func(*Storage)

// WithLogger attaches a structured logger; defaults to a discarding logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Storage) { s.logger = l }
}

var nopLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// Open opens (creating if absent) the SQLite database at dbPath, serializes
// all access through one connection (mirroring the pack's
// SetMaxOpenConns(1) idiom to avoid SQLITE_BUSY under concurrent writers),
// and runs pending migrations. backupDir receives a copy of the database
// file immediately before each migration is applied.
func Open(ctx context.Context, dbPath, backupDir string, opts ...Option) (*Storage, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Storage{db: db, backupDir: backupDir, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL"); err != nil {
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	if err := s.migrate(ctx, dbPath); err != nil {
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying connection for components (e.g. the bus) that
// need to run their own transactions against tables this package doesn't
// wrap with a typed method.
func (s *Storage) DB() *sql.DB { return s.db }

// Close closes the database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

func nowMs() int64 { return time.Now().UnixMilli() }
