package store

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/coreclaw/coreclaw/internal/coreerr"
)

// Migration is one ordered, named unit of schema evolution.
type Migration struct {
	ID  string
	SQL []string
}

// migrations is the ordered schema history. Never reorder or edit an
// already-shipped entry — append new ones instead.
var migrations = []Migration{
	{
		ID: "0001_init",
		SQL: []string{
			`CREATE TABLE IF NOT EXISTS chats (
				id TEXT PRIMARY KEY,
				channel TEXT NOT NULL,
				chat_id TEXT NOT NULL,
				role TEXT NOT NULL DEFAULT 'normal',
				registered INTEGER NOT NULL DEFAULT 0,
				created_at INTEGER NOT NULL,
				UNIQUE(channel, chat_id)
			)`,
			`CREATE TABLE IF NOT EXISTS messages (
				id TEXT PRIMARY KEY,
				chat_fk TEXT NOT NULL REFERENCES chats(id),
				role TEXT NOT NULL,
				sender_id TEXT,
				content TEXT NOT NULL,
				created_at INTEGER NOT NULL,
				stored INTEGER NOT NULL DEFAULT 1
			)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_fk, created_at)`,
			`CREATE TABLE IF NOT EXISTS conversation_states (
				chat_fk TEXT PRIMARY KEY REFERENCES chats(id),
				summary TEXT NOT NULL DEFAULT '',
				enabled_skills TEXT NOT NULL DEFAULT '[]',
				last_compact_at INTEGER
			)`,
			`CREATE TABLE IF NOT EXISTS bus_queue (
				id TEXT PRIMARY KEY,
				direction TEXT NOT NULL,
				channel TEXT,
				chat_id TEXT,
				payload TEXT NOT NULL,
				status TEXT NOT NULL,
				attempts INTEGER NOT NULL DEFAULT 0,
				max_attempts INTEGER NOT NULL,
				next_attempt_at INTEGER NOT NULL,
				claimed_at INTEGER,
				last_error TEXT,
				dead_lettered_at INTEGER,
				created_at INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_bus_queue_dispatch ON bus_queue(direction, status, next_attempt_at, created_at)`,
			`CREATE INDEX IF NOT EXISTS idx_bus_queue_chat ON bus_queue(direction, channel, chat_id, created_at)`,
			`CREATE TABLE IF NOT EXISTS message_dedupe (
				direction TEXT NOT NULL,
				message_id TEXT NOT NULL,
				queue_id TEXT NOT NULL,
				created_at INTEGER NOT NULL,
				PRIMARY KEY(direction, message_id)
			)`,
			`CREATE TABLE IF NOT EXISTS inbound_executions (
				message_id TEXT PRIMARY KEY,
				status TEXT NOT NULL,
				started_at INTEGER NOT NULL,
				finished_at INTEGER,
				result_content TEXT,
				outbound_id TEXT
			)`,
			`CREATE TABLE IF NOT EXISTS tasks (
				id TEXT PRIMARY KEY,
				chat_fk TEXT NOT NULL REFERENCES chats(id),
				prompt TEXT NOT NULL,
				schedule_type TEXT NOT NULL,
				schedule_value TEXT NOT NULL,
				context_mode TEXT NOT NULL DEFAULT 'group',
				status TEXT NOT NULL DEFAULT 'active',
				next_run_at INTEGER
			)`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_due ON tasks(status, next_run_at)`,
			`CREATE TABLE IF NOT EXISTS task_runs (
				id TEXT PRIMARY KEY,
				task_fk TEXT NOT NULL REFERENCES tasks(id),
				status TEXT NOT NULL,
				error TEXT,
				started_at INTEGER NOT NULL,
				finished_at INTEGER
			)`,
			`CREATE TABLE IF NOT EXISTS audit_events (
				id TEXT PRIMARY KEY,
				kind TEXT NOT NULL,
				tool_name TEXT,
				outcome TEXT NOT NULL,
				reason TEXT,
				args_json TEXT,
				created_at INTEGER NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS meta_kv (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL
			)`,
		},
	},
}

// migrate applies every migration not yet recorded in migration_history, in
// order, backing up the database file before each one (spec.md §4.1).
func (s *Storage) migrate(ctx context.Context, dbPath string) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS migration_history (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		backup_path TEXT NOT NULL,
		applied_at INTEGER NOT NULL
	)`); err != nil {
		return fmt.Errorf("bootstrap migration_history: %w", err)
	}

	for _, m := range migrations {
		var applied int
		err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM migration_history WHERE id = ? AND status = 'applied'`, m.ID).Scan(&applied)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", m.ID, err)
		}
		if applied > 0 {
			continue
		}

		backupPath, err := s.backupFile(dbPath, m.ID)
		if err != nil {
			return &coreerr.MigrationError{MigrationID: m.ID, BackupPath: backupPath, Err: err}
		}

		if err := s.applyMigration(ctx, m, backupPath); err != nil {
			return &coreerr.MigrationError{MigrationID: m.ID, BackupPath: backupPath, Err: err}
		}
	}
	return nil
}

func (s *Storage) applyMigration(ctx context.Context, m Migration, backupPath string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, stmt := range m.SQL {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply %s: %w", m.ID, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO migration_history (id, status, backup_path, applied_at) VALUES (?, 'applied', ?, ?)`,
		m.ID, backupPath, nowMs(),
	); err != nil {
		return fmt.Errorf("record migration %s: %w", m.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", m.ID, err)
	}
	s.logger.Info("store: migration applied", "id", m.ID, "backup", backupPath)
	return nil
}

// backupFile copies the database file (if it exists yet) to the backup
// directory. SQLite is a single file, so a plain copy is a valid backup —
// there is no WAL/SHM merge needed since migrations run with exclusive
// single-connection access.
func (s *Storage) backupFile(dbPath, migrationID string) (string, error) {
	dest := filepath.Join(s.backupDir, fmt.Sprintf("%d-%s.sqlite", time.Now().UnixNano(), migrationID))

	src, err := os.Open(dbPath)
	if os.IsNotExist(err) {
		return dest, nil
	}
	if err != nil {
		return dest, fmt.Errorf("open db for backup: %w", err)
	}
	defer src.Close()

	out, err := os.Create(dest)
	if err != nil {
		return dest, fmt.Errorf("create backup: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, src); err != nil {
		return dest, fmt.Errorf("copy backup: %w", err)
	}
	return dest, nil
}
