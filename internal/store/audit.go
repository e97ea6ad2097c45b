package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// InsertAuditEvent appends one immutable audit row.
func (s *Storage) InsertAuditEvent(ctx context.Context, e AuditEvent) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt == 0 {
		e.CreatedAt = nowMs()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, kind, tool_name, outcome, reason, args_json, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Kind, e.ToolName, e.Outcome, e.Reason, e.ArgsJSON, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// RecentAuditEvents returns the newest audit events, bounded by limit.
func (s *Storage) RecentAuditEvents(ctx context.Context, limit int) ([]AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, tool_name, outcome, reason, args_json, created_at FROM audit_events ORDER BY created_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent audit events: %w", err)
	}
	defer rows.Close()

	var out []AuditEvent
	for rows.Next() {
		var e AuditEvent
		var toolName, reason, argsJSON sql.NullString
		if err := rows.Scan(&e.ID, &e.Kind, &toolName, &e.Outcome, &reason, &argsJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		e.ToolName = toolName.String
		e.Reason = reason.String
		e.ArgsJSON = argsJSON.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetMeta returns ("", false, nil) when the key is unset.
func (s *Storage) GetMeta(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta_kv WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get meta %s: %w", key, err)
	}
	return value, true, nil
}

// SetMeta upserts a key/value pair. Its callers store admin-bootstrap state
// and lockout windows; heartbeat dedupe is kept in memory by the heartbeat
// source and scheduler checkpoints live on tasks.next_run_at, not here.
func (s *Storage) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO meta_kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("set meta %s: %w", key, err)
	}
	return nil
}

// DeleteMeta removes a key.
func (s *Storage) DeleteMeta(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM meta_kv WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("delete meta %s: %w", key, err)
	}
	return nil
}
