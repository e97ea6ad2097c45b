package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// InsertMessage persists a Message. Callers decide whether a message should
// be stored at all (chat.registered OR config.storeFullMessages) before
// calling this — Storage itself does not apply that policy.
func (s *Storage) InsertMessage(ctx context.Context, m Message) (Message, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt == 0 {
		m.CreatedAt = nowMs()
	}
	stored := 1
	if !m.Stored {
		stored = 0
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, chat_fk, role, sender_id, content, created_at, stored) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ChatFK, m.Role, m.SenderID, m.Content, m.CreatedAt, stored,
	)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	return m, nil
}

// RecentMessages returns the last `limit` messages for a chat, in
// chronological (oldest-first) order, restricted to role in
// {user, assistant} with non-empty content — matching the Context Builder's
// history-selection rule.
func (s *Storage) RecentMessages(ctx context.Context, chatFK string, limit int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_fk, role, sender_id, content, created_at, stored
		 FROM messages
		 WHERE chat_fk = ? AND role IN ('user','assistant') AND content <> '' AND stored = 1
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		chatFK, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// CountStoredMessages returns the number of stored messages for a chat, used
// to decide whether post-run compaction is due.
func (s *Storage) CountStoredMessages(ctx context.Context, chatFK string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM messages WHERE chat_fk = ? AND stored = 1`, chatFK).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// PruneMessages deletes all but the most recent `keep` stored messages for a
// chat.
func (s *Storage) PruneMessages(ctx context.Context, chatFK string, keep int) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE chat_fk = ? AND id NOT IN (
			SELECT id FROM messages WHERE chat_fk = ? ORDER BY created_at DESC, id DESC LIMIT ?
		)`,
		chatFK, chatFK, keep,
	)
	if err != nil {
		return fmt.Errorf("prune messages: %w", err)
	}
	return nil
}

func scanMessage(rows *sql.Rows) (Message, error) {
	var m Message
	var stored int
	var senderID sql.NullString
	if err := rows.Scan(&m.ID, &m.ChatFK, &m.Role, &senderID, &m.Content, &m.CreatedAt, &stored); err != nil {
		return Message{}, fmt.Errorf("scan message: %w", err)
	}
	m.SenderID = senderID.String
	m.Stored = stored != 0
	return m, nil
}

// GetConversationState returns the zero-value state (not an error) when none
// has been created yet for this chat.
func (s *Storage) GetConversationState(ctx context.Context, chatFK string) (ConversationState, error) {
	var st ConversationState
	var skillsJSON string
	var lastCompact sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT chat_fk, summary, enabled_skills, last_compact_at FROM conversation_states WHERE chat_fk = ?`,
		chatFK,
	).Scan(&st.ChatFK, &st.Summary, &skillsJSON, &lastCompact)
	if errors.Is(err, sql.ErrNoRows) {
		return ConversationState{ChatFK: chatFK}, nil
	}
	if err != nil {
		return ConversationState{}, fmt.Errorf("get conversation state: %w", err)
	}
	_ = json.Unmarshal([]byte(skillsJSON), &st.EnabledSkills)
	if lastCompact.Valid {
		v := lastCompact.Int64
		st.LastCompactAt = &v
	}
	return st, nil
}

// UpsertConversationState writes the full state row.
func (s *Storage) UpsertConversationState(ctx context.Context, st ConversationState) error {
	skillsJSON, err := json.Marshal(st.EnabledSkills)
	if err != nil {
		return fmt.Errorf("marshal enabled skills: %w", err)
	}
	var lastCompact any
	if st.LastCompactAt != nil {
		lastCompact = *st.LastCompactAt
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversation_states (chat_fk, summary, enabled_skills, last_compact_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(chat_fk) DO UPDATE SET summary = excluded.summary, enabled_skills = excluded.enabled_skills, last_compact_at = excluded.last_compact_at`,
		st.ChatFK, st.Summary, string(skillsJSON), lastCompact,
	)
	if err != nil {
		return fmt.Errorf("upsert conversation state: %w", err)
	}
	return nil
}
