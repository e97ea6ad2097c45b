package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// GetOrCreateChat returns the Chat for (channel, chatID), inserting one with
// role=normal, registered=false if it doesn't yet exist.
func (s *Storage) GetOrCreateChat(ctx context.Context, channel, chatID string) (Chat, error) {
	chat, err := s.GetChatByChannelAndID(ctx, channel, chatID)
	if err == nil {
		return chat, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Chat{}, err
	}

	chat = Chat{
		ID:        uuid.NewString(),
		Channel:   channel,
		ChatID:    chatID,
		Role:      "normal",
		CreatedAt: nowMs(),
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO chats (id, channel, chat_id, role, registered, created_at) VALUES (?, ?, ?, ?, 0, ?)
		 ON CONFLICT(channel, chat_id) DO NOTHING`,
		chat.ID, chat.Channel, chat.ChatID, chat.Role, chat.CreatedAt,
	)
	if err != nil {
		return Chat{}, fmt.Errorf("insert chat: %w", err)
	}
	return s.GetChatByChannelAndID(ctx, channel, chatID)
}

// GetChatByChannelAndID returns sql.ErrNoRows if no such chat exists.
func (s *Storage) GetChatByChannelAndID(ctx context.Context, channel, chatID string) (Chat, error) {
	var c Chat
	var registered int
	err := s.db.QueryRowContext(ctx,
		`SELECT id, channel, chat_id, role, registered, created_at FROM chats WHERE channel = ? AND chat_id = ?`,
		channel, chatID,
	).Scan(&c.ID, &c.Channel, &c.ChatID, &c.Role, &registered, &c.CreatedAt)
	if err != nil {
		return Chat{}, err
	}
	c.Registered = registered != 0
	return c, nil
}

// GetChatByID looks a chat up by its surrogate id.
func (s *Storage) GetChatByID(ctx context.Context, id string) (Chat, error) {
	var c Chat
	var registered int
	err := s.db.QueryRowContext(ctx,
		`SELECT id, channel, chat_id, role, registered, created_at FROM chats WHERE id = ?`,
		id,
	).Scan(&c.ID, &c.Channel, &c.ChatID, &c.Role, &registered, &c.CreatedAt)
	if err != nil {
		return Chat{}, err
	}
	c.Registered = registered != 0
	return c, nil
}

// SetChatRole updates a chat's role (e.g. promoting it to admin via the
// bootstrap protocol) and, when role=admin, registered is also set so the
// admin's messages are always persisted.
func (s *Storage) SetChatRole(ctx context.Context, chatFK, role string) error {
	registered := 0
	if role == "admin" {
		registered = 1
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE chats SET role = ?, registered = CASE WHEN ? = 1 THEN 1 ELSE registered END WHERE id = ?`,
		role, registered, chatFK,
	)
	if err != nil {
		return fmt.Errorf("set chat role: %w", err)
	}
	return nil
}

// SetChatRegistered flips the registered flag, which controls whether full
// message history is persisted for this chat.
func (s *Storage) SetChatRegistered(ctx context.Context, chatFK string, registered bool) error {
	v := 0
	if registered {
		v = 1
	}
	_, err := s.db.ExecContext(ctx, `UPDATE chats SET registered = ? WHERE id = ?`, v, chatFK)
	if err != nil {
		return fmt.Errorf("set chat registered: %w", err)
	}
	return nil
}

// ListRegisteredChats returns every chat with registered=true, the set the
// heartbeat source wakes on a periodic basis.
func (s *Storage) ListRegisteredChats(ctx context.Context) ([]Chat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, channel, chat_id, role, registered, created_at FROM chats WHERE registered = 1`)
	if err != nil {
		return nil, fmt.Errorf("list registered chats: %w", err)
	}
	defer rows.Close()

	var out []Chat
	for rows.Next() {
		var c Chat
		var registered int
		if err := rows.Scan(&c.ID, &c.Channel, &c.ChatID, &c.Role, &registered, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		c.Registered = registered != 0
		out = append(out, c)
	}
	return out, rows.Err()
}

// AnyAdminExists reports whether an admin chat already exists, used to gate
// the admin-bootstrap protocol (only one admin may be bootstrapped).
func (s *Storage) AnyAdminExists(ctx context.Context) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM chats WHERE role = 'admin'`).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("count admins: %w", err)
	}
	return count > 0, nil
}
