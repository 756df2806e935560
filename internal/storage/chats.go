package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type Chat struct {
	InternalID      int64     `json:"internal_id"`
	Channel         string    `json:"channel"`
	ExternalChatID  string    `json:"external_chat_id"`
	ChatType        string    `json:"chat_type"`
	Title           string    `json:"title"`
	LastMessageTime time.Time `json:"last_message_time"`
}

// UpsertChat maps (channel, external_chat_id) to a stable internal id,
// creating the row on first contact. Title and chat_type refresh on every
// call so renames propagate.
func (s *Store) UpsertChat(ctx context.Context, channel, externalChatID, chatType, title string) (int64, error) {
	var id int64
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin upsert chat tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO chats (channel, external_chat_id, chat_type, title, last_message_time)
			VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(channel, external_chat_id)
			DO UPDATE SET chat_type = excluded.chat_type,
				title = CASE WHEN excluded.title != '' THEN excluded.title ELSE chats.title END,
				last_message_time = CURRENT_TIMESTAMP;
		`, channel, externalChatID, chatType, title); err != nil {
			return fmt.Errorf("upsert chat: %w", err)
		}
		if err := tx.QueryRowContext(ctx, `
			SELECT internal_id FROM chats WHERE channel = ? AND external_chat_id = ?;
		`, channel, externalChatID).Scan(&id); err != nil {
			return fmt.Errorf("select chat id: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// GetChat looks up a chat by internal id.
func (s *Store) GetChat(ctx context.Context, internalID int64) (*Chat, error) {
	var c Chat
	var last sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT internal_id, channel, external_chat_id, chat_type, title, last_message_time
		FROM chats WHERE internal_id = ?;
	`, internalID).Scan(&c.InternalID, &c.Channel, &c.ExternalChatID, &c.ChatType, &c.Title, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select chat: %w", err)
	}
	if last.Valid {
		c.LastMessageTime = last.Time
	}
	return &c, nil
}

// FindChat looks up a chat by its (channel, external_chat_id) key.
func (s *Store) FindChat(ctx context.Context, channel, externalChatID string) (*Chat, error) {
	var c Chat
	var last sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT internal_id, channel, external_chat_id, chat_type, title, last_message_time
		FROM chats WHERE channel = ? AND external_chat_id = ?;
	`, channel, externalChatID).Scan(&c.InternalID, &c.Channel, &c.ExternalChatID, &c.ChatType, &c.Title, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select chat by key: %w", err)
	}
	if last.Valid {
		c.LastMessageTime = last.Time
	}
	return &c, nil
}

// ListChats returns all chats ordered by recency.
func (s *Store) ListChats(ctx context.Context) ([]Chat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT internal_id, channel, external_chat_id, chat_type, title, last_message_time
		FROM chats ORDER BY last_message_time DESC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	var out []Chat
	for rows.Next() {
		var c Chat
		var last sql.NullTime
		if err := rows.Scan(&c.InternalID, &c.Channel, &c.ExternalChatID, &c.ChatType, &c.Title, &last); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		if last.Valid {
			c.LastMessageTime = last.Time
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chat rows: %w", err)
	}
	return out, nil
}

// TouchChat updates last activity for a chat.
func (s *Store) TouchChat(ctx context.Context, internalID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE chats SET last_message_time = CURRENT_TIMESTAMP WHERE internal_id = ?;
	`, internalID)
	if err != nil {
		return fmt.Errorf("touch chat: %w", err)
	}
	return nil
}
