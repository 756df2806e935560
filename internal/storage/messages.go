package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type Message struct {
	ID         string    `json:"id"`
	ChatID     int64     `json:"chat_id"`
	SenderName string    `json:"sender_name"`
	Content    string    `json:"content"`
	IsFromBot  bool      `json:"is_from_bot"`
	Timestamp  time.Time `json:"timestamp"`
}

// AddMessage records an observed message. Every message is stored whether or
// not the bot replies to it.
func (s *Store) AddMessage(ctx context.Context, m Message) error {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO messages (id, chat_id, sender_name, content, is_from_bot, timestamp)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING;
		`, m.ID, m.ChatID, m.SenderName, m.Content, m.IsFromBot, m.Timestamp)
		return err
	})
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// RecentMessages returns the last limit messages for a chat in chronological
// order. Used for private-chat history fallback.
func (s *Store) RecentMessages(ctx context.Context, chatID int64, limit int) ([]Message, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_id, sender_name, content, is_from_bot, timestamp
		FROM (
			SELECT id, chat_id, sender_name, content, is_from_bot, timestamp
			FROM messages WHERE chat_id = ?
			ORDER BY timestamp DESC LIMIT ?
		) ORDER BY timestamp ASC;
	`, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// MessagesSinceLastBot returns all messages after the most recent bot message
// in the chat (group catch-up). If the bot never spoke, all messages return.
func (s *Store) MessagesSinceLastBot(ctx context.Context, chatID int64) ([]Message, error) {
	var lastBot sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(timestamp) FROM messages WHERE chat_id = ? AND is_from_bot = 1;
	`, chatID).Scan(&lastBot)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("query last bot message: %w", err)
	}

	var rows *sql.Rows
	if lastBot.Valid {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, chat_id, sender_name, content, is_from_bot, timestamp
			FROM messages WHERE chat_id = ? AND timestamp > ?
			ORDER BY timestamp ASC;
		`, chatID, lastBot.Time)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, chat_id, sender_name, content, is_from_bot, timestamp
			FROM messages WHERE chat_id = ?
			ORDER BY timestamp ASC;
		`, chatID)
	}
	if err != nil {
		return nil, fmt.Errorf("query catch-up messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// DeleteMessages removes all messages for a chat.
func (s *Store) DeleteMessages(ctx context.Context, chatID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE chat_id = ?;`, chatID)
	if err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	return nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ChatID, &m.SenderName, &m.Content, &m.IsFromBot, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("message rows: %w", err)
	}
	return out, nil
}
