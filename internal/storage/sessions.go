package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type Session struct {
	ChatID           int64     `json:"chat_id"`
	MessagesJSON     string    `json:"messages_json"`
	UpdatedAt        time.Time `json:"updated_at"`
	ParentSessionKey string    `json:"parent_session_key,omitempty"`
	ForkPoint        int64     `json:"fork_point,omitempty"`
}

// GetSession loads the saved session for a chat, or nil if none.
func (s *Store) GetSession(ctx context.Context, chatID int64) (*Session, error) {
	var sess Session
	var parent sql.NullString
	var fork sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT chat_id, messages_json, updated_at, parent_session_key, fork_point
		FROM sessions WHERE chat_id = ?;
	`, chatID).Scan(&sess.ChatID, &sess.MessagesJSON, &sess.UpdatedAt, &parent, &fork)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select session: %w", err)
	}
	if parent.Valid {
		sess.ParentSessionKey = parent.String
	}
	if fork.Valid {
		sess.ForkPoint = fork.Int64
	}
	return &sess, nil
}

// SaveSession writes the serialized turn sequence for a chat.
func (s *Store) SaveSession(ctx context.Context, chatID int64, messagesJSON string) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sessions (chat_id, messages_json, updated_at)
			VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(chat_id) DO UPDATE SET
				messages_json = excluded.messages_json,
				updated_at = CURRENT_TIMESTAMP;
		`, chatID, messagesJSON)
		return err
	})
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// ResetSession clears the session row but keeps the message history.
func (s *Store) ResetSession(ctx context.Context, chatID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE chat_id = ?;`, chatID)
	if err != nil {
		return fmt.Errorf("reset session: %w", err)
	}
	return nil
}

// DeleteSession removes the session and all messages for a chat in one
// transaction.
func (s *Store) DeleteSession(ctx context.Context, chatID int64) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin delete session tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE chat_id = ?;`, chatID); err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE chat_id = ?;`, chatID); err != nil {
			return fmt.Errorf("delete session messages: %w", err)
		}
		return tx.Commit()
	})
}

// ForkSession creates a new session row copying the parent's turns up to
// forkPoint (a turn index). The forked session belongs to newChatID.
func (s *Store) ForkSession(ctx context.Context, parentChatID, newChatID int64, parentKey string, forkPoint int64, messagesJSON string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin fork tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (chat_id, messages_json, updated_at, parent_session_key, fork_point)
			VALUES (?, ?, CURRENT_TIMESTAMP, ?, ?)
			ON CONFLICT(chat_id) DO UPDATE SET
				messages_json = excluded.messages_json,
				updated_at = CURRENT_TIMESTAMP,
				parent_session_key = excluded.parent_session_key,
				fork_point = excluded.fork_point;
		`, newChatID, messagesJSON, parentKey, forkPoint); err != nil {
			return fmt.Errorf("insert forked session: %w", err)
		}
		return tx.Commit()
	})
}

// ListSessions returns all session rows (for the fork tree).
func (s *Store) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT chat_id, messages_json, updated_at, parent_session_key, fork_point
		FROM sessions ORDER BY updated_at DESC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		var parent sql.NullString
		var fork sql.NullInt64
		if err := rows.Scan(&sess.ChatID, &sess.MessagesJSON, &sess.UpdatedAt, &parent, &fork); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if parent.Valid {
			sess.ParentSessionKey = parent.String
		}
		if fork.Valid {
			sess.ForkPoint = fork.Int64
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("session rows: %w", err)
	}
	return out, nil
}
