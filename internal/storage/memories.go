package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type MemoryScope string

const (
	ScopeGlobal MemoryScope = "global"
	ScopeChat   MemoryScope = "chat"
)

type MemoryRow struct {
	ID             int64       `json:"id"`
	ChatID         *int64      `json:"chat_id,omitempty"`
	ChatChannel    string      `json:"chat_channel,omitempty"`
	ExternalChatID string      `json:"external_chat_id,omitempty"`
	Scope          MemoryScope `json:"scope"`
	Category       string      `json:"category"`
	Content        string      `json:"content"`
	Confidence     float64     `json:"confidence"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
	ArchivedAt     *time.Time  `json:"archived_at,omitempty"`
	EmbeddingModel string      `json:"embedding_model,omitempty"`
	EmbeddingDim   int         `json:"embedding_dim,omitempty"`
	EmbeddingBlob  []byte      `json:"-"`
}

// InsertMemory writes a new structured memory row. Scope and chat_id must be
// consistent; the table CHECK enforces scope=global iff chat_id IS NULL.
func (s *Store) InsertMemory(ctx context.Context, m MemoryRow) (int64, error) {
	var id int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO memories (chat_id, chat_channel, external_chat_id, scope, category, content, confidence,
				embedding_model, embedding_dim, embedding_blob)
			VALUES (?, NULLIF(?, ''), NULLIF(?, ''), ?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, 0), ?);
		`, m.ChatID, m.ChatChannel, m.ExternalChatID, m.Scope, m.Category, m.Content, m.Confidence,
			m.EmbeddingModel, m.EmbeddingDim, m.EmbeddingBlob)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("insert memory: %w", err)
	}
	return id, nil
}

// UpdateMemory reconciles content and confidence on an existing row.
func (s *Store) UpdateMemory(ctx context.Context, id int64, content string, confidence float64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE memories SET content = ?, confidence = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND archived_at IS NULL;
	`, content, confidence, id)
	if err != nil {
		return fmt.Errorf("update memory: %w", err)
	}
	return nil
}

// ArchiveMemory soft-deletes a row. Hard deletion is reserved for operator
// maintenance and is not exposed here.
func (s *Store) ArchiveMemory(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE memories SET archived_at = CURRENT_TIMESTAMP
		WHERE id = ? AND archived_at IS NULL;
	`, id)
	if err != nil {
		return fmt.Errorf("archive memory: %w", err)
	}
	return nil
}

// ActiveMemories returns unarchived rows visible to a chat: its own chat-scope
// rows plus all global rows, above the confidence floor.
func (s *Store) ActiveMemories(ctx context.Context, chatID int64, confidenceFloor float64) ([]MemoryRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_id, COALESCE(chat_channel, ''), COALESCE(external_chat_id, ''),
			scope, category, content, confidence, created_at, updated_at, archived_at,
			COALESCE(embedding_model, ''), COALESCE(embedding_dim, 0), embedding_blob
		FROM memories
		WHERE archived_at IS NULL
			AND confidence >= ?
			AND (scope = 'global' OR chat_id = ?)
		ORDER BY confidence DESC, updated_at DESC;
	`, confidenceFloor, chatID)
	if err != nil {
		return nil, fmt.Errorf("query active memories: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// FindMemoryByContent locates an unarchived row with identical content in the
// same scope, for duplicate merging.
func (s *Store) FindMemoryByContent(ctx context.Context, scope MemoryScope, chatID *int64, content string) (*MemoryRow, error) {
	var row *sql.Row
	if chatID == nil {
		row = s.db.QueryRowContext(ctx, `
			SELECT id, chat_id, COALESCE(chat_channel, ''), COALESCE(external_chat_id, ''),
				scope, category, content, confidence, created_at, updated_at, archived_at,
				COALESCE(embedding_model, ''), COALESCE(embedding_dim, 0), embedding_blob
			FROM memories
			WHERE scope = ? AND chat_id IS NULL AND content = ? AND archived_at IS NULL;
		`, scope, content)
	} else {
		row = s.db.QueryRowContext(ctx, `
			SELECT id, chat_id, COALESCE(chat_channel, ''), COALESCE(external_chat_id, ''),
				scope, category, content, confidence, created_at, updated_at, archived_at,
				COALESCE(embedding_model, ''), COALESCE(embedding_dim, 0), embedding_blob
			FROM memories
			WHERE scope = ? AND chat_id = ? AND content = ? AND archived_at IS NULL;
		`, scope, *chatID, content)
	}
	m, err := scanMemory(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find memory by content: %w", err)
	}
	return m, nil
}

// RecordInjection logs one prompt-time memory selection.
func (s *Store) RecordInjection(ctx context.Context, chatID int64, candidates, selected, tokensUsed, budgetTokens int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO injection_logs (chat_id, candidates, selected, tokens_used, budget_tokens)
		VALUES (?, ?, ?, ?, ?);
	`, chatID, candidates, selected, tokensUsed, budgetTokens)
	if err != nil {
		return fmt.Errorf("insert injection log: %w", err)
	}
	return nil
}

// RecordReflectorRun logs one reflector pass for a chat.
func (s *Store) RecordReflectorRun(ctx context.Context, chatID int64, inserted, updated, skipped int, duration time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reflector_runs (chat_id, inserted, updated, skipped, duration_ms)
		VALUES (?, ?, ?, ?, ?);
	`, chatID, inserted, updated, skipped, duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("insert reflector run: %w", err)
	}
	return nil
}

type InjectionStats struct {
	Selections  int64 `json:"selections"`
	Candidates  int64 `json:"candidates"`
	Selected    int64 `json:"selected"`
	TokensUsed  int64 `json:"tokens_used"`
	BudgetTotal int64 `json:"budget_total"`
}

// InjectionStatsForChat aggregates memory-selection coverage for /api/usage.
func (s *Store) InjectionStatsForChat(ctx context.Context, chatID int64) (InjectionStats, error) {
	var st InjectionStats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1), COALESCE(SUM(candidates), 0), COALESCE(SUM(selected), 0),
			COALESCE(SUM(tokens_used), 0), COALESCE(SUM(budget_tokens), 0)
		FROM injection_logs WHERE chat_id = ?;
	`, chatID).Scan(&st.Selections, &st.Candidates, &st.Selected, &st.TokensUsed, &st.BudgetTotal)
	if err != nil {
		return st, fmt.Errorf("injection stats: %w", err)
	}
	return st, nil
}

func scanMemory(scanFn func(dest ...any) error) (*MemoryRow, error) {
	var m MemoryRow
	var chatID sql.NullInt64
	var archived sql.NullTime
	if err := scanFn(&m.ID, &chatID, &m.ChatChannel, &m.ExternalChatID,
		&m.Scope, &m.Category, &m.Content, &m.Confidence, &m.CreatedAt, &m.UpdatedAt, &archived,
		&m.EmbeddingModel, &m.EmbeddingDim, &m.EmbeddingBlob); err != nil {
		return nil, err
	}
	if chatID.Valid {
		id := chatID.Int64
		m.ChatID = &id
	}
	if archived.Valid {
		t := archived.Time
		m.ArchivedAt = &t
	}
	return &m, nil
}

func scanMemories(rows *sql.Rows) ([]MemoryRow, error) {
	var out []MemoryRow
	for rows.Next() {
		m, err := scanMemory(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("memory rows: %w", err)
	}
	return out, nil
}
