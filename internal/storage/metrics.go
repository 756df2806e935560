package storage

import (
	"context"
	"fmt"
	"time"
)

type MetricPoint struct {
	Ts    time.Time `json:"ts"`
	Name  string    `json:"name"`
	Value float64   `json:"value"`
}

// RecordMetric appends one sample to the metrics history series.
func (s *Store) RecordMetric(ctx context.Context, name string, value float64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO metrics_history (name, value) VALUES (?, ?);
	`, name, value)
	if err != nil {
		return fmt.Errorf("insert metric: %w", err)
	}
	return nil
}

// MetricsSince returns all samples newer than the cutoff, oldest first.
func (s *Store) MetricsSince(ctx context.Context, since time.Time) ([]MetricPoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ts, name, value FROM metrics_history
		WHERE ts >= ? ORDER BY ts ASC, id ASC;
	`, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}
	defer rows.Close()

	var out []MetricPoint
	for rows.Next() {
		var p MetricPoint
		if err := rows.Scan(&p.Ts, &p.Name, &p.Value); err != nil {
			return nil, fmt.Errorf("scan metric: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("metric rows: %w", err)
	}
	return out, nil
}

// PruneMetrics drops samples older than the cutoff.
func (s *Store) PruneMetrics(ctx context.Context, olderThan time.Time) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM metrics_history WHERE ts < ?;`, olderThan.UTC())
	if err != nil {
		return fmt.Errorf("prune metrics: %w", err)
	}
	return nil
}

type UsageEntry struct {
	Ts               time.Time `json:"ts"`
	ChatID           int64     `json:"chat_id"`
	Model            string    `json:"model"`
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
}

// RecordUsage appends one provider-call token accounting row.
func (s *Store) RecordUsage(ctx context.Context, chatID int64, model string, promptTokens, completionTokens int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_log (chat_id, model, prompt_tokens, completion_tokens)
		VALUES (?, ?, ?, ?);
	`, chatID, model, promptTokens, completionTokens)
	if err != nil {
		return fmt.Errorf("insert usage: %w", err)
	}
	return nil
}

type UsageSummary struct {
	Model            string `json:"model"`
	Calls            int64  `json:"calls"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
}

// UsageForChat aggregates token usage per model for one chat (0 = all chats).
func (s *Store) UsageForChat(ctx context.Context, chatID int64) ([]UsageSummary, error) {
	var query string
	var args []any
	if chatID > 0 {
		query = `
			SELECT model, COUNT(1), COALESCE(SUM(prompt_tokens), 0), COALESCE(SUM(completion_tokens), 0)
			FROM usage_log WHERE chat_id = ? GROUP BY model ORDER BY model;
		`
		args = []any{chatID}
	} else {
		query = `
			SELECT model, COUNT(1), COALESCE(SUM(prompt_tokens), 0), COALESCE(SUM(completion_tokens), 0)
			FROM usage_log GROUP BY model ORDER BY model;
		`
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query usage: %w", err)
	}
	defer rows.Close()

	var out []UsageSummary
	for rows.Next() {
		var u UsageSummary
		if err := rows.Scan(&u.Model, &u.Calls, &u.PromptTokens, &u.CompletionTokens); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("usage rows: %w", err)
	}
	return out, nil
}
