package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type SSEEvent struct {
	RunID       string    `json:"run_id"`
	EventID     uint64    `json:"event_id"`
	Name        string    `json:"name"`
	PayloadJSON string    `json:"payload_json"`
	CreatedAt   time.Time `json:"created_at"`
}

// AppendSSEEvent mirrors one run event to durable storage so an unfinished
// run's ring can be rebuilt after restart.
func (s *Store) AppendSSEEvent(ctx context.Context, e SSEEvent) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sse_events (run_id, event_id, name, payload_json)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(run_id, event_id) DO NOTHING;
		`, e.RunID, e.EventID, e.Name, e.PayloadJSON)
		return err
	})
	if err != nil {
		return fmt.Errorf("insert sse event: %w", err)
	}
	return nil
}

// SSEEventsForRun returns all persisted events for a run in event order.
func (s *Store) SSEEventsForRun(ctx context.Context, runID string) ([]SSEEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, event_id, name, payload_json, created_at
		FROM sse_events WHERE run_id = ? ORDER BY event_id ASC;
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query sse events: %w", err)
	}
	defer rows.Close()

	var out []SSEEvent
	for rows.Next() {
		var e SSEEvent
		if err := rows.Scan(&e.RunID, &e.EventID, &e.Name, &e.PayloadJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan sse event: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sse event rows: %w", err)
	}
	return out, nil
}

// PruneSSEEvents deletes persisted events older than the cutoff. Finished
// runs do not need durable replay beyond the retention window.
func (s *Store) PruneSSEEvents(ctx context.Context, olderThan time.Time) (int64, error) {
	var n int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM sse_events WHERE created_at < ?;
		`, olderThan.UTC())
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("prune sse events: %w", err)
	}
	return n, nil
}

// LatestSSEEventID returns the max persisted event id for a run, or 0.
func (s *Store) LatestSSEEventID(ctx context.Context, runID string) (uint64, error) {
	var max sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `
		SELECT MAX(event_id) FROM sse_events WHERE run_id = ?;
	`, runID).Scan(&max); err != nil {
		return 0, fmt.Errorf("latest sse event id: %w", err)
	}
	if !max.Valid {
		return 0, nil
	}
	return uint64(max.Int64), nil
}
