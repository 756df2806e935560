package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type TaskStatus string

const (
	TaskStatusActive    TaskStatus = "active"
	TaskStatusPaused    TaskStatus = "paused"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

type ScheduledTask struct {
	ID            int64      `json:"id"`
	ChatID        int64      `json:"chat_id"`
	Prompt        string     `json:"prompt"`
	ScheduleType  string     `json:"schedule_type"` // cron | once
	ScheduleValue string     `json:"schedule_value"`
	NextRun       time.Time  `json:"next_run"`
	LastRun       *time.Time `json:"last_run,omitempty"`
	Status        TaskStatus `json:"status"`
	FailCount     int        `json:"fail_count"`
	CreatedAt     time.Time  `json:"created_at"`
}

type TaskRunLog struct {
	ID            int64     `json:"id"`
	TaskID        int64     `json:"task_id"`
	ChatID        int64     `json:"chat_id"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
	DurationMs    int64     `json:"duration_ms"`
	Success       bool      `json:"success"`
	ResultSummary string    `json:"result_summary,omitempty"`
}

type DLQEntry struct {
	ID          int64     `json:"id"`
	TaskID      int64     `json:"task_id"`
	ChatID      int64     `json:"chat_id"`
	FailedAt    time.Time `json:"failed_at"`
	Reason      string    `json:"reason"`
	PayloadJSON string    `json:"payload_json"`
	Status      string    `json:"status"` // pending | replayed | skipped
}

// CreateScheduledTask inserts a new task and returns its id.
func (s *Store) CreateScheduledTask(ctx context.Context, chatID int64, prompt, scheduleType, scheduleValue string, nextRun time.Time) (int64, error) {
	var id int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO scheduled_tasks (chat_id, prompt, schedule_type, schedule_value, next_run, status)
			VALUES (?, ?, ?, ?, ?, 'active');
		`, chatID, prompt, scheduleType, scheduleValue, nextRun.UTC())
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("create scheduled task: %w", err)
	}
	return id, nil
}

// DueTasks returns active tasks whose next_run is at or before now, in
// submission order.
func (s *Store) DueTasks(ctx context.Context, now time.Time) ([]ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_id, prompt, schedule_type, schedule_value, next_run, last_run, status, fail_count, created_at
		FROM scheduled_tasks
		WHERE status = 'active' AND next_run <= ?
		ORDER BY id ASC;
	`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("query due tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// ListScheduledTasks returns tasks for a chat (all statuses).
func (s *Store) ListScheduledTasks(ctx context.Context, chatID int64) ([]ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_id, prompt, schedule_type, schedule_value, next_run, last_run, status, fail_count, created_at
		FROM scheduled_tasks WHERE chat_id = ? ORDER BY id ASC;
	`, chatID)
	if err != nil {
		return nil, fmt.Errorf("list scheduled tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// GetScheduledTask loads one task.
func (s *Store) GetScheduledTask(ctx context.Context, id int64) (*ScheduledTask, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, chat_id, prompt, schedule_type, schedule_value, next_run, last_run, status, fail_count, created_at
		FROM scheduled_tasks WHERE id = ?;
	`, id)
	var t ScheduledTask
	var lastRun sql.NullTime
	err := row.Scan(&t.ID, &t.ChatID, &t.Prompt, &t.ScheduleType, &t.ScheduleValue, &t.NextRun, &lastRun, &t.Status, &t.FailCount, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select scheduled task: %w", err)
	}
	if lastRun.Valid {
		lr := lastRun.Time
		t.LastRun = &lr
	}
	return &t, nil
}

// CancelScheduledTask marks a task cancelled. Only the owning chat may cancel.
func (s *Store) CancelScheduledTask(ctx context.Context, chatID, taskID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_tasks SET status = 'cancelled'
		WHERE id = ? AND chat_id = ? AND status IN ('active', 'paused');
	`, taskID, chatID)
	if err != nil {
		return false, fmt.Errorf("cancel scheduled task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cancel rows affected: %w", err)
	}
	return n == 1, nil
}

// CompleteTaskRun records a run outcome and advances the task in a single
// transaction: success resets fail_count and either advances next_run (cron)
// or completes the task (once); failure bumps fail_count and, past the retry
// budget, inserts a DLQ row.
func (s *Store) CompleteTaskRun(ctx context.Context, log TaskRunLog, nextRun *time.Time, retryBudget int, backoff time.Duration) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin task run tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO task_run_logs (task_id, chat_id, started_at, finished_at, duration_ms, success, result_summary)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, log.TaskID, log.ChatID, log.StartedAt.UTC(), log.FinishedAt.UTC(), log.DurationMs, log.Success, log.ResultSummary); err != nil {
			return fmt.Errorf("insert task run log: %w", err)
		}

		if log.Success {
			if nextRun != nil {
				if _, err := tx.ExecContext(ctx, `
					UPDATE scheduled_tasks
					SET last_run = ?, next_run = ?, fail_count = 0
					WHERE id = ?;
				`, log.FinishedAt.UTC(), nextRun.UTC(), log.TaskID); err != nil {
					return fmt.Errorf("advance cron task: %w", err)
				}
			} else {
				if _, err := tx.ExecContext(ctx, `
					UPDATE scheduled_tasks
					SET last_run = ?, status = 'completed', fail_count = 0
					WHERE id = ?;
				`, log.FinishedAt.UTC(), log.TaskID); err != nil {
					return fmt.Errorf("complete one-shot task: %w", err)
				}
			}
			return tx.Commit()
		}

		// Failure path: bump fail_count, push next_run out by the backoff, and
		// dead-letter once the retry budget is exhausted. The task itself stays
		// active so a replay can requeue it.
		var failCount int
		if err := tx.QueryRowContext(ctx, `
			UPDATE scheduled_tasks
			SET fail_count = fail_count + 1, last_run = ?, next_run = ?
			WHERE id = ?
			RETURNING fail_count;
		`, log.FinishedAt.UTC(), log.FinishedAt.Add(backoff).UTC(), log.TaskID).Scan(&failCount); err != nil {
			return fmt.Errorf("bump task fail count: %w", err)
		}
		if failCount >= retryBudget {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO scheduled_task_dlq (task_id, chat_id, failed_at, reason, payload_json, status)
				VALUES (?, ?, ?, ?, ?, 'pending');
			`, log.TaskID, log.ChatID, log.FinishedAt.UTC(), log.ResultSummary,
				fmt.Sprintf(`{"fail_count":%d}`, failCount)); err != nil {
				return fmt.Errorf("insert dlq entry: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE scheduled_tasks SET fail_count = 0 WHERE id = ?;
			`, log.TaskID); err != nil {
				return fmt.Errorf("reset fail count after dlq: %w", err)
			}
		}
		return tx.Commit()
	})
}

// ListDLQ returns dead-letter entries for a chat, optionally filtered by task.
func (s *Store) ListDLQ(ctx context.Context, chatID int64, taskID int64) ([]DLQEntry, error) {
	var rows *sql.Rows
	var err error
	if taskID > 0 {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, task_id, chat_id, failed_at, reason, payload_json, status
			FROM scheduled_task_dlq WHERE chat_id = ? AND task_id = ? ORDER BY id ASC;
		`, chatID, taskID)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, task_id, chat_id, failed_at, reason, payload_json, status
			FROM scheduled_task_dlq WHERE chat_id = ? ORDER BY id ASC;
		`, chatID)
	}
	if err != nil {
		return nil, fmt.Errorf("list dlq: %w", err)
	}
	defer rows.Close()

	var out []DLQEntry
	for rows.Next() {
		var e DLQEntry
		if err := rows.Scan(&e.ID, &e.TaskID, &e.ChatID, &e.FailedAt, &e.Reason, &e.PayloadJSON, &e.Status); err != nil {
			return nil, fmt.Errorf("scan dlq entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dlq rows: %w", err)
	}
	return out, nil
}

// ReplayDLQ marks pending entries replayed and re-queues their tasks at an
// immediate next_run. Returns the number of entries replayed.
func (s *Store) ReplayDLQ(ctx context.Context, chatID int64, taskID int64, limit int) (int, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	var replayed int
	err := retryOnBusy(ctx, 5, func() error {
		replayed = 0
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin replay tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var rows *sql.Rows
		if taskID > 0 {
			rows, err = tx.QueryContext(ctx, `
				SELECT id, task_id FROM scheduled_task_dlq
				WHERE chat_id = ? AND task_id = ? AND status = 'pending'
				ORDER BY id ASC LIMIT ?;
			`, chatID, taskID, limit)
		} else {
			rows, err = tx.QueryContext(ctx, `
				SELECT id, task_id FROM scheduled_task_dlq
				WHERE chat_id = ? AND status = 'pending'
				ORDER BY id ASC LIMIT ?;
			`, chatID, limit)
		}
		if err != nil {
			return fmt.Errorf("select dlq for replay: %w", err)
		}
		type pair struct{ entryID, taskID int64 }
		var pairs []pair
		for rows.Next() {
			var p pair
			if err := rows.Scan(&p.entryID, &p.taskID); err != nil {
				rows.Close()
				return fmt.Errorf("scan dlq for replay: %w", err)
			}
			pairs = append(pairs, p)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("dlq replay rows: %w", err)
		}

		for _, p := range pairs {
			if _, err := tx.ExecContext(ctx, `
				UPDATE scheduled_task_dlq SET status = 'replayed' WHERE id = ?;
			`, p.entryID); err != nil {
				return fmt.Errorf("mark dlq replayed: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE scheduled_tasks
				SET status = 'active', next_run = CURRENT_TIMESTAMP, fail_count = 0
				WHERE id = ?;
			`, p.taskID); err != nil {
				return fmt.Errorf("requeue replayed task: %w", err)
			}
			replayed++
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}
	return replayed, nil
}

func scanTasks(rows *sql.Rows) ([]ScheduledTask, error) {
	var out []ScheduledTask
	for rows.Next() {
		var t ScheduledTask
		var lastRun sql.NullTime
		if err := rows.Scan(&t.ID, &t.ChatID, &t.Prompt, &t.ScheduleType, &t.ScheduleValue, &t.NextRun, &lastRun, &t.Status, &t.FailCount, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan scheduled task: %w", err)
		}
		if lastRun.Valid {
			lr := lastRun.Time
			t.LastRun = &lr
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scheduled task rows: %w", err)
	}
	return out, nil
}
