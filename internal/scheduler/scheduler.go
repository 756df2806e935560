// Package scheduler runs the background loop that fires scheduled
// tasks through the agent engine. Storage owns the task rows; the
// scheduler owns only the timer.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/microclaw/internal/agent"
	"github.com/basket/microclaw/internal/obs"
	"github.com/basket/microclaw/internal/storage"
)

// cronParser accepts six-field expressions (second, minute, hour, dom,
// month, dow), matching what the scheduling tools validate.
var cronParser = cronlib.NewParser(
	cronlib.Second | cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

const (
	defaultInterval = 60 * time.Second
	defaultBackoff  = 5 * time.Minute
	retryBudget     = 3
	summaryMax      = 200
)

// Engine is the slice of the agent the scheduler drives.
type Engine interface {
	Process(ctx context.Context, turn agent.Turn) (string, error)
}

// Deliverer sends the task result into the task's chat.
type Deliverer interface {
	DeliverAndStoreBotMessage(ctx context.Context, chatID int64, text string) error
}

// Config holds the scheduler's dependencies.
type Config struct {
	Store     *storage.Store
	Engine    Engine
	Deliverer Deliverer
	Location  *time.Location // cron evaluation timezone
	Interval  time.Duration
	Logger    *slog.Logger
}

type Scheduler struct {
	store     *storage.Store
	engine    Engine
	deliverer Deliverer
	loc       *time.Location
	interval  time.Duration
	logger    *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Scheduler{
		store:     cfg.Store,
		engine:    cfg.Engine,
		deliverer: cfg.Deliverer,
		loc:       cfg.Location,
		interval:  cfg.Interval,
		logger:    cfg.Logger,
	}
}

// Start begins the loop. The first tick fires immediately, so tasks
// that came due while the process was down run without waiting a full
// interval.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("scheduler started", "interval", s.interval)
}

// Stop cancels the loop and waits for the current tick to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick fires every due task in submission order.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()
	due, err := s.store.DueTasks(ctx, now)
	if err != nil {
		s.logger.Error("due-task query failed", "error", err)
		return
	}
	for _, task := range due {
		if ctx.Err() != nil {
			return
		}
		s.fire(ctx, task)
	}
}

// fire runs one task through the engine and records the outcome. A
// failed run burns one retry; storage dead-letters the task once the
// budget is spent and keeps it active with a backed-off next_run.
func (s *Scheduler) fire(ctx context.Context, task storage.ScheduledTask) {
	obs.Count("scheduler.tasks_fired")
	ctx, span := obs.StartSpan(ctx, obs.Tracer(), "scheduler.fire",
		obs.AttrChatID.Int64(task.ChatID))
	defer span.End()
	start := time.Now()
	text, err := s.engine.Process(ctx, agent.Turn{
		ChatID:         task.ChatID,
		Sender:         "scheduler",
		ChatType:       "private",
		OverridePrompt: task.Prompt,
	})
	finished := time.Now()

	log := storage.TaskRunLog{
		TaskID:     task.ID,
		ChatID:     task.ChatID,
		StartedAt:  start,
		FinishedAt: finished,
		DurationMs: finished.Sub(start).Milliseconds(),
		Success:    err == nil,
	}

	var nextRun *time.Time
	if err != nil {
		log.ResultSummary = truncate(err.Error(), summaryMax)
		s.logger.Warn("scheduled task failed",
			"task_id", task.ID, "chat_id", task.ChatID, "fail_count", task.FailCount+1, "error", err)
	} else {
		log.ResultSummary = truncate(text, summaryMax)
		if task.ScheduleType == "cron" {
			next, nerr := s.NextRun(task.ScheduleValue, finished)
			if nerr != nil {
				s.logger.Error("cron advance failed, completing task",
					"task_id", task.ID, "expr", task.ScheduleValue, "error", nerr)
			} else {
				nextRun = &next
			}
		}
		if text != "" && s.deliverer != nil {
			if derr := s.deliverer.DeliverAndStoreBotMessage(ctx, task.ChatID, text); derr != nil {
				s.logger.Error("task result delivery failed",
					"task_id", task.ID, "chat_id", task.ChatID, "error", derr)
			}
		}
	}

	if cerr := s.store.CompleteTaskRun(ctx, log, nextRun, retryBudget, defaultBackoff); cerr != nil {
		s.logger.Error("task run bookkeeping failed", "task_id", task.ID, "error", cerr)
	}
}

// NextRun evaluates a cron expression in the configured timezone, so
// wall-clock schedules shift correctly across DST transitions.
func (s *Scheduler) NextRun(expr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron %q: %w", expr, err)
	}
	return sched.Next(after.In(s.loc)), nil
}

func truncate(text string, max int) string {
	if len(text) <= max {
		return text
	}
	return text[:max]
}
