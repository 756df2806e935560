package scheduler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/microclaw/internal/agent"
	"github.com/basket/microclaw/internal/storage"
)

type fakeEngine struct {
	mu    sync.Mutex
	turns []agent.Turn
	reply string
	err   error
}

func (f *fakeEngine) Process(_ context.Context, turn agent.Turn) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.turns = append(f.turns, turn)
	return f.reply, f.err
}

type fakeDeliverer struct {
	mu       sync.Mutex
	messages []string
}

func (f *fakeDeliverer) DeliverAndStoreBotMessage(_ context.Context, _ int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, text)
	return nil
}

func testScheduler(t *testing.T, engine *fakeEngine) (*Scheduler, *storage.Store, *fakeDeliverer) {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	deliverer := &fakeDeliverer{}
	s := New(Config{
		Store:     store,
		Engine:    engine,
		Deliverer: deliverer,
		Location:  time.UTC,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return s, store, deliverer
}

func TestTick_OneShotCompletesAndDelivers(t *testing.T) {
	engine := &fakeEngine{reply: "report ready"}
	s, store, deliverer := testScheduler(t, engine)
	ctx := context.Background()

	taskID, err := store.CreateScheduledTask(ctx, 5, "write the report", "once", "", time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	s.tick(ctx)

	if len(engine.turns) != 1 {
		t.Fatalf("engine ran %d times", len(engine.turns))
	}
	turn := engine.turns[0]
	if turn.ChatID != 5 || turn.Sender != "scheduler" || turn.OverridePrompt != "write the report" {
		t.Errorf("turn = %+v", turn)
	}

	task, err := store.GetScheduledTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != storage.TaskStatusCompleted {
		t.Errorf("one-shot status = %s", task.Status)
	}
	if len(deliverer.messages) != 1 || deliverer.messages[0] != "report ready" {
		t.Errorf("delivery = %+v", deliverer.messages)
	}

	var logs int
	var success bool
	err = store.DB().QueryRow(
		`SELECT COUNT(1), MAX(success) FROM task_run_logs WHERE task_id = ?`, taskID).Scan(&logs, &success)
	if err != nil {
		t.Fatalf("run logs: %v", err)
	}
	if logs != 1 || !success {
		t.Errorf("run log logs=%d success=%v", logs, success)
	}
}

func TestTick_CronAdvancesNextRun(t *testing.T) {
	engine := &fakeEngine{reply: "done"}
	s, store, _ := testScheduler(t, engine)
	ctx := context.Background()

	taskID, err := store.CreateScheduledTask(ctx, 1, "hourly check", "cron", "0 0 * * * *", time.Now().Add(-time.Second))
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	s.tick(ctx)

	task, err := store.GetScheduledTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != storage.TaskStatusActive {
		t.Errorf("cron task status = %s", task.Status)
	}
	if !task.NextRun.After(time.Now()) {
		t.Errorf("next_run not advanced: %v", task.NextRun)
	}
	if task.NextRun.After(time.Now().Add(2 * time.Hour)) {
		t.Errorf("next_run too far out: %v", task.NextRun)
	}

	// The same tick must not fire the task again.
	s.tick(ctx)
	if len(engine.turns) != 1 {
		t.Errorf("task refired: %d runs", len(engine.turns))
	}
}

func TestTick_RetryBudgetThenDLQ(t *testing.T) {
	engine := &fakeEngine{err: fmt.Errorf("provider unreachable")}
	s, store, deliverer := testScheduler(t, engine)
	ctx := context.Background()

	taskID, err := store.CreateScheduledTask(ctx, 8, "doomed task", "once", "", time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	// Each failure backs next_run off, so re-arm the task between ticks.
	for i := 0; i < 3; i++ {
		s.tick(ctx)
		if _, err := store.DB().Exec(
			`UPDATE scheduled_tasks SET next_run = ? WHERE id = ?`, time.Now().Add(-time.Second), taskID); err != nil {
			t.Fatalf("re-arm: %v", err)
		}
	}

	entries, err := store.ListDLQ(ctx, 8, 0)
	if err != nil {
		t.Fatalf("list dlq: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("want 1 dlq entry after 3 failures, got %d", len(entries))
	}
	if entries[0].Reason == "" {
		t.Error("dlq entry has no reason")
	}

	// Task stays active for replay.
	task, err := store.GetScheduledTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != storage.TaskStatusActive {
		t.Errorf("failed task status = %s", task.Status)
	}
	if len(deliverer.messages) != 0 {
		t.Errorf("failure delivered output: %+v", deliverer.messages)
	}
}

func TestTick_FailureBacksOffNextRun(t *testing.T) {
	engine := &fakeEngine{err: fmt.Errorf("boom")}
	s, store, _ := testScheduler(t, engine)
	ctx := context.Background()

	taskID, err := store.CreateScheduledTask(ctx, 2, "flaky", "cron", "0 * * * * *", time.Now().Add(-time.Second))
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	s.tick(ctx)
	s.tick(ctx) // backed off, must not refire

	if len(engine.turns) != 1 {
		t.Fatalf("backed-off task refired: %d runs", len(engine.turns))
	}
	task, _ := store.GetScheduledTask(ctx, taskID)
	if !task.NextRun.After(time.Now()) {
		t.Errorf("next_run not backed off: %v", task.NextRun)
	}
	if task.FailCount != 1 {
		t.Errorf("fail_count = %d", task.FailCount)
	}
}

func TestNextRun_DSTAware(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	s := New(Config{Location: loc})

	// Spring-forward 2026: 2am on March 8 jumps to 3am, so a 9am daily
	// schedule fires at 9am wall clock but only 22h30m of real time
	// after 9:30 the previous day.
	before := time.Date(2026, 3, 7, 9, 30, 0, 0, loc)
	next, err := s.NextRun("0 0 9 * * *", before)
	if err != nil {
		t.Fatalf("next run: %v", err)
	}
	if next.Hour() != 9 || next.Day() != 8 {
		t.Errorf("next = %v", next)
	}
	if elapsed := next.Sub(before); elapsed != 22*time.Hour+30*time.Minute {
		t.Errorf("elapsed across spring-forward = %v", elapsed)
	}
}
