package tools

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/microclaw/internal/storage"
)

func testStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func chatCall(chatID int64, input map[string]any) Call {
	return Call{Input: input, Chat: ChatContext{ID: chatID}}
}

func TestScheduleTask_CronAndCancel(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	schedule := NewScheduleTaskTool(store, time.UTC)
	res := schedule.Execute(ctx, chatCall(1, map[string]any{
		"prompt":         "daily report",
		"schedule_type":  "cron",
		"schedule_value": "0 0 9 * * *",
	}))
	if res.IsError {
		t.Fatalf("schedule: %+v", res)
	}

	list := NewListScheduledTasksTool(store)
	res = list.Execute(ctx, chatCall(1, nil))
	if res.IsError || !strings.Contains(res.Content, "daily report") {
		t.Fatalf("list: %+v", res)
	}

	tasks, err := store.ListScheduledTasks(ctx, 1)
	if err != nil || len(tasks) != 1 {
		t.Fatalf("tasks: %v %d", err, len(tasks))
	}

	cancel := NewCancelScheduledTaskTool(store)
	res = cancel.Execute(ctx, chatCall(1, map[string]any{"task_id": float64(tasks[0].ID)}))
	if res.IsError {
		t.Fatalf("cancel: %+v", res)
	}

	res = cancel.Execute(ctx, chatCall(1, map[string]any{"task_id": float64(999)}))
	if !res.IsError {
		t.Fatal("cancelling a missing task should fail")
	}
}

func TestScheduleTask_RejectsBadSchedules(t *testing.T) {
	store := testStore(t)
	schedule := NewScheduleTaskTool(store, time.UTC)

	cases := []map[string]any{
		{"prompt": "x", "schedule_type": "cron", "schedule_value": "not a cron"},
		{"prompt": "x", "schedule_type": "once", "schedule_value": "garbage"},
		{"prompt": "x", "schedule_type": "once", "schedule_value": "2001-01-01T00:00:00Z"},
		{"prompt": "x", "schedule_type": "weekly", "schedule_value": "0 0 9 * * *"},
		{"prompt": "", "schedule_type": "once", "schedule_value": "10m"},
	}
	for _, input := range cases {
		res := schedule.Execute(context.Background(), chatCall(1, input))
		if !res.IsError {
			t.Errorf("input %v should be rejected, got %+v", input, res)
		}
	}
}

func TestScheduleTask_OnceDuration(t *testing.T) {
	store := testStore(t)
	schedule := NewScheduleTaskTool(store, time.UTC)

	res := schedule.Execute(context.Background(), chatCall(1, map[string]any{
		"prompt":         "ping me",
		"schedule_type":  "once",
		"schedule_value": "10m",
	}))
	if res.IsError {
		t.Fatalf("schedule: %+v", res)
	}

	tasks, err := store.ListScheduledTasks(context.Background(), 1)
	if err != nil || len(tasks) != 1 {
		t.Fatalf("tasks: %v %d", err, len(tasks))
	}
	until := time.Until(tasks[0].NextRun)
	if until < 9*time.Minute || until > 11*time.Minute {
		t.Fatalf("next_run not ~10m out: %s", until)
	}
}

func TestScheduleTask_CrossChatGate(t *testing.T) {
	store := testStore(t)
	schedule := NewScheduleTaskTool(store, time.UTC)

	// Normal chat may not schedule for another chat.
	res := schedule.Execute(context.Background(), chatCall(1, map[string]any{
		"prompt":         "spy",
		"schedule_type":  "once",
		"schedule_value": "10m",
		"chat_id":        float64(2),
	}))
	if !res.IsError || res.ErrorType != ErrPermissionDenied {
		t.Fatalf("expected permission_denied, got %+v", res)
	}

	// A control chat may.
	call := chatCall(1, map[string]any{
		"prompt":         "ok",
		"schedule_type":  "once",
		"schedule_value": "10m",
		"chat_id":        float64(2),
	})
	call.Chat.IsControl = true
	res = schedule.Execute(context.Background(), call)
	if res.IsError {
		t.Fatalf("control schedule: %+v", res)
	}
	tasks, _ := store.ListScheduledTasks(context.Background(), 2)
	if len(tasks) != 1 {
		t.Fatalf("task not created for chat 2: %d", len(tasks))
	}
}

func TestDLQTools_ListAndReplay(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	id, err := store.CreateScheduledTask(ctx, 1, "flaky job", "once", "10m", time.Now().Add(10*time.Minute))
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	// Exhaust the retry budget so a dead-letter entry appears.
	for i := 0; i < 3; i++ {
		log := storage.TaskRunLog{
			TaskID:        id,
			ChatID:        1,
			StartedAt:     time.Now(),
			FinishedAt:    time.Now(),
			Success:       false,
			ResultSummary: "provider unavailable",
		}
		if err := store.CompleteTaskRun(ctx, log, nil, 3, time.Minute); err != nil {
			t.Fatalf("complete run: %v", err)
		}
	}

	list := NewListDLQTool(store)
	res := list.Execute(ctx, chatCall(1, nil))
	if res.IsError || !strings.Contains(res.Content, "provider unavailable") {
		t.Fatalf("list dlq: %+v", res)
	}

	replay := NewReplayDLQTool(store)
	res = replay.Execute(ctx, chatCall(1, nil))
	if res.IsError || !strings.Contains(res.Content, "replayed 1") {
		t.Fatalf("replay dlq: %+v", res)
	}

	// Replayed entries are no longer pending.
	res = replay.Execute(ctx, chatCall(1, nil))
	if res.IsError || !strings.Contains(res.Content, "replayed 0") {
		t.Fatalf("second replay: %+v", res)
	}
}

func TestFirstRun_CronNext(t *testing.T) {
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	next, err := firstRun("cron", "0 30 9 * * *", now)
	if err != nil {
		t.Fatalf("firstRun: %v", err)
	}
	want := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %s, want %s", next, want)
	}
}
