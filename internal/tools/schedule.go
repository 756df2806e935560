package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/basket/microclaw/internal/storage"
)

// cronParser accepts six-field expressions with a leading seconds
// column, matching what the scheduler evaluates.
var cronParser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// ScheduleTaskTool creates a scheduled task for the calling chat.
type ScheduleTaskTool struct {
	store *storage.Store
	loc   *time.Location
}

func NewScheduleTaskTool(store *storage.Store, loc *time.Location) *ScheduleTaskTool {
	if loc == nil {
		loc = time.Local
	}
	return &ScheduleTaskTool{store: store, loc: loc}
}

func (t *ScheduleTaskTool) Name() string { return "schedule_task" }
func (t *ScheduleTaskTool) Risk() Risk   { return RiskMedium }

func (t *ScheduleTaskTool) Description() string {
	return "Schedule a prompt to run later. schedule_type is \"cron\" with a six-field cron expression (seconds first), or \"once\" with an RFC3339 time or a duration like 10m."
}

func (t *ScheduleTaskTool) InputSchema() map[string]any {
	return objectSchema([]string{"prompt", "schedule_type", "schedule_value"}, map[string]any{
		"prompt":         strProp("Prompt the agent will run when the task fires."),
		"schedule_type":  map[string]any{"type": "string", "enum": []any{"cron", "once"}},
		"schedule_value": strProp("Cron expression, RFC3339 timestamp, or duration."),
		"chat_id":        intProp("Target chat id; only honored from a control chat."),
	})
}

func (t *ScheduleTaskTool) Execute(ctx context.Context, call Call) Result {
	target, denied := resolveTargetChat(call)
	if denied != nil {
		return *denied
	}
	prompt := strings.TrimSpace(stringInput(call.Input, "prompt"))
	if prompt == "" {
		return Errorf(ErrToolInternal, "empty prompt")
	}

	scheduleType := stringInput(call.Input, "schedule_type")
	scheduleValue := stringInput(call.Input, "schedule_value")
	nextRun, err := firstRun(scheduleType, scheduleValue, time.Now().In(t.loc))
	if err != nil {
		return Errorf(ErrToolInternal, "invalid schedule: %v", err)
	}

	id, err := t.store.CreateScheduledTask(ctx, target, prompt, scheduleType, scheduleValue, nextRun)
	if err != nil {
		return Errorf(ErrToolInternal, "create task: %v", err)
	}
	return Text(fmt.Sprintf("scheduled task %d, first run %s", id, nextRun.Format(time.RFC3339)))
}

// firstRun validates the schedule and computes the initial next_run.
func firstRun(scheduleType, scheduleValue string, now time.Time) (time.Time, error) {
	switch scheduleType {
	case "cron":
		sched, err := cronParser.Parse(scheduleValue)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse cron %q: %w", scheduleValue, err)
		}
		return sched.Next(now), nil
	case "once":
		if ts, err := time.Parse(time.RFC3339, scheduleValue); err == nil {
			if ts.Before(now) {
				return time.Time{}, fmt.Errorf("time %s is in the past", scheduleValue)
			}
			return ts, nil
		}
		if d, err := time.ParseDuration(scheduleValue); err == nil {
			if d <= 0 {
				return time.Time{}, fmt.Errorf("duration must be positive")
			}
			return now.Add(d), nil
		}
		return time.Time{}, fmt.Errorf("%q is neither RFC3339 nor a duration", scheduleValue)
	default:
		return time.Time{}, fmt.Errorf("unknown schedule_type %q", scheduleType)
	}
}

// ListScheduledTasksTool lists the calling chat's tasks.
type ListScheduledTasksTool struct {
	store *storage.Store
}

func NewListScheduledTasksTool(store *storage.Store) *ListScheduledTasksTool {
	return &ListScheduledTasksTool{store: store}
}

func (t *ListScheduledTasksTool) Name() string { return "list_scheduled_tasks" }
func (t *ListScheduledTasksTool) Risk() Risk   { return RiskLow }

func (t *ListScheduledTasksTool) Description() string {
	return "List scheduled tasks for the current chat."
}

func (t *ListScheduledTasksTool) InputSchema() map[string]any {
	return objectSchema(nil, map[string]any{
		"chat_id": intProp("Target chat id; only honored from a control chat."),
	})
}

func (t *ListScheduledTasksTool) Execute(ctx context.Context, call Call) Result {
	target, denied := resolveTargetChat(call)
	if denied != nil {
		return *denied
	}
	tasks, err := t.store.ListScheduledTasks(ctx, target)
	if err != nil {
		return Errorf(ErrToolInternal, "list tasks: %v", err)
	}
	if len(tasks) == 0 {
		return Text("no scheduled tasks")
	}
	var b strings.Builder
	for _, task := range tasks {
		fmt.Fprintf(&b, "#%d [%s] %s %q next=%s fails=%d\n",
			task.ID, task.Status, task.ScheduleType, task.Prompt,
			task.NextRun.Format(time.RFC3339), task.FailCount)
	}
	return Text(strings.TrimRight(b.String(), "\n"))
}

// CancelScheduledTaskTool cancels one of the calling chat's tasks.
type CancelScheduledTaskTool struct {
	store *storage.Store
}

func NewCancelScheduledTaskTool(store *storage.Store) *CancelScheduledTaskTool {
	return &CancelScheduledTaskTool{store: store}
}

func (t *CancelScheduledTaskTool) Name() string { return "cancel_scheduled_task" }
func (t *CancelScheduledTaskTool) Risk() Risk   { return RiskLow }

func (t *CancelScheduledTaskTool) Description() string {
	return "Cancel a scheduled task by id."
}

func (t *CancelScheduledTaskTool) InputSchema() map[string]any {
	return objectSchema([]string{"task_id"}, map[string]any{
		"task_id": intProp("Id of the task to cancel."),
		"chat_id": intProp("Target chat id; only honored from a control chat."),
	})
}

func (t *CancelScheduledTaskTool) Execute(ctx context.Context, call Call) Result {
	target, denied := resolveTargetChat(call)
	if denied != nil {
		return *denied
	}
	taskID := int64Input(call.Input, "task_id")
	ok, err := t.store.CancelScheduledTask(ctx, target, taskID)
	if err != nil {
		return Errorf(ErrToolInternal, "cancel task: %v", err)
	}
	if !ok {
		return Errorf(ErrToolInternal, "task %d not found for this chat", taskID)
	}
	return Text(fmt.Sprintf("cancelled task %d", taskID))
}

// ListDLQTool lists dead-letter entries for failed scheduled tasks.
type ListDLQTool struct {
	store *storage.Store
}

func NewListDLQTool(store *storage.Store) *ListDLQTool {
	return &ListDLQTool{store: store}
}

func (t *ListDLQTool) Name() string { return "list_scheduled_task_dlq" }
func (t *ListDLQTool) Risk() Risk   { return RiskLow }

func (t *ListDLQTool) Description() string {
	return "List dead-letter entries for scheduled tasks that exhausted their retries. Optionally filter by task_id."
}

func (t *ListDLQTool) InputSchema() map[string]any {
	return objectSchema(nil, map[string]any{
		"task_id": intProp("Only show entries for this task."),
		"chat_id": intProp("Target chat id; only honored from a control chat."),
	})
}

func (t *ListDLQTool) Execute(ctx context.Context, call Call) Result {
	target, denied := resolveTargetChat(call)
	if denied != nil {
		return *denied
	}
	entries, err := t.store.ListDLQ(ctx, target, int64Input(call.Input, "task_id"))
	if err != nil {
		return Errorf(ErrToolInternal, "list dlq: %v", err)
	}
	if len(entries) == 0 {
		return Text("dead-letter queue is empty")
	}
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "#%d task=%d [%s] %s: %s\n",
			e.ID, e.TaskID, e.Status, e.FailedAt.Format(time.RFC3339), e.Reason)
	}
	return Text(strings.TrimRight(b.String(), "\n"))
}

// ReplayDLQTool re-queues dead-lettered tasks for an immediate run.
type ReplayDLQTool struct {
	store *storage.Store
}

func NewReplayDLQTool(store *storage.Store) *ReplayDLQTool {
	return &ReplayDLQTool{store: store}
}

func (t *ReplayDLQTool) Name() string { return "replay_scheduled_task_dlq" }
func (t *ReplayDLQTool) Risk() Risk   { return RiskMedium }

func (t *ReplayDLQTool) Description() string {
	return "Replay dead-letter entries: marks them replayed and re-queues their tasks to run immediately. Optionally filter by task_id and limit the count."
}

func (t *ReplayDLQTool) InputSchema() map[string]any {
	return objectSchema(nil, map[string]any{
		"task_id": intProp("Only replay entries for this task."),
		"limit":   intProp("Maximum entries to replay."),
		"chat_id": intProp("Target chat id; only honored from a control chat."),
	})
}

func (t *ReplayDLQTool) Execute(ctx context.Context, call Call) Result {
	target, denied := resolveTargetChat(call)
	if denied != nil {
		return *denied
	}
	n, err := t.store.ReplayDLQ(ctx, target, int64Input(call.Input, "task_id"), intInput(call.Input, "limit"))
	if err != nil {
		return Errorf(ErrToolInternal, "replay dlq: %v", err)
	}
	return Text(fmt.Sprintf("replayed %d dead-letter entries", n))
}
