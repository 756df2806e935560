package tools

import (
	"context"
	"strings"
)

// SubAgentRunner runs a prompt in a fresh engine with a restricted
// registry and a lower iteration cap, returning the final text. The
// agent package provides it at wiring time.
type SubAgentRunner func(ctx context.Context, chat ChatContext, task string) (string, error)

// SpawnSubAgentTool hands a self-contained task to a sub-agent. Not
// present in the restricted registry, so agents cannot nest.
type SpawnSubAgentTool struct {
	run SubAgentRunner
}

func NewSpawnSubAgentTool(run SubAgentRunner) *SpawnSubAgentTool {
	return &SpawnSubAgentTool{run: run}
}

func (t *SpawnSubAgentTool) Name() string { return "spawn_subagent" }
func (t *SpawnSubAgentTool) Risk() Risk   { return RiskMedium }

func (t *SpawnSubAgentTool) Description() string {
	return "Delegate a self-contained task to a sub-agent with file, search, and web tools. Returns the sub-agent's final answer. The task description must include all needed context."
}

func (t *SpawnSubAgentTool) InputSchema() map[string]any {
	return objectSchema([]string{"task"}, map[string]any{
		"task": strProp("Complete description of the task to delegate."),
	})
}

func (t *SpawnSubAgentTool) Execute(ctx context.Context, call Call) Result {
	if call.Chat.Depth >= 1 {
		return Errorf(ErrPermissionDenied, "sub-agents cannot spawn sub-agents")
	}
	task := strings.TrimSpace(stringInput(call.Input, "task"))
	if task == "" {
		return Errorf(ErrToolInternal, "empty task")
	}

	child := call.Chat
	child.Depth++
	text, err := t.run(ctx, child, task)
	if err != nil {
		return Errorf(ErrToolInternal, "sub-agent: %v", err)
	}
	if text == "" {
		text = "(sub-agent produced no output)"
	}
	return Text(text)
}
