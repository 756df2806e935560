package tools

import (
	"context"
	"fmt"
	"strings"
)

// MemoryService is the slice of the memory store tools need. The
// memory package implements it; sub-agents never see the write side.
type MemoryService interface {
	// Remember upserts a structured memory through the quality gate.
	// scope is "chat" or "global"; chatID is ignored for global scope.
	Remember(ctx context.Context, scope string, chatID int64, category, content string) (int64, error)
	// Forget archives memories matching the query. Returns how many
	// rows were archived.
	Forget(ctx context.Context, scope string, chatID int64, query string) (int, error)
	// WriteAgentsFile replaces the AGENTS.md file memory and records a
	// structured row alongside it.
	WriteAgentsFile(ctx context.Context, scope string, chatID int64, content string) error
	// Recall returns stored memories as rendered lines, best matches
	// first. A zero limit means all.
	Recall(ctx context.Context, chatID int64, query string, limit int) ([]string, error)
}

func memoryScope(call Call) (string, *Result) {
	scope := stringInput(call.Input, "scope")
	if scope == "" {
		scope = "chat"
	}
	switch scope {
	case "chat":
		return scope, nil
	case "global":
		if denied := requireControl(call, "global memory write"); denied != nil {
			return "", denied
		}
		return scope, nil
	default:
		res := Errorf(ErrToolInternal, "unknown scope %q", scope)
		return "", &res
	}
}

// RememberTool is the deterministic fast path for explicit user
// "remember ..." requests: a direct structured upsert, no reflector.
type RememberTool struct {
	memory MemoryService
}

func NewRememberTool(m MemoryService) *RememberTool {
	return &RememberTool{memory: m}
}

func (t *RememberTool) Name() string { return "remember" }
func (t *RememberTool) Risk() Risk   { return RiskLow }

func (t *RememberTool) Description() string {
	return "Store a fact in structured memory for this chat. Use scope \"global\" (control chats only) for facts that apply everywhere."
}

func (t *RememberTool) InputSchema() map[string]any {
	return objectSchema([]string{"content"}, map[string]any{
		"content":  strProp("The fact to remember, one sentence."),
		"category": strProp("Optional category, e.g. preference, person, project."),
		"scope":    map[string]any{"type": "string", "enum": []any{"chat", "global"}},
		"chat_id":  intProp("Target chat id; only honored from a control chat."),
	})
}

func (t *RememberTool) Execute(ctx context.Context, call Call) Result {
	scope, denied := memoryScope(call)
	if denied != nil {
		return *denied
	}
	target, denied := resolveTargetChat(call)
	if denied != nil {
		return *denied
	}
	content := strings.TrimSpace(stringInput(call.Input, "content"))
	if content == "" {
		return Errorf(ErrToolInternal, "empty content")
	}
	category := stringInput(call.Input, "category")
	if category == "" {
		category = "general"
	}
	id, err := t.memory.Remember(ctx, scope, target, category, content)
	if err != nil {
		return Errorf(ErrToolInternal, "remember: %v", err)
	}
	return Text(fmt.Sprintf("remembered (memory %d)", id))
}

// ReadMemoryTool lists stored memories on demand. Prompt injection
// already surfaces the best matches each turn; this is for explicit
// "what do you remember" requests and for sub-agents, which get no
// injected memory at all.
type ReadMemoryTool struct {
	memory MemoryService
}

func NewReadMemoryTool(m MemoryService) *ReadMemoryTool {
	return &ReadMemoryTool{memory: m}
}

func (t *ReadMemoryTool) Name() string { return "read_memory" }
func (t *ReadMemoryTool) Risk() Risk   { return RiskLow }

func (t *ReadMemoryTool) Description() string {
	return "List memories stored for this chat, best matches first when a query is given."
}

func (t *ReadMemoryTool) InputSchema() map[string]any {
	return objectSchema(nil, map[string]any{
		"query":   strProp("Optional text to rank memories against."),
		"limit":   intProp("Maximum number of memories to return (default 20)."),
		"chat_id": intProp("Target chat id; only honored from a control chat."),
	})
}

func (t *ReadMemoryTool) Execute(ctx context.Context, call Call) Result {
	target, denied := resolveTargetChat(call)
	if denied != nil {
		return *denied
	}
	limit := int(int64Input(call.Input, "limit"))
	if limit <= 0 {
		limit = 20
	}
	lines, err := t.memory.Recall(ctx, target, stringInput(call.Input, "query"), limit)
	if err != nil {
		return Errorf(ErrToolInternal, "read memory: %v", err)
	}
	if len(lines) == 0 {
		return Text("no memories stored")
	}
	return Text(strings.Join(lines, "\n"))
}

// ForgetTool archives matching structured memories. Rows are never
// hard-deleted from a chat.
type ForgetTool struct {
	memory MemoryService
}

func NewForgetTool(m MemoryService) *ForgetTool {
	return &ForgetTool{memory: m}
}

func (t *ForgetTool) Name() string { return "forget" }
func (t *ForgetTool) Risk() Risk   { return RiskMedium }

func (t *ForgetTool) Description() string {
	return "Archive structured memories matching a query so they stop appearing in prompts."
}

func (t *ForgetTool) InputSchema() map[string]any {
	return objectSchema([]string{"query"}, map[string]any{
		"query":   strProp("Text to match against stored memories."),
		"scope":   map[string]any{"type": "string", "enum": []any{"chat", "global"}},
		"chat_id": intProp("Target chat id; only honored from a control chat."),
	})
}

func (t *ForgetTool) Execute(ctx context.Context, call Call) Result {
	scope, denied := memoryScope(call)
	if denied != nil {
		return *denied
	}
	target, denied := resolveTargetChat(call)
	if denied != nil {
		return *denied
	}
	query := strings.TrimSpace(stringInput(call.Input, "query"))
	if query == "" {
		return Errorf(ErrToolInternal, "empty query")
	}
	n, err := t.memory.Forget(ctx, scope, target, query)
	if err != nil {
		return Errorf(ErrToolInternal, "forget: %v", err)
	}
	if n == 0 {
		return Text("no matching memories")
	}
	return Text(fmt.Sprintf("archived %d memories", n))
}

// WriteMemoryTool rewrites the AGENTS.md file memory for a scope.
type WriteMemoryTool struct {
	memory MemoryService
}

func NewWriteMemoryTool(m MemoryService) *WriteMemoryTool {
	return &WriteMemoryTool{memory: m}
}

func (t *WriteMemoryTool) Name() string { return "write_memory" }
func (t *WriteMemoryTool) Risk() Risk   { return RiskMedium }

func (t *WriteMemoryTool) Description() string {
	return "Replace the AGENTS.md memory file for this chat (or globally from a control chat). The file is read into every system prompt."
}

func (t *WriteMemoryTool) InputSchema() map[string]any {
	return objectSchema([]string{"content"}, map[string]any{
		"content": strProp("Full new content of the memory file."),
		"scope":   map[string]any{"type": "string", "enum": []any{"chat", "global"}},
		"chat_id": intProp("Target chat id; only honored from a control chat."),
	})
}

func (t *WriteMemoryTool) Execute(ctx context.Context, call Call) Result {
	scope, denied := memoryScope(call)
	if denied != nil {
		return *denied
	}
	target, denied := resolveTargetChat(call)
	if denied != nil {
		return *denied
	}
	content := stringInput(call.Input, "content")
	if err := t.memory.WriteAgentsFile(ctx, scope, target, content); err != nil {
		return Errorf(ErrToolInternal, "write memory: %v", err)
	}
	return Text(fmt.Sprintf("memory file updated (%s scope)", scope))
}
