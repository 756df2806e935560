package tools

import (
	"context"
	"testing"
)

func TestRegistry_RegisterAndDefinitions(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(
		&fakeTool{name: "alpha", execute: func(context.Context, Call) Result { return Text("a") }},
		&fakeTool{name: "beta", execute: func(context.Context, Call) Result { return Text("b") }},
	)

	defs := reg.Definitions()
	if len(defs) != 2 {
		t.Fatalf("expected 2 definitions, got %d", len(defs))
	}
	if defs[0].Name != "alpha" || defs[1].Name != "beta" {
		t.Fatalf("definitions out of registration order: %s, %s", defs[0].Name, defs[1].Name)
	}
}

func TestRegistry_DuplicateRejected(t *testing.T) {
	reg := NewRegistry()
	tool := &fakeTool{name: "dup", execute: func(context.Context, Call) Result { return Text("") }}
	if err := reg.Register(tool); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := reg.Register(tool); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
}

type badSchemaTool struct{ fakeTool }

func (b *badSchemaTool) InputSchema() map[string]any {
	return map[string]any{"type": 42} // not a valid schema
}

func TestRegistry_BadSchemaRejected(t *testing.T) {
	reg := NewRegistry()
	tool := &badSchemaTool{fakeTool{name: "broken", execute: func(context.Context, Call) Result { return Text("") }}}
	if err := reg.Register(tool); err == nil {
		t.Fatal("expected schema compile failure")
	}
}

func TestRegistry_RestrictedView(t *testing.T) {
	reg := NewRegistry()
	for _, name := range []string{"read_file", "glob", "web_fetch", "read_memory", "send_message", "schedule_task", "remember", "write_memory", "spawn_subagent", "mcp_srv_query"} {
		reg.MustRegister(&fakeTool{name: name, execute: func(context.Context, Call) Result { return Text("") }})
	}

	sub := reg.Restricted()
	for _, allowed := range []string{"read_file", "glob", "web_fetch", "read_memory", "mcp_srv_query"} {
		if _, ok := sub.Get(allowed); !ok {
			t.Errorf("restricted registry missing %s", allowed)
		}
	}
	for _, blocked := range []string{"send_message", "schedule_task", "remember", "write_memory", "spawn_subagent"} {
		if _, ok := sub.Get(blocked); ok {
			t.Errorf("restricted registry should not expose %s", blocked)
		}
	}
}

func TestResolveTargetChat(t *testing.T) {
	base := Call{Input: map[string]any{}, Chat: ChatContext{ID: 7}}

	// No argument: caller's own chat.
	if got, denied := resolveTargetChat(base); denied != nil || got != 7 {
		t.Fatalf("own chat: got %d, denied %v", got, denied)
	}

	// Matching argument is fine.
	base.Input["chat_id"] = float64(7)
	if got, denied := resolveTargetChat(base); denied != nil || got != 7 {
		t.Fatalf("matching chat: got %d, denied %v", got, denied)
	}

	// Foreign chat from a normal chat is refused.
	base.Input["chat_id"] = float64(9)
	if _, denied := resolveTargetChat(base); denied == nil || denied.ErrorType != ErrPermissionDenied {
		t.Fatalf("expected permission_denied, got %v", denied)
	}

	// Control chats may cross.
	base.Chat.IsControl = true
	if got, denied := resolveTargetChat(base); denied != nil || got != 9 {
		t.Fatalf("control cross-chat: got %d, denied %v", got, denied)
	}
}

func TestRequireControl(t *testing.T) {
	call := Call{Chat: ChatContext{ID: 1}}
	if denied := requireControl(call, "global write"); denied == nil || denied.ErrorType != ErrPermissionDenied {
		t.Fatalf("expected denial, got %v", denied)
	}
	call.Chat.IsControl = true
	if denied := requireControl(call, "global write"); denied != nil {
		t.Fatalf("control chat denied: %v", denied)
	}
}
