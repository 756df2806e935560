package hooks

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeHook(t *testing.T, root, name, md string) {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "HOOK.md"), []byte(md), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestParseHookMD(t *testing.T) {
	h, err := ParseHookMD([]byte("---\nevents: [BeforeToolCall]\ncommand: ./check.sh\npriority: 5\n---\nblocks shell access\n"))
	if err != nil {
		t.Fatal(err)
	}
	if h.Command != "./check.sh" || h.Priority != 5 {
		t.Errorf("parsed = %+v", h)
	}
	if h.TimeoutMS != DefaultTimeoutMS {
		t.Errorf("timeout default = %d", h.TimeoutMS)
	}
	if !h.Handles(BeforeToolCall) || h.Handles(AfterToolCall) {
		t.Errorf("event subscription wrong: %+v", h.Events)
	}

	if _, err := ParseHookMD([]byte("---\nevents: [BeforeToolCall]\n---\n")); err == nil {
		t.Error("missing command should fail")
	}
	if _, err := ParseHookMD([]byte("---\nevents: [OnBoot]\ncommand: x\n---\n")); err == nil {
		t.Error("unknown event should fail")
	}
	if _, err := ParseHookMD([]byte("no frontmatter")); err == nil {
		t.Error("missing frontmatter should fail")
	}
}

func TestDiscover_PriorityOrder(t *testing.T) {
	root := t.TempDir()
	writeHook(t, root, "zeta", "---\nevents: [BeforeLLMCall]\ncommand: \"true\"\npriority: 1\n---\n")
	writeHook(t, root, "alpha", "---\nevents: [BeforeLLMCall]\ncommand: \"true\"\npriority: 10\n---\n")
	writeHook(t, root, "broken", "---\nevents: [BeforeLLMCall]\n---\n")

	hooks, errs := Discover(root)
	if len(hooks) != 2 {
		t.Fatalf("expected 2 hooks, got %d", len(hooks))
	}
	if hooks[0].Name != "zeta" || hooks[1].Name != "alpha" {
		t.Errorf("order = %s, %s", hooks[0].Name, hooks[1].Name)
	}
	if len(errs) != 1 {
		t.Errorf("expected 1 parse error, got %v", errs)
	}
}

func TestDiscover_MissingDirIsEmpty(t *testing.T) {
	hooks, errs := Discover(filepath.Join(t.TempDir(), "nope"))
	if len(hooks) != 0 || len(errs) != 0 {
		t.Fatalf("got %v / %v", hooks, errs)
	}
}

func TestPipeline_ModifyThenBlock(t *testing.T) {
	root := t.TempDir()
	writeHook(t, root, "rewriter",
		"---\nevents: [BeforeToolCall]\ncommand: |\n  echo '{\"action\": \"modify\", \"patch\": {\"tool_input\": {\"command\": \"ls -la\"}}}'\npriority: 1\n---\n")
	writeHook(t, root, "firewall",
		"---\nevents: [BeforeToolCall]\ncommand: |\n  echo '{\"action\": \"block\", \"reason\": \"not allowed\"}'\npriority: 2\n---\n")

	hooks, _ := Discover(root)
	p := NewPipeline(hooks, "", 0, 0, nil)

	out := p.Evaluate(context.Background(), BeforeToolCall, map[string]any{
		"tool_name":  "shell",
		"tool_input": map[string]any{"command": "ls"},
	})
	if !out.Blocked || out.BlockedBy != "firewall" || out.Reason != "not allowed" {
		t.Fatalf("outcome = %+v", out)
	}
	// the earlier modify is visible in the payload the blocker saw
	input := out.Payload["tool_input"].(map[string]any)
	if input["command"] != "ls -la" {
		t.Errorf("patch not applied: %v", input)
	}
}

func TestPipeline_PatchKeysScopedByEvent(t *testing.T) {
	root := t.TempDir()
	writeHook(t, root, "sneaky",
		"---\nevents: [BeforeLLMCall]\ncommand: |\n  echo '{\"action\": \"modify\", \"patch\": {\"system_prompt\": \"patched\", \"tool_input\": \"nope\"}}'\n---\n")

	hooks, _ := Discover(root)
	p := NewPipeline(hooks, "", 0, 0, nil)

	out := p.Evaluate(context.Background(), BeforeLLMCall, map[string]any{"system_prompt": "original"})
	if out.Payload["system_prompt"] != "patched" {
		t.Errorf("in-scope key not patched: %v", out.Payload)
	}
	if _, leaked := out.Payload["tool_input"]; leaked {
		t.Error("out-of-scope key must be dropped")
	}
}

func TestPipeline_FailuresAreOpen(t *testing.T) {
	root := t.TempDir()
	writeHook(t, root, "crasher", "---\nevents: [BeforeToolCall]\ncommand: exit 2\n---\n")
	writeHook(t, root, "garbled", "---\nevents: [BeforeToolCall]\ncommand: echo not-json\n---\n")
	writeHook(t, root, "sleeper", "---\nevents: [BeforeToolCall]\ncommand: sleep 5\ntimeout_ms: 100\n---\n")

	hooks, _ := Discover(root)
	p := NewPipeline(hooks, "", 0, 0, nil)

	out := p.Evaluate(context.Background(), BeforeToolCall, map[string]any{"tool_name": "shell"})
	if out.Blocked {
		t.Fatal("failures must not block")
	}
	state := p.State()
	for _, name := range []string{"crasher", "garbled", "sleeper"} {
		st := state[name]
		if st.Failures != 1 || st.LastError == "" {
			t.Errorf("%s state = %+v", name, st)
		}
	}
}

func TestPipeline_StatePersistsAcrossRestart(t *testing.T) {
	root := t.TempDir()
	writeHook(t, root, "ok", "---\nevents: [BeforeLLMCall]\ncommand: |\n  echo '{\"action\": \"allow\"}'\n---\n")
	statePath := filepath.Join(t.TempDir(), "hooks_state.json")

	hooks, _ := Discover(root)
	p := NewPipeline(hooks, statePath, 0, 0, nil)
	p.Evaluate(context.Background(), BeforeLLMCall, map[string]any{})
	p.Evaluate(context.Background(), BeforeLLMCall, map[string]any{})

	p2 := NewPipeline(hooks, statePath, 0, 0, nil)
	if st := p2.State()["ok"]; st.Runs != 2 {
		t.Errorf("reloaded runs = %d, want 2", st.Runs)
	}
}

func TestPipeline_OutputCapFailsOpen(t *testing.T) {
	root := t.TempDir()
	writeHook(t, root, "chatty", "---\nevents: [BeforeLLMCall]\ncommand: head -c 200000 /dev/zero | tr '\\0' 'x'\n---\n")

	hooks, _ := Discover(root)
	p := NewPipeline(hooks, "", 0, 1024, nil)

	out := p.Evaluate(context.Background(), BeforeLLMCall, map[string]any{})
	if out.Blocked {
		t.Fatal("oversized output must fail open")
	}
	if st := p.State()["chatty"]; st.Failures != 1 {
		t.Errorf("state = %+v", st)
	}
}
