package agent

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/microclaw/internal/config"
	"github.com/basket/microclaw/internal/memory"
	"github.com/basket/microclaw/internal/provider"
	"github.com/basket/microclaw/internal/runs"
	"github.com/basket/microclaw/internal/storage"
	"github.com/basket/microclaw/internal/tools"
)

// scriptedLLM replays canned responses and captures every request.
type scriptedLLM struct {
	mu       sync.Mutex
	script   []*provider.Response
	requests []provider.Request
}

func (s *scriptedLLM) Chat(_ context.Context, req provider.Request) (*provider.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if len(s.script) == 0 {
		return nil, fmt.Errorf("script exhausted after %d calls", len(s.requests))
	}
	resp := s.script[0]
	s.script = s.script[1:]
	return resp, nil
}

func (s *scriptedLLM) ChatStream(ctx context.Context, req provider.Request, onChunk func(provider.StreamChunk)) (*provider.Response, error) {
	resp, err := s.Chat(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Content != "" {
		onChunk(provider.StreamChunk{Content: resp.Content})
	}
	onChunk(provider.StreamChunk{Done: true})
	return resp, nil
}

func (s *scriptedLLM) Name() string         { return "scripted" }
func (s *scriptedLLM) DefaultModel() string { return "scripted-model" }

func textResponse(text string) *provider.Response {
	return &provider.Response{Content: text, FinishReason: "stop"}
}

func toolResponse(id, name string, args map[string]any) *provider.Response {
	return &provider.Response{
		FinishReason: "tool_calls",
		ToolCalls:    []provider.ToolCall{{ID: id, Name: name, Arguments: args}},
	}
}

// echoTool records its calls and echoes back the "q" input.
type echoTool struct {
	mu    sync.Mutex
	calls []map[string]any
	fail  bool
}

func (e *echoTool) Name() string        { return "lookup" }
func (e *echoTool) Description() string { return "looks things up" }
func (e *echoTool) Risk() tools.Risk    { return tools.RiskLow }
func (e *echoTool) InputSchema() map[string]any {
	return map[string]any{"type": "object"}
}

func (e *echoTool) Execute(_ context.Context, call tools.Call) tools.Result {
	e.mu.Lock()
	e.calls = append(e.calls, call.Input)
	e.mu.Unlock()
	if e.fail {
		return tools.Errorf(tools.ErrToolInternal, "lookup backend down")
	}
	return tools.Text(fmt.Sprintf("result for %v", call.Input["q"]))
}

type testEnv struct {
	agent *Agent
	store *storage.Store
	llm   *scriptedLLM
	cfg   *config.Config
	runs  *runs.Registry
}

func newTestEnv(t *testing.T, llm *scriptedLLM, extra ...tools.Tool) *testEnv {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		DataDir:               dir,
		WorkingDir:            filepath.Join(dir, "work"),
		WorkingDirIsolation:   "chat",
		MaxToolIterations:     10,
		MaxSessionMessages:    40,
		CompactKeepRecent:     20,
		MaxHistoryMessages:    50,
		MemoryTokenBudget:     1500,
		MemoryMinChars:        8,
		MemoryConfidenceFloor: 0.3,
	}
	store, err := storage.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mem, err := memory.NewService(store, cfg, nil, logger)
	if err != nil {
		t.Fatalf("memory service: %v", err)
	}

	registry := tools.NewRegistry()
	registry.MustRegister(extra...)
	runtime := tools.NewRuntime(nil, cfg.ToolTimeoutSecs, logger)
	runReg := runs.NewRegistry(logger)

	return &testEnv{
		agent: New(cfg, store, llm, registry, runtime, mem, runReg, logger),
		store: store,
		llm:   llm,
		cfg:   cfg,
		runs:  runReg,
	}
}

// seedMessage stores an incoming user message the way ingress does.
func (env *testEnv) seedMessage(t *testing.T, chatID int64, sender, text string) {
	t.Helper()
	err := env.store.AddMessage(context.Background(), storage.Message{
		ID:         fmt.Sprintf("msg-%d-%d", chatID, time.Now().UnixNano()),
		ChatID:     chatID,
		SenderName: sender,
		Content:    text,
		Timestamp:  time.Now(),
	})
	if err != nil {
		t.Fatalf("seed message: %v", err)
	}
}

func (env *testEnv) seedChat(t *testing.T, chatType string) int64 {
	t.Helper()
	id, err := env.store.UpsertChat(context.Background(), "web", "t-"+chatType, chatType, "test")
	if err != nil {
		t.Fatalf("seed chat: %v", err)
	}
	return id
}

func TestProcess_SimpleReply(t *testing.T) {
	llm := &scriptedLLM{script: []*provider.Response{textResponse("hello there")}}
	env := newTestEnv(t, llm)
	chatID := env.seedChat(t, "private")
	env.seedMessage(t, chatID, "alex", "say hello")

	got, err := env.agent.Process(context.Background(), Turn{ChatID: chatID, Sender: "alex", ChatType: "private"})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if got != "hello there" {
		t.Fatalf("got %q", got)
	}

	// The stored message became the user turn.
	req := llm.requests[0]
	if req.Messages[0].Role != "system" {
		t.Errorf("first message role %q", req.Messages[0].Role)
	}
	last := req.Messages[len(req.Messages)-1]
	if last.Role != "user" || last.Content != "say hello" {
		t.Errorf("user turn = %+v", last)
	}

	// Session persisted with both turns.
	sess, err := env.store.GetSession(context.Background(), chatID)
	if err != nil || sess == nil {
		t.Fatalf("session not saved: %v", err)
	}
	if !strings.Contains(sess.MessagesJSON, "hello there") {
		t.Errorf("assistant turn missing from session: %s", sess.MessagesJSON)
	}
}

func TestProcess_ToolLoop(t *testing.T) {
	llm := &scriptedLLM{script: []*provider.Response{
		toolResponse("tc-1", "lookup", map[string]any{"q": "weather"}),
		textResponse("it is sunny"),
	}}
	tool := &echoTool{}
	env := newTestEnv(t, llm, tool)
	chatID := env.seedChat(t, "private")
	env.seedMessage(t, chatID, "alex", "what's the weather")

	got, err := env.agent.Process(context.Background(), Turn{ChatID: chatID, ChatType: "private"})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if got != "it is sunny" {
		t.Fatalf("got %q", got)
	}
	if len(tool.calls) != 1 || tool.calls[0]["q"] != "weather" {
		t.Fatalf("tool calls = %+v", tool.calls)
	}

	// Second provider call carries the tool result with the call id.
	second := llm.requests[1]
	var toolTurn *provider.Message
	for i := range second.Messages {
		if second.Messages[i].Role == "tool" {
			toolTurn = &second.Messages[i]
		}
	}
	if toolTurn == nil {
		t.Fatal("no tool turn in second request")
	}
	if toolTurn.ToolCallID != "tc-1" || !strings.Contains(toolTurn.Content, "weather") {
		t.Errorf("tool turn = %+v", toolTurn)
	}
}

func TestProcess_ToolErrorFedBackNotFatal(t *testing.T) {
	llm := &scriptedLLM{script: []*provider.Response{
		toolResponse("tc-1", "lookup", map[string]any{"q": "x"}),
		textResponse("the lookup failed, sorry"),
	}}
	env := newTestEnv(t, llm, &echoTool{fail: true})
	chatID := env.seedChat(t, "private")
	env.seedMessage(t, chatID, "alex", "try it")

	got, err := env.agent.Process(context.Background(), Turn{ChatID: chatID, ChatType: "private"})
	if err != nil {
		t.Fatalf("tool error became fatal: %v", err)
	}
	if got != "the lookup failed, sorry" {
		t.Fatalf("got %q", got)
	}

	second := llm.requests[1]
	found := false
	for _, m := range second.Messages {
		if m.Role == "tool" && m.IsError {
			found = true
		}
	}
	if !found {
		t.Error("error tool result not fed back")
	}
}

func TestProcess_IterationLimit(t *testing.T) {
	llm := &scriptedLLM{}
	for i := 0; i < 5; i++ {
		llm.script = append(llm.script, toolResponse(fmt.Sprintf("tc-%d", i), "lookup", map[string]any{"q": "again"}))
	}
	env := newTestEnv(t, llm, &echoTool{})
	env.cfg.MaxToolIterations = 3
	chatID := env.seedChat(t, "private")
	env.seedMessage(t, chatID, "alex", "loop forever")

	got, err := env.agent.Process(context.Background(), Turn{ChatID: chatID, ChatType: "private"})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if got != iterationLimitMessage {
		t.Fatalf("got %q", got)
	}
	if len(llm.requests) != 3 {
		t.Errorf("made %d provider calls, want 3", len(llm.requests))
	}
}

func TestProcess_GroupCatchUpLabelsSenders(t *testing.T) {
	llm := &scriptedLLM{script: []*provider.Response{textResponse("hi all")}}
	env := newTestEnv(t, llm)
	chatID := env.seedChat(t, "group")
	env.seedMessage(t, chatID, "alex", "anyone here?")
	env.seedMessage(t, chatID, "sam", "ping the bot")

	if _, err := env.agent.Process(context.Background(), Turn{ChatID: chatID, ChatType: "group"}); err != nil {
		t.Fatalf("process: %v", err)
	}

	var joined strings.Builder
	for _, m := range llm.requests[0].Messages {
		if m.Role == "user" {
			joined.WriteString(m.Content + "\n")
		}
	}
	if !strings.Contains(joined.String(), "alex: anyone here?") ||
		!strings.Contains(joined.String(), "sam: ping the bot") {
		t.Errorf("group turns unlabeled:\n%s", joined.String())
	}
}

func TestProcess_OverridePromptIsSyntheticTurn(t *testing.T) {
	llm := &scriptedLLM{script: []*provider.Response{textResponse("done")}}
	env := newTestEnv(t, llm)
	chatID := env.seedChat(t, "private")

	_, err := env.agent.Process(context.Background(), Turn{
		ChatID:         chatID,
		Sender:         "scheduler",
		ChatType:       "private",
		OverridePrompt: "run the daily report",
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	last := llm.requests[0].Messages[len(llm.requests[0].Messages)-1]
	if last.Role != "user" || last.Content != "run the daily report" {
		t.Errorf("override turn = %+v", last)
	}
}

func TestProcess_SecondTurnSeesFirst(t *testing.T) {
	llm := &scriptedLLM{script: []*provider.Response{
		textResponse("my name is claw"),
		textResponse("you asked my name"),
	}}
	env := newTestEnv(t, llm)
	chatID := env.seedChat(t, "private")

	env.seedMessage(t, chatID, "alex", "what is your name")
	if _, err := env.agent.Process(context.Background(), Turn{ChatID: chatID, ChatType: "private"}); err != nil {
		t.Fatalf("first turn: %v", err)
	}

	env.seedMessage(t, chatID, "alex", "what did I just ask")
	if _, err := env.agent.Process(context.Background(), Turn{ChatID: chatID, ChatType: "private"}); err != nil {
		t.Fatalf("second turn: %v", err)
	}

	second := llm.requests[1]
	var sawFirstQuestion, sawFirstAnswer bool
	for _, m := range second.Messages {
		if strings.Contains(m.Content, "what is your name") {
			sawFirstQuestion = true
		}
		if strings.Contains(m.Content, "my name is claw") {
			sawFirstAnswer = true
		}
	}
	if !sawFirstQuestion || !sawFirstAnswer {
		t.Errorf("session history missing: question=%v answer=%v", sawFirstQuestion, sawFirstAnswer)
	}
	// The first message must not be duplicated into the second turn.
	count := 0
	for _, m := range second.Messages {
		if m.Content == "what is your name" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("first question appears %d times", count)
	}
}

func TestProcess_StreamEvents(t *testing.T) {
	llm := &scriptedLLM{script: []*provider.Response{
		toolResponse("tc-1", "lookup", map[string]any{"q": "x"}),
		textResponse("final answer"),
	}}
	env := newTestEnv(t, llm, &echoTool{})
	chatID := env.seedChat(t, "private")
	env.seedMessage(t, chatID, "alex", "go")

	runID := "run-1"
	env.runs.Open(runID, chatID)
	if _, err := env.agent.Process(context.Background(), Turn{ChatID: chatID, ChatType: "private", RunID: runID}); err != nil {
		t.Fatalf("process: %v", err)
	}

	_, replay, _, cancel, ok := env.runs.Subscribe(context.Background(), runID)
	if !ok {
		t.Fatal("run not found")
	}
	defer cancel()

	var names []string
	for _, ev := range replay {
		names = append(names, ev.Name)
	}
	joined := strings.Join(names, ",")
	for _, want := range []string{"status", "tool_start", "tool_result", "delta", "done"} {
		if !strings.Contains(joined, want) {
			t.Errorf("missing %q event in %s", want, joined)
		}
	}
	if names[len(names)-1] != "done" {
		t.Errorf("last event %q", names[len(names)-1])
	}
}

func TestSystemPrompt_MemoryTagsAndChatID(t *testing.T) {
	llm := &scriptedLLM{script: []*provider.Response{textResponse("ok")}}
	env := newTestEnv(t, llm)
	chatID := env.seedChat(t, "private")
	ctx := context.Background()

	if err := env.agent.memory.WriteAgentsFile(ctx, "global", 0, "Always sign off politely."); err != nil {
		t.Fatalf("write global: %v", err)
	}
	if err := env.agent.memory.WriteAgentsFile(ctx, "chat", chatID, "This chat speaks German."); err != nil {
		t.Fatalf("write chat: %v", err)
	}

	system, err := env.agent.buildSystemPrompt(ctx, chatID, "hallo")
	if err != nil {
		t.Fatalf("build prompt: %v", err)
	}
	for _, want := range []string{
		"<global_memory>", "Always sign off politely.", "</global_memory>",
		"<chat_memory>", "This chat speaks German.", "</chat_memory>",
		fmt.Sprintf("chat_id: %d", chatID),
	} {
		if !strings.Contains(system, want) {
			t.Errorf("system prompt missing %q", want)
		}
	}
}

func TestSpawnSubAgent_RestrictedRegistry(t *testing.T) {
	llm := &scriptedLLM{script: []*provider.Response{
		toolResponse("tc-1", "send_message", map[string]any{"text": "hi"}),
		textResponse("task finished"),
	}}
	env := newTestEnv(t, llm, &echoTool{})
	chatID := env.seedChat(t, "private")

	chat, err := env.agent.chatContext(context.Background(), chatID, "private", 1)
	if err != nil {
		t.Fatalf("chat context: %v", err)
	}
	got, err := env.agent.SpawnSubAgent(context.Background(), chat, "summarize the repo")
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if got != "task finished" {
		t.Fatalf("got %q", got)
	}

	// send_message is outside the restricted registry, so the model saw
	// an error tool result rather than a delivered message.
	second := llm.requests[1]
	found := false
	for _, m := range second.Messages {
		if m.Role == "tool" && m.IsError && strings.Contains(m.Content, "unknown tool") {
			found = true
		}
	}
	if !found {
		t.Error("restricted registry did not refuse send_message")
	}
	// And the sub-agent never sees it offered.
	for _, def := range llm.requests[0].Tools {
		if def.Name == "send_message" {
			t.Error("send_message offered to sub-agent")
		}
	}
}

func TestTrimDanglingToolUse(t *testing.T) {
	complete := []provider.Message{
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello"},
	}
	if got := trimDanglingToolUse(complete); len(got) != 2 {
		t.Fatalf("complete history trimmed to %d turns", len(got))
	}

	dangling := []provider.Message{
		{Role: "user", Content: "list files"},
		{Role: "assistant", ToolCalls: []provider.ToolCall{{ID: "t1", Name: "glob", Arguments: map[string]any{}}}},
	}
	got := trimDanglingToolUse(dangling)
	if len(got) != 1 || got[0].Role != "user" {
		t.Fatalf("dangling assistant turn not dropped: %+v", got)
	}

	answered := []provider.Message{
		{Role: "assistant", ToolCalls: []provider.ToolCall{{ID: "t1", Name: "glob", Arguments: map[string]any{}}}},
		{Role: "tool", ToolCallID: "t1", Content: "a.go"},
	}
	if got := trimDanglingToolUse(answered); len(got) != 2 {
		t.Fatalf("answered tool call trimmed to %d turns", len(got))
	}
}
