package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/basket/microclaw/internal/storage"
)

func adminDecorator(g *testGateway, t *testing.T) func(*http.Request) {
	t.Helper()
	if _, err := g.store.CreateAPIKey(context.Background(), "test-admin", HashAPIKeySecret("adm"), []string{"admin"}); err != nil {
		t.Fatalf("create admin key: %v", err)
	}
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer adm") }
}

func TestSendStreamStartsRunAndPersistsMessage(t *testing.T) {
	g := newTestGateway(t)
	as := adminDecorator(g, t)
	g.engine.done = make(chan string, 1)

	rec := g.do(t, "POST", "/api/send_stream", `{"session_key":"web:alpha","sender_name":"ana","message":"what is up"}`, as)
	if rec.Code != http.StatusOK {
		t.Fatalf("send_stream: %d %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		RunID string `json:"run_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil || resp.RunID == "" {
		t.Fatalf("bad send_stream response %q: %v", rec.Body.String(), err)
	}

	select {
	case runID := <-g.engine.done:
		if runID != resp.RunID {
			t.Fatalf("engine saw run %q, want %q", runID, resp.RunID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("engine never ran")
	}

	chat, err := g.store.FindChat(context.Background(), "web", "alpha")
	if err != nil || chat == nil {
		t.Fatalf("web chat not created: %v", err)
	}
	msgs, err := g.store.RecentMessages(context.Background(), chat.InternalID, 10)
	if err != nil {
		t.Fatalf("recent messages: %v", err)
	}
	if len(msgs) == 0 || msgs[0].Content != "what is up" || msgs[0].SenderName != "ana" {
		t.Fatalf("user message not persisted: %+v", msgs)
	}
}

func TestStreamReplaysRunEvents(t *testing.T) {
	g := newTestGateway(t)
	as := adminDecorator(g, t)
	g.engine.done = make(chan string, 1)

	rec := g.do(t, "POST", "/api/send_stream", `{"session_key":"web:beta","message":"hello"}`, as)
	var resp struct {
		RunID string `json:"run_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	<-g.engine.done

	srv := httptest.NewServer(g.server.Handler())
	defer srv.Close()

	req, _ := http.NewRequest("GET", srv.URL+"/api/stream?run_id="+resp.RunID, nil)
	req.Header.Set("Authorization", "Bearer adm")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream request: %v", err)
	}
	defer res.Body.Close()
	if ct := res.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type %q", ct)
	}

	var names []string
	scanner := bufio.NewScanner(res.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			names = append(names, strings.TrimPrefix(line, "event: "))
		}
	}
	if len(names) == 0 || names[0] != "replay_meta" {
		t.Fatalf("events = %v, want replay_meta first", names)
	}
	want := []string{"replay_meta", "status", "delta", "done"}
	if fmt.Sprint(names) != fmt.Sprint(want) {
		t.Fatalf("events = %v, want %v", names, want)
	}
}

func TestStreamUnknownRun(t *testing.T) {
	g := newTestGateway(t)
	as := adminDecorator(g, t)
	rec := g.do(t, "GET", "/api/stream?run_id=nope", "", as)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown run: %d", rec.Code)
	}
}

func TestSessionsAndHistory(t *testing.T) {
	g := newTestGateway(t)
	as := adminDecorator(g, t)
	ctx := context.Background()

	chatID, err := g.store.UpsertChat(ctx, "telegram", "777", "private", "Ops chat")
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	for i, text := range []string{"first", "second", "third"} {
		if err := g.store.AddMessage(ctx, storage.Message{
			ID:         fmt.Sprintf("m-%d", i),
			ChatID:     chatID,
			SenderName: "ana",
			Content:    text,
			Timestamp:  time.Now().Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatalf("add message: %v", err)
		}
	}
	if err := g.store.TouchChat(ctx, chatID); err != nil {
		t.Fatalf("touch: %v", err)
	}

	rec := g.do(t, "GET", "/api/sessions", "", as)
	var sessions []sessionEntry
	if err := json.Unmarshal(rec.Body.Bytes(), &sessions); err != nil {
		t.Fatalf("decode sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].SessionKey != "telegram:777" || sessions[0].Label != "Ops chat" {
		t.Fatalf("sessions = %+v", sessions)
	}

	rec = g.do(t, "GET", "/api/history?session_key=telegram:777&limit=2", "", as)
	var hist struct {
		Messages []struct {
			Content string `json:"content"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &hist); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(hist.Messages) != 2 || hist.Messages[1].Content != "third" {
		t.Fatalf("history = %+v", hist.Messages)
	}

	rec = g.do(t, "GET", "/api/history?session_key=telegram:missing", "", as)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing session history: %d", rec.Code)
	}
}

func TestResetAndDeleteSession(t *testing.T) {
	g := newTestGateway(t)
	as := adminDecorator(g, t)
	ctx := context.Background()

	chatID, err := g.store.UpsertChat(ctx, "web", "gamma", "private", "")
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := g.store.SaveSession(ctx, chatID, `{"turns":[{"role":"user","content":"hi"}]}`); err != nil {
		t.Fatalf("save session: %v", err)
	}
	if err := g.store.AddMessage(ctx, storage.Message{ID: "m1", ChatID: chatID, SenderName: "u", Content: "hi"}); err != nil {
		t.Fatalf("add message: %v", err)
	}

	rec := g.do(t, "POST", "/api/reset", `{"session_key":"web:gamma"}`, as)
	if rec.Code != http.StatusOK {
		t.Fatalf("reset: %d", rec.Code)
	}
	sess, err := g.store.GetSession(ctx, chatID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess != nil {
		t.Fatal("session row survived reset")
	}
	msgs, _ := g.store.RecentMessages(ctx, chatID, 10)
	if len(msgs) != 1 {
		t.Fatalf("reset should keep messages, have %d", len(msgs))
	}

	rec = g.do(t, "POST", "/api/delete_session", `{"session_key":"web:gamma"}`, as)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete: %d", rec.Code)
	}
	msgs, _ = g.store.RecentMessages(ctx, chatID, 10)
	if len(msgs) != 0 {
		t.Fatalf("delete_session should remove messages, have %d", len(msgs))
	}
}

func TestForkSessionAndTree(t *testing.T) {
	g := newTestGateway(t)
	as := adminDecorator(g, t)
	ctx := context.Background()

	chatID, err := g.store.UpsertChat(ctx, "web", "root", "private", "")
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	turns := `{"turns":[{"role":"user","content":"a"},{"role":"assistant","content":"b"},{"role":"user","content":"c"},{"role":"assistant","content":"d"}],"seen_through":"2026-01-01T00:00:00Z"}`
	if err := g.store.SaveSession(ctx, chatID, turns); err != nil {
		t.Fatalf("save session: %v", err)
	}

	rec := g.do(t, "POST", "/api/sessions/fork", `{"parent":"web:root","fork_point":2}`, as)
	if rec.Code != http.StatusOK {
		t.Fatalf("fork: %d %s", rec.Code, rec.Body.String())
	}
	var forked struct {
		SessionKey string `json:"session_key"`
		ChatID     int64  `json:"chat_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &forked); err != nil {
		t.Fatalf("decode fork: %v", err)
	}

	sess, err := g.store.GetSession(ctx, forked.ChatID)
	if err != nil || sess == nil {
		t.Fatalf("forked session missing: %v", err)
	}
	if countTurns(sess.MessagesJSON) != 2 {
		t.Fatalf("forked turns = %d, want 2", countTurns(sess.MessagesJSON))
	}
	if sess.ParentSessionKey != "web:root" || sess.ForkPoint != 2 {
		t.Fatalf("lineage = %q/%d", sess.ParentSessionKey, sess.ForkPoint)
	}

	rec = g.do(t, "GET", "/api/sessions/tree", "", as)
	var tree struct {
		Sessions []struct {
			SessionKey       string `json:"session_key"`
			ParentSessionKey string `json:"parent_session_key"`
			Turns            int    `json:"turns"`
		} `json:"sessions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &tree); err != nil {
		t.Fatalf("decode tree: %v", err)
	}
	if len(tree.Sessions) != 2 {
		t.Fatalf("tree has %d sessions, want 2", len(tree.Sessions))
	}
	var sawFork bool
	for _, n := range tree.Sessions {
		if n.ParentSessionKey == "web:root" {
			sawFork = true
			if n.Turns != 2 {
				t.Fatalf("fork node turns = %d", n.Turns)
			}
		}
	}
	if !sawFork {
		t.Fatal("fork missing from tree")
	}

	rec = g.do(t, "POST", "/api/sessions/fork", `{"parent":"web:root","fork_point":99}`, as)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("out-of-range fork: %d", rec.Code)
	}
}

func TestUsageReport(t *testing.T) {
	g := newTestGateway(t)
	as := adminDecorator(g, t)
	ctx := context.Background()

	chatID, err := g.store.UpsertChat(ctx, "web", "use", "private", "")
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := g.store.RecordUsage(ctx, chatID, "gpt-4o", 1000, 500); err != nil {
		t.Fatalf("record usage: %v", err)
	}
	if err := g.store.RecordUsage(ctx, chatID, "gpt-4o", 2000, 1000); err != nil {
		t.Fatalf("record usage: %v", err)
	}
	if err := g.store.RecordInjection(ctx, chatID, 5, 3, 120, 1500); err != nil {
		t.Fatalf("record injection: %v", err)
	}

	rec := g.do(t, "GET", "/api/usage?session_key=web:use", "", as)
	if rec.Code != http.StatusOK {
		t.Fatalf("usage: %d %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Models []struct {
			Model        string  `json:"model"`
			Calls        int64   `json:"calls"`
			PromptTokens int64   `json:"prompt_tokens"`
			CostUSD      float64 `json:"cost_usd"`
		} `json:"models"`
		TotalCostUSD float64 `json:"total_cost_usd"`
		Memory       struct {
			Selections int `json:"selections"`
			TokensUsed int `json:"tokens_used"`
		} `json:"memory"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode usage: %v", err)
	}
	if len(resp.Models) != 1 || resp.Models[0].Calls != 2 || resp.Models[0].PromptTokens != 3000 {
		t.Fatalf("models = %+v", resp.Models)
	}
	if resp.TotalCostUSD <= 0 {
		t.Fatalf("total cost = %f", resp.TotalCostUSD)
	}
	if resp.Memory.Selections != 1 || resp.Memory.TokensUsed != 120 {
		t.Fatalf("memory stats = %+v", resp.Memory)
	}
}

func TestSelfCheckPosture(t *testing.T) {
	g := newTestGateway(t)
	as := adminDecorator(g, t)

	rec := g.do(t, "GET", "/api/config/self_check", "", as)
	var check struct {
		RiskLevel       string   `json:"risk_level"`
		Warnings        []string `json:"warnings"`
		SecurityPosture string   `json:"security_posture"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &check); err != nil {
		t.Fatalf("decode self_check: %v", err)
	}
	// No password yet: posture is exposed.
	if check.RiskLevel != "high" || check.SecurityPosture != "exposed" {
		t.Fatalf("fresh check = %+v", check)
	}

	g.login(t)

	rec = g.do(t, "GET", "/api/config/self_check", "", as)
	if err := json.Unmarshal(rec.Body.Bytes(), &check); err != nil {
		t.Fatalf("decode self_check: %v", err)
	}
	// Password set, but sandbox is off.
	if check.RiskLevel != "medium" {
		t.Fatalf("post-password check = %+v", check)
	}
	if len(check.Warnings) == 0 {
		t.Fatal("expected sandbox warning")
	}
}

func TestConfigGetMasksSecretsAndPutPersists(t *testing.T) {
	g := newTestGateway(t)
	as := adminDecorator(g, t)
	g.server.cfg.APIKey = "sk-verysecretkey123"

	rec := g.do(t, "GET", "/api/config", "", as)
	var view configView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode config: %v", err)
	}
	if strings.Contains(view.APIKey, "secretkey") {
		t.Fatalf("api key leaked: %q", view.APIKey)
	}
	if view.Model != "claude-sonnet-4" {
		t.Fatalf("model = %q", view.Model)
	}

	rec = g.do(t, "PUT", "/api/config", `{"model":"gpt-4o","max_tokens":2048,"sandbox_mode":"all"}`, as)
	if rec.Code != http.StatusOK {
		t.Fatalf("put config: %d %s", rec.Code, rec.Body.String())
	}
	if g.server.cfg.Model != "gpt-4o" || g.server.cfg.MaxTokens != 2048 || g.server.cfg.Sandbox.Mode != "all" {
		t.Fatalf("config not applied: %+v", g.server.cfg.Model)
	}
	// The secret survives a PUT that does not change it.
	if g.server.cfg.APIKey != "sk-verysecretkey123" {
		t.Fatalf("api key clobbered: %q", g.server.cfg.APIKey)
	}

	rec = g.do(t, "PUT", "/api/config", `{"sandbox_mode":"yolo"}`, as)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid sandbox_mode: %d", rec.Code)
	}
}

func TestMetricsEndpoints(t *testing.T) {
	g := newTestGateway(t)
	as := adminDecorator(g, t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := g.store.RecordMetric(ctx, "runs_started", float64(i+1)); err != nil {
			t.Fatalf("record metric: %v", err)
		}
	}

	rec := g.do(t, "GET", "/api/metrics", "", as)
	var snap map[string]float64
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode metrics: %v", err)
	}
	if snap["goroutines"] <= 0 {
		t.Fatalf("snapshot = %v", snap)
	}

	rec = g.do(t, "GET", "/api/metrics/summary", "", as)
	var summary struct {
		Series map[string]struct {
			Last    float64 `json:"last"`
			Mean    float64 `json:"mean"`
			Max     float64 `json:"max"`
			Samples int     `json:"samples"`
		} `json:"series"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	rs := summary.Series["runs_started"]
	if rs.Samples != 3 || rs.Last != 3 || rs.Max != 3 || rs.Mean != 2 {
		t.Fatalf("runs_started gauge = %+v", rs)
	}

	rec = g.do(t, "GET", "/api/metrics/history?minutes=5", "", as)
	var hist struct {
		Minutes int `json:"minutes"`
		Points  []struct {
			Name string `json:"name"`
		} `json:"points"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &hist); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if hist.Minutes != 5 || len(hist.Points) != 3 {
		t.Fatalf("history = %+v", hist)
	}
}
