package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/microclaw/internal/agent"
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

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "# comment\nTEST_DOTENV_A=hello\n\nTEST_DOTENV_B = spaced \nBROKEN LINE\n=nokey\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TEST_DOTENV_A", "")
	t.Setenv("TEST_DOTENV_B", "")
	os.Unsetenv("TEST_DOTENV_A")
	os.Unsetenv("TEST_DOTENV_B")

	loadDotEnv(path)

	if got := os.Getenv("TEST_DOTENV_A"); got != "hello" {
		t.Errorf("TEST_DOTENV_A = %q, want hello", got)
	}
	if got := os.Getenv("TEST_DOTENV_B"); got != "spaced" {
		t.Errorf("TEST_DOTENV_B = %q, want spaced", got)
	}
}

func TestLoadDotEnvDoesNotOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("TEST_DOTENV_C=file\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TEST_DOTENV_C", "env")

	loadDotEnv(path)

	if got := os.Getenv("TEST_DOTENV_C"); got != "env" {
		t.Errorf("TEST_DOTENV_C = %q, want env (existing env wins)", got)
	}
}

func TestBootstrapTokenLifecycle(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	tok, err := loadBootstrapToken(ctx, store, dir, logger)
	if err != nil {
		t.Fatalf("load token: %v", err)
	}
	if tok == "" {
		t.Fatal("expected a token while no password is set")
	}

	// Same token on a second load.
	again, err := loadBootstrapToken(ctx, store, dir, logger)
	if err != nil {
		t.Fatalf("reload token: %v", err)
	}
	if again != tok {
		t.Errorf("token changed across loads: %q vs %q", tok, again)
	}

	// Once a password exists, the bootstrap path closes.
	if err := store.SetPasswordHash(ctx, "some-hash"); err != nil {
		t.Fatal(err)
	}
	closed, err := loadBootstrapToken(ctx, store, dir, logger)
	if err != nil {
		t.Fatalf("post-password load: %v", err)
	}
	if closed != "" {
		t.Errorf("expected empty token after password set, got %q", closed)
	}
}

func TestSSESinkRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := testStore(t)
	sink := &sseSink{store: store}

	if err := sink.AppendSSEEvent(ctx, "run-1", 1, "status", `{"state":"thinking"}`); err != nil {
		t.Fatal(err)
	}
	if err := sink.AppendSSEEvent(ctx, "run-1", 2, "done", `{"content":"hi"}`); err != nil {
		t.Fatal(err)
	}

	events, err := sink.SSEEventsForRun(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Name != "status" || events[0].EventID != 1 {
		t.Errorf("first event = %s/%d, want status/1", events[0].Name, events[0].EventID)
	}
	if string(events[1].Payload) != `{"content":"hi"}` {
		t.Errorf("payload = %s", events[1].Payload)
	}
}

func TestEngineHandleBeforeSet(t *testing.T) {
	eng := &engineHandle{}
	if _, err := eng.Process(context.Background(), agent.Turn{ChatID: 1}); err == nil {
		t.Fatal("expected error before the agent is set")
	}
}
