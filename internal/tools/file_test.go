package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/microclaw/internal/pathguard"
)

func testGuard(t *testing.T) *pathguard.Guard {
	t.Helper()
	guard, err := pathguard.New("")
	if err != nil {
		t.Fatalf("pathguard.New: %v", err)
	}
	return guard
}

func fileCall(workDir string, input map[string]any) Call {
	return Call{Input: input, Chat: ChatContext{ID: 1, WorkDir: workDir}}
}

func TestFileTools_RoundTrip(t *testing.T) {
	guard := testGuard(t)
	workDir := t.TempDir()
	ctx := context.Background()

	write := NewWriteFileTool(guard)
	res := write.Execute(ctx, fileCall(workDir, map[string]any{
		"path":    "notes/hello.txt",
		"content": "hello world",
	}))
	if res.IsError {
		t.Fatalf("write: %+v", res)
	}

	read := NewReadFileTool(guard)
	res = read.Execute(ctx, fileCall(workDir, map[string]any{"path": "notes/hello.txt"}))
	if res.IsError || res.Content != "hello world" {
		t.Fatalf("read: %+v", res)
	}

	edit := NewEditFileTool(guard)
	res = edit.Execute(ctx, fileCall(workDir, map[string]any{
		"path":     "notes/hello.txt",
		"old_text": "world",
		"new_text": "there",
	}))
	if res.IsError {
		t.Fatalf("edit: %+v", res)
	}

	data, err := os.ReadFile(filepath.Join(workDir, "notes", "hello.txt"))
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(data) != "hello there" {
		t.Fatalf("edit result: %q", data)
	}
}

func TestReadFile_SecretPathBlocked(t *testing.T) {
	guard := testGuard(t)
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}

	read := NewReadFileTool(guard)
	res := read.Execute(context.Background(), fileCall(t.TempDir(), map[string]any{
		"path": filepath.Join(home, ".ssh", "id_rsa"),
	}))
	if !res.IsError || res.ErrorType != ErrPathGuardBlocked {
		t.Fatalf("expected path_guard_blocked, got %+v", res)
	}
	if !strings.Contains(res.Content, "blocked") {
		t.Fatalf("content should say blocked: %q", res.Content)
	}
}

func TestEditFile_RequiresUniqueOldText(t *testing.T) {
	guard := testGuard(t)
	workDir := t.TempDir()
	path := filepath.Join(workDir, "dup.txt")
	if err := os.WriteFile(path, []byte("aa aa"), 0o644); err != nil {
		t.Fatal(err)
	}

	edit := NewEditFileTool(guard)
	res := edit.Execute(context.Background(), fileCall(workDir, map[string]any{
		"path":     "dup.txt",
		"old_text": "aa",
		"new_text": "bb",
	}))
	if !res.IsError || !strings.Contains(res.Content, "must be unique") {
		t.Fatalf("expected uniqueness error, got %+v", res)
	}
}

func TestGlobTool_DoubleStar(t *testing.T) {
	guard := testGuard(t)
	workDir := t.TempDir()
	for _, p := range []string{"a.go", "sub/b.go", "sub/deep/c.go", "sub/readme.md"} {
		full := filepath.Join(workDir, p)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte("package x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	tool := NewGlobTool(guard)
	res := tool.Execute(context.Background(), fileCall(workDir, map[string]any{"pattern": "**/*.go"}))
	if res.IsError {
		t.Fatalf("glob: %+v", res)
	}
	for _, want := range []string{"a.go", filepath.Join("sub", "b.go"), filepath.Join("sub", "deep", "c.go")} {
		if !strings.Contains(res.Content, want) {
			t.Errorf("missing %s in:\n%s", want, res.Content)
		}
	}
	if strings.Contains(res.Content, "readme.md") {
		t.Errorf("readme.md should not match: %s", res.Content)
	}
}

func TestGrepTool_FindsLines(t *testing.T) {
	guard := testGuard(t)
	workDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(workDir, "log.txt"),
		[]byte("ok line\nERROR: bad thing\nanother ok\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	tool := NewGrepTool(guard)
	res := tool.Execute(context.Background(), fileCall(workDir, map[string]any{"pattern": `ERROR: \w+`}))
	if res.IsError {
		t.Fatalf("grep: %+v", res)
	}
	if !strings.Contains(res.Content, "log.txt:2:ERROR: bad thing") {
		t.Fatalf("unexpected grep output: %q", res.Content)
	}
}

func TestGrepTool_NoMatches(t *testing.T) {
	guard := testGuard(t)
	workDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(workDir, "x.txt"), []byte("nothing here"), 0o644); err != nil {
		t.Fatal(err)
	}

	tool := NewGrepTool(guard)
	res := tool.Execute(context.Background(), fileCall(workDir, map[string]any{"pattern": "absent"}))
	if res.IsError || !strings.Contains(res.Content, "no matches") {
		t.Fatalf("expected no-matches text, got %+v", res)
	}
}
