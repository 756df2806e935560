package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/microclaw/internal/pathguard"
)

const (
	maxReadBytes = 100 * 1024
)

// ReadFileTool reads a file scoped to the chat's working directory.
type ReadFileTool struct {
	guard *pathguard.Guard
}

func NewReadFileTool(guard *pathguard.Guard) *ReadFileTool {
	return &ReadFileTool{guard: guard}
}

func (t *ReadFileTool) Name() string { return "read_file" }
func (t *ReadFileTool) Risk() Risk   { return RiskLow }

func (t *ReadFileTool) Description() string {
	return "Read the contents of a file at the given path. Relative paths resolve against the chat working directory. Maximum 100KB."
}

func (t *ReadFileTool) InputSchema() map[string]any {
	return objectSchema([]string{"path"}, map[string]any{
		"path": strProp("Path of the file to read."),
	})
}

func (t *ReadFileTool) Execute(ctx context.Context, call Call) Result {
	raw := stringInput(call.Input, "path")
	resolved, err := t.guard.Resolve(call.Chat.WorkDir, raw)
	if err != nil {
		return pathGuardResult(raw, err)
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return Errorf(ErrToolInternal, "stat %s: %v", resolved, err)
	}
	if info.IsDir() {
		return Errorf(ErrToolInternal, "%s is a directory", resolved)
	}
	if info.Size() > maxReadBytes {
		return Errorf(ErrToolInternal, "file too large: %d bytes (max %d)", info.Size(), maxReadBytes)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return Errorf(ErrToolInternal, "read %s: %v", resolved, err)
	}
	return Text(string(data))
}

// WriteFileTool writes a file atomically, creating parent directories.
type WriteFileTool struct {
	guard *pathguard.Guard
}

func NewWriteFileTool(guard *pathguard.Guard) *WriteFileTool {
	return &WriteFileTool{guard: guard}
}

func (t *WriteFileTool) Name() string { return "write_file" }
func (t *WriteFileTool) Risk() Risk   { return RiskMedium }

func (t *WriteFileTool) Description() string {
	return "Write content to a file at the given path. Creates parent directories if needed. Uses atomic write."
}

func (t *WriteFileTool) InputSchema() map[string]any {
	return objectSchema([]string{"path", "content"}, map[string]any{
		"path":    strProp("Path of the file to write."),
		"content": strProp("Full content to write."),
	})
}

func (t *WriteFileTool) Execute(ctx context.Context, call Call) Result {
	raw := stringInput(call.Input, "path")
	content := stringInput(call.Input, "content")
	resolved, err := t.guard.Resolve(call.Chat.WorkDir, raw)
	if err != nil {
		return pathGuardResult(raw, err)
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return Errorf(ErrToolInternal, "mkdir: %v", err)
	}
	if err := atomicWrite(resolved, []byte(content)); err != nil {
		return Errorf(ErrToolInternal, "write %s: %v", resolved, err)
	}
	return Text(fmt.Sprintf("wrote %d bytes to %s", len(content), resolved))
}

// EditFileTool replaces one unique occurrence of old_text.
type EditFileTool struct {
	guard *pathguard.Guard
}

func NewEditFileTool(guard *pathguard.Guard) *EditFileTool {
	return &EditFileTool{guard: guard}
}

func (t *EditFileTool) Name() string { return "edit_file" }
func (t *EditFileTool) Risk() Risk   { return RiskMedium }

func (t *EditFileTool) Description() string {
	return "Edit a file by replacing old_text with new_text. The old_text must appear exactly once in the file."
}

func (t *EditFileTool) InputSchema() map[string]any {
	return objectSchema([]string{"path", "old_text", "new_text"}, map[string]any{
		"path":     strProp("Path of the file to edit."),
		"old_text": strProp("Exact text to replace; must be unique in the file."),
		"new_text": strProp("Replacement text."),
	})
}

func (t *EditFileTool) Execute(ctx context.Context, call Call) Result {
	raw := stringInput(call.Input, "path")
	resolved, err := t.guard.Resolve(call.Chat.WorkDir, raw)
	if err != nil {
		return pathGuardResult(raw, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return Errorf(ErrToolInternal, "read %s: %v", resolved, err)
	}

	oldText := stringInput(call.Input, "old_text")
	newText := stringInput(call.Input, "new_text")
	content := string(data)
	count := strings.Count(content, oldText)
	if count == 0 {
		return Errorf(ErrToolInternal, "old_text not found in %s", resolved)
	}
	if count > 1 {
		return Errorf(ErrToolInternal, "old_text appears %d times (must be unique)", count)
	}

	if err := atomicWrite(resolved, []byte(strings.Replace(content, oldText, newText, 1))); err != nil {
		return Errorf(ErrToolInternal, "write %s: %v", resolved, err)
	}
	return Text(fmt.Sprintf("edited %s", resolved))
}

// atomicWrite writes to a temp file then renames over the target.
func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}
