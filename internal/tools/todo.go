package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// TodoItem is one entry in a chat's TODO list.
type TodoItem struct {
	Text string `json:"text"`
	Done bool   `json:"done"`
}

type todoFile struct {
	Items []TodoItem `json:"items"`
}

// todoPath returns data_dir/runtime/groups/<chat_id>/TODO.json.
func todoPath(dataDir string, chatID int64) string {
	return filepath.Join(dataDir, "runtime", "groups", fmt.Sprint(chatID), "TODO.json")
}

func loadTodo(dataDir string, chatID int64) (todoFile, error) {
	var f todoFile
	data, err := os.ReadFile(todoPath(dataDir, chatID))
	if os.IsNotExist(err) {
		return f, nil
	}
	if err != nil {
		return f, err
	}
	if err := json.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("parse TODO.json: %w", err)
	}
	return f, nil
}

func saveTodo(dataDir string, chatID int64, f todoFile) error {
	path := todoPath(dataDir, chatID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	return atomicWrite(path, data)
}

func renderTodo(f todoFile) string {
	if len(f.Items) == 0 {
		return "TODO list is empty"
	}
	var b strings.Builder
	for i, item := range f.Items {
		mark := " "
		if item.Done {
			mark = "x"
		}
		fmt.Fprintf(&b, "%d. [%s] %s\n", i+1, mark, item.Text)
	}
	return strings.TrimRight(b.String(), "\n")
}

// TodoReadTool reads the chat's TODO list.
type TodoReadTool struct {
	dataDir string
}

func NewTodoReadTool(dataDir string) *TodoReadTool {
	return &TodoReadTool{dataDir: dataDir}
}

func (t *TodoReadTool) Name() string { return "todo_read" }
func (t *TodoReadTool) Risk() Risk   { return RiskLow }

func (t *TodoReadTool) Description() string {
	return "Read the current chat's TODO list."
}

func (t *TodoReadTool) InputSchema() map[string]any {
	return objectSchema(nil, map[string]any{
		"chat_id": intProp("Target chat id; only honored from a control chat."),
	})
}

func (t *TodoReadTool) Execute(ctx context.Context, call Call) Result {
	target, denied := resolveTargetChat(call)
	if denied != nil {
		return *denied
	}
	f, err := loadTodo(t.dataDir, target)
	if err != nil {
		return Errorf(ErrToolInternal, "read todo: %v", err)
	}
	return Text(renderTodo(f))
}

// TodoWriteTool mutates the chat's TODO list: add, check, remove, or
// replace the whole list.
type TodoWriteTool struct {
	dataDir string
}

func NewTodoWriteTool(dataDir string) *TodoWriteTool {
	return &TodoWriteTool{dataDir: dataDir}
}

func (t *TodoWriteTool) Name() string { return "todo_write" }
func (t *TodoWriteTool) Risk() Risk   { return RiskLow }

func (t *TodoWriteTool) Description() string {
	return "Modify the chat's TODO list. action is add (text), done (index, 1-based), remove (index), or clear."
}

func (t *TodoWriteTool) InputSchema() map[string]any {
	return objectSchema([]string{"action"}, map[string]any{
		"action":  map[string]any{"type": "string", "enum": []any{"add", "done", "remove", "clear"}},
		"text":    strProp("Item text for the add action."),
		"index":   intProp("1-based item index for done and remove."),
		"chat_id": intProp("Target chat id; only honored from a control chat."),
	})
}

func (t *TodoWriteTool) Execute(ctx context.Context, call Call) Result {
	target, denied := resolveTargetChat(call)
	if denied != nil {
		return *denied
	}
	f, err := loadTodo(t.dataDir, target)
	if err != nil {
		return Errorf(ErrToolInternal, "read todo: %v", err)
	}

	action := stringInput(call.Input, "action")
	index := intInput(call.Input, "index")
	switch action {
	case "add":
		text := strings.TrimSpace(stringInput(call.Input, "text"))
		if text == "" {
			return Errorf(ErrToolInternal, "add requires text")
		}
		f.Items = append(f.Items, TodoItem{Text: text})
	case "done":
		if index < 1 || index > len(f.Items) {
			return Errorf(ErrToolInternal, "index %d out of range (1-%d)", index, len(f.Items))
		}
		f.Items[index-1].Done = true
	case "remove":
		if index < 1 || index > len(f.Items) {
			return Errorf(ErrToolInternal, "index %d out of range (1-%d)", index, len(f.Items))
		}
		f.Items = append(f.Items[:index-1], f.Items[index:]...)
	case "clear":
		f.Items = nil
	default:
		return Errorf(ErrToolInternal, "unknown action %q", action)
	}

	if err := saveTodo(t.dataDir, target, f); err != nil {
		return Errorf(ErrToolInternal, "save todo: %v", err)
	}
	return Text(renderTodo(f))
}
