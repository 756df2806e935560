// Package tools implements the agent's tool runtime: a registry of
// built-in tools, a dispatch path that layers hooks, permission
// checks, timeouts, and sandbox routing around every call, and the
// bridge that exposes MCP server tools to the model.
package tools

import (
	"context"
	"fmt"
)

// Risk classifies how much damage a tool can do if misused.
type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

// Error types carried on tool results. The model sees these verbatim,
// so they stay short and machine-readable.
const (
	ErrTimeout            = "timeout"
	ErrSandboxUnavailable = "sandbox_unavailable"
	ErrPathGuardBlocked   = "path_guard_blocked"
	ErrPermissionDenied   = "permission_denied"
	ErrBulkheadRejected   = "bulkhead_rejected"
	ErrRateLimited        = "rate_limited"
	ErrCircuitOpen        = "circuit_open"
	ErrToolInternal       = "tool_internal"
	ErrHookBlocked        = "hook_blocked"
)

// ChatContext identifies the chat a tool call originates from. The
// caller context, not the model's arguments, is the authority for
// cross-chat permission decisions.
type ChatContext struct {
	ID             int64
	Channel        string
	ExternalChatID string
	ChatType       string
	WorkDir        string
	IsControl      bool
	Depth          int // 0 for top-level turns, ≥1 inside sub-agents
}

// Call is a single tool invocation.
type Call struct {
	Input map[string]any
	Chat  ChatContext
}

// Result is what a tool hands back to the model.
type Result struct {
	Content    string `json:"content"`
	IsError    bool   `json:"is_error"`
	StatusCode int    `json:"status_code"`
	ErrorType  string `json:"error_type,omitempty"`
	Bytes      int    `json:"bytes"`
}

// Tool is implemented by every built-in and bridged tool.
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]any
	Risk() Risk
	Execute(ctx context.Context, call Call) Result
}

// Text builds a successful result from plain text.
func Text(s string) Result {
	return Result{Content: s, Bytes: len(s)}
}

// Errorf builds an error result with the given error type.
func Errorf(errType, format string, args ...any) Result {
	s := fmt.Sprintf(format, args...)
	return Result{Content: s, IsError: true, ErrorType: errType, Bytes: len(s)}
}

// stringInput reads a string field from a tool input map.
func stringInput(input map[string]any, key string) string {
	if v, ok := input[key].(string); ok {
		return v
	}
	return ""
}

// intInput reads an integer field; JSON numbers arrive as float64.
func intInput(input map[string]any, key string) int {
	switch v := input[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

// int64Input reads an int64 field from a tool input map.
func int64Input(input map[string]any, key string) int64 {
	switch v := input[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	}
	return 0
}

func boolInput(input map[string]any, key string) bool {
	v, _ := input[key].(bool)
	return v
}
