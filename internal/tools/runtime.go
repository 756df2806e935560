package tools

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/basket/microclaw/internal/hooks"
)

// TimeoutResolver maps a tool name to its configured timeout in
// seconds. Per-call timeout_secs from the model input wins over this.
type TimeoutResolver func(tool string) int

// Runtime dispatches tool calls through hooks, timeout enforcement,
// and panic containment. One Runtime serves many registries.
type Runtime struct {
	hooks      *hooks.Pipeline
	timeoutFor TimeoutResolver
	logger     *slog.Logger
}

// NewRuntime builds a Runtime. hooks may be nil when no hooks dir is
// configured; timeoutFor must not be nil.
func NewRuntime(pipeline *hooks.Pipeline, timeoutFor TimeoutResolver, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{hooks: pipeline, timeoutFor: timeoutFor, logger: logger}
}

// Execute runs one tool call to completion. It never panics and never
// returns an error: every failure mode is folded into the Result so
// the model always receives a tool_result block.
func (rt *Runtime) Execute(ctx context.Context, reg *Registry, name string, input map[string]any, chat ChatContext) Result {
	tool, ok := reg.Get(name)
	if !ok {
		return Errorf(ErrToolInternal, "unknown tool: %s", name)
	}
	if input == nil {
		input = map[string]any{}
	}

	input, res := rt.beforeToolCall(ctx, name, input)
	if res != nil {
		return *res
	}

	timeout := rt.resolveTimeout(name, input)
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	result := rt.run(callCtx, tool, Call{Input: input, Chat: chat})
	elapsed := time.Since(start)

	result = rt.afterToolCall(ctx, name, input, result)

	rt.logger.Debug("tool executed",
		"tool", name,
		"chat_id", chat.ID,
		"is_error", result.IsError,
		"error_type", result.ErrorType,
		"duration_ms", elapsed.Milliseconds(),
	)
	return result
}

// run invokes the tool in a goroutine so the timeout is enforced even
// against a tool that ignores its context. A timed-out tool keeps its
// goroutine until its own work notices the cancelled context.
func (rt *Runtime) run(ctx context.Context, tool Tool, call Call) Result {
	done := make(chan Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				rt.logger.Error("tool panicked",
					"tool", tool.Name(), "panic", r, "stack", string(debug.Stack()))
				done <- Errorf(ErrToolInternal, "tool %s panicked: %v", tool.Name(), r)
			}
		}()
		done <- tool.Execute(ctx, call)
	}()

	select {
	case res := <-done:
		return res
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return Errorf(ErrTimeout, "tool %s timed out", tool.Name())
		}
		return Errorf(ErrToolInternal, "tool %s cancelled: %v", tool.Name(), ctx.Err())
	}
}

// resolveTimeout applies per-call > per-tool override > default.
func (rt *Runtime) resolveTimeout(name string, input map[string]any) time.Duration {
	if secs := intInput(input, "timeout_secs"); secs > 0 {
		return time.Duration(secs) * time.Second
	}
	secs := rt.timeoutFor(name)
	if secs <= 0 {
		secs = 60
	}
	return time.Duration(secs) * time.Second
}

// beforeToolCall runs BeforeToolCall hooks. A block decision becomes
// the tool result; a modify decision may replace tool_input.
func (rt *Runtime) beforeToolCall(ctx context.Context, name string, input map[string]any) (map[string]any, *Result) {
	if rt.hooks == nil || rt.hooks.Empty(hooks.BeforeToolCall) {
		return input, nil
	}
	out := rt.hooks.Evaluate(ctx, hooks.BeforeToolCall, map[string]any{
		"tool_name":  name,
		"tool_input": input,
	})
	if out.Blocked {
		res := Errorf(ErrHookBlocked, "blocked by hook %s: %s", out.BlockedBy, out.Reason)
		return input, &res
	}
	if patched, ok := out.Payload["tool_input"].(map[string]any); ok {
		return patched, nil
	}
	return input, nil
}

// afterToolCall runs AfterToolCall hooks against the produced result.
// Hooks can block (replacing the result) or patch individual fields.
func (rt *Runtime) afterToolCall(ctx context.Context, name string, input map[string]any, result Result) Result {
	if rt.hooks == nil || rt.hooks.Empty(hooks.AfterToolCall) {
		return result
	}
	out := rt.hooks.Evaluate(ctx, hooks.AfterToolCall, map[string]any{
		"tool_name":   name,
		"tool_input":  input,
		"content":     result.Content,
		"is_error":    result.IsError,
		"error_type":  result.ErrorType,
		"status_code": result.StatusCode,
	})
	if out.Blocked {
		return Errorf(ErrHookBlocked, "result blocked by hook %s: %s", out.BlockedBy, out.Reason)
	}
	if v, ok := out.Payload["content"].(string); ok {
		result.Content = v
		result.Bytes = len(v)
	}
	if v, ok := out.Payload["is_error"].(bool); ok {
		result.IsError = v
	}
	if v, ok := out.Payload["error_type"].(string); ok {
		result.ErrorType = v
	}
	switch v := out.Payload["status_code"].(type) {
	case float64:
		result.StatusCode = int(v)
	case int:
		result.StatusCode = v
	}
	return result
}

// BeforeLLMCall runs BeforeLLMCall hooks over the system prompt. A
// block aborts the provider call; a modify replaces the prompt.
func (rt *Runtime) BeforeLLMCall(ctx context.Context, systemPrompt string, messageCount int) (string, error) {
	if rt.hooks == nil || rt.hooks.Empty(hooks.BeforeLLMCall) {
		return systemPrompt, nil
	}
	out := rt.hooks.Evaluate(ctx, hooks.BeforeLLMCall, map[string]any{
		"system_prompt": systemPrompt,
		"message_count": messageCount,
	})
	if out.Blocked {
		return "", fmt.Errorf("llm call blocked by hook %s: %s", out.BlockedBy, out.Reason)
	}
	if v, ok := out.Payload["system_prompt"].(string); ok {
		return v, nil
	}
	return systemPrompt, nil
}
