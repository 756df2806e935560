package agent

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/basket/microclaw/internal/obs"
	"github.com/basket/microclaw/internal/provider"
	"github.com/basket/microclaw/internal/tools"
)

// iterationLimitMessage is what the user sees when the loop budget
// runs out before the model stops calling tools.
const iterationLimitMessage = "reached maximum tool iterations"

type loopParams struct {
	system     string
	turns      []provider.Message
	registry   *tools.Registry
	chat       tools.ChatContext
	iterations int
	runID      string
}

// runLoop drives the provider until it stops asking for tools or the
// iteration budget runs out. Tool failures are never fatal: they go
// back to the model as is_error tool results.
func (a *Agent) runLoop(ctx context.Context, p loopParams) (string, []provider.Message, error) {
	turns := p.turns
	defs := p.registry.Definitions()

	for i := 0; i < p.iterations; i++ {
		obs.Metrics().LoopIterations.Add(ctx, 1)
		system, err := a.runtime.BeforeLLMCall(ctx, p.system, len(turns))
		if err != nil {
			return "", turns, err
		}

		req := provider.Request{
			Messages:  append([]provider.Message{{Role: "system", Content: system}}, turns...),
			Tools:     defs,
			Model:     a.cfg.Model,
			MaxTokens: a.cfg.MaxTokens,
		}

		resp, err := a.chatOnce(ctx, req, p.runID)
		if err != nil {
			return "", turns, fmt.Errorf("provider: %w", err)
		}
		a.recordUsage(ctx, p.chat.ID, resp)

		if len(resp.ToolCalls) == 0 {
			turns = append(turns, provider.Message{Role: "assistant", Content: resp.Content})
			return resp.Content, turns, nil
		}

		turns = append(turns, provider.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			turns = append(turns, a.executeToolCall(ctx, p, call))
		}
	}

	a.logger.Warn("tool iteration budget exhausted",
		"chat_id", p.chat.ID, "iterations", p.iterations)
	turns = append(turns, provider.Message{Role: "assistant", Content: iterationLimitMessage})
	return iterationLimitMessage, turns, nil
}

// chatOnce streams when a run is attached so subscribers see deltas,
// and falls back to the plain call otherwise.
func (a *Agent) chatOnce(ctx context.Context, req provider.Request, runID string) (*provider.Response, error) {
	ctx, span := obs.StartClientSpan(ctx, obs.Tracer(), "llm.chat",
		obs.AttrModel.String(req.Model))
	defer span.End()
	start := time.Now()
	defer func() {
		obs.Metrics().LLMCallDuration.Record(ctx, time.Since(start).Seconds())
	}()

	if runID == "" || a.runs == nil {
		return a.llm.Chat(ctx, req)
	}
	return a.llm.ChatStream(ctx, req, func(chunk provider.StreamChunk) {
		if chunk.Content != "" {
			a.publish(ctx, runID, "delta", map[string]any{"content": chunk.Content})
		}
	})
}

// executeToolCall runs one tool_use block through the runtime and
// shapes the result as the tool turn the provider expects.
func (a *Agent) executeToolCall(ctx context.Context, p loopParams, call provider.ToolCall) provider.Message {
	a.publish(ctx, p.runID, "tool_start", map[string]any{"tool": call.Name})

	ctx, span := obs.StartSpan(ctx, obs.Tracer(), "tool.execute",
		obs.AttrToolName.String(call.Name))
	defer span.End()
	start := time.Now()
	res := a.runtime.Execute(ctx, p.registry, call.Name, call.Arguments, p.chat)

	obs.Metrics().ToolCallDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(obs.AttrToolName.String(call.Name)))
	if res.IsError {
		obs.Metrics().ToolCallErrors.Add(ctx, 1,
			metric.WithAttributes(obs.AttrToolName.String(call.Name)))
	}

	a.publish(ctx, p.runID, "tool_result", map[string]any{
		"tool":        call.Name,
		"duration_ms": time.Since(start).Milliseconds(),
		"bytes":       res.Bytes,
		"status_code": res.StatusCode,
		"error_type":  res.ErrorType,
		"is_error":    res.IsError,
	})

	return provider.Message{
		Role:       "tool",
		Content:    res.Content,
		ToolCallID: call.ID,
		IsError:    res.IsError,
	}
}

func (a *Agent) recordUsage(ctx context.Context, chatID int64, resp *provider.Response) {
	if resp.Usage == nil {
		return
	}
	model := a.cfg.Model
	if model == "" {
		model = a.llm.DefaultModel()
	}
	obs.Metrics().TokensUsed.Add(ctx, int64(resp.Usage.TotalTokens),
		metric.WithAttributes(obs.AttrModel.String(model)))
	err := a.store.RecordUsage(ctx, chatID, model,
		int64(resp.Usage.PromptTokens), int64(resp.Usage.CompletionTokens))
	if err != nil {
		a.logger.Warn("usage record failed", "chat_id", chatID, "error", err)
	}
}
