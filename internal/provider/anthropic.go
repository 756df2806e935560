package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	anthropicAPIBase    = "https://api.anthropic.com/v1"
	anthropicAPIVersion = "2023-06-01"
	defaultMaxTokens    = 8192
)

// Anthropic implements Client against the Anthropic Messages API.
type Anthropic struct {
	apiKey       string
	baseURL      string
	defaultModel string
	maxTokens    int
	httpClient   *http.Client
}

func NewAnthropic(s Settings) *Anthropic {
	a := &Anthropic{
		apiKey:       s.APIKey,
		baseURL:      anthropicAPIBase,
		defaultModel: s.Model,
		maxTokens:    s.MaxTokens,
		httpClient:   &http.Client{Timeout: requestTimeout},
	}
	if s.BaseURL != "" {
		a.baseURL = strings.TrimRight(s.BaseURL, "/")
	}
	if a.maxTokens <= 0 {
		a.maxTokens = defaultMaxTokens
	}
	return a
}

func (a *Anthropic) Name() string         { return "anthropic" }
func (a *Anthropic) DefaultModel() string { return a.defaultModel }

func (a *Anthropic) Chat(ctx context.Context, req Request) (*Response, error) {
	body := a.buildBody(req, false)
	return doWithRetry(ctx, func() (*Response, error) {
		rc, err := a.post(ctx, body)
		if err != nil {
			return nil, err
		}
		defer rc.Close()

		var resp anthropicResponse
		if err := json.NewDecoder(rc).Decode(&resp); err != nil {
			return nil, fmt.Errorf("anthropic: decode response: %w", err)
		}
		return parseAnthropicResponse(&resp), nil
	})
}

func (a *Anthropic) ChatStream(ctx context.Context, req Request, onChunk func(StreamChunk)) (*Response, error) {
	body := a.buildBody(req, true)

	// Only the connection phase retries; once bytes flow there is no replay.
	rc, err := doWithRetry(ctx, func() (io.ReadCloser, error) {
		return a.post(ctx, body)
	})
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	result := &Response{FinishReason: "stop"}
	toolArgs := make(map[int]string)

	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	var event string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			event = strings.TrimPrefix(line, "event: ")
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		switch event {
		case "message_start":
			var ev anthropicMessageStart
			if json.Unmarshal([]byte(data), &ev) == nil {
				result.Usage = &Usage{
					PromptTokens:        ev.Message.Usage.InputTokens,
					CacheCreationTokens: ev.Message.Usage.CacheCreationInputTokens,
					CacheReadTokens:     ev.Message.Usage.CacheReadInputTokens,
				}
			}

		case "content_block_start":
			var ev anthropicBlockStart
			if json.Unmarshal([]byte(data), &ev) == nil && ev.ContentBlock.Type == "tool_use" {
				result.ToolCalls = append(result.ToolCalls, ToolCall{
					ID:        ev.ContentBlock.ID,
					Name:      ev.ContentBlock.Name,
					Arguments: make(map[string]any),
				})
			}

		case "content_block_delta":
			var ev anthropicBlockDelta
			if json.Unmarshal([]byte(data), &ev) == nil {
				switch ev.Delta.Type {
				case "text_delta":
					result.Content += ev.Delta.Text
					if onChunk != nil {
						onChunk(StreamChunk{Content: ev.Delta.Text})
					}
				case "input_json_delta":
					if n := len(result.ToolCalls); n > 0 {
						toolArgs[n-1] += ev.Delta.PartialJSON
					}
				}
			}

		case "message_delta":
			var ev anthropicMessageDelta
			if json.Unmarshal([]byte(data), &ev) == nil {
				if ev.Delta.StopReason != "" {
					result.FinishReason = mapStopReason(ev.Delta.StopReason)
				}
				if ev.Usage.OutputTokens > 0 {
					if result.Usage == nil {
						result.Usage = &Usage{}
					}
					result.Usage.CompletionTokens = ev.Usage.OutputTokens
				}
			}

		case "error":
			var ev anthropicErrorEvent
			if json.Unmarshal([]byte(data), &ev) == nil {
				return nil, fmt.Errorf("anthropic stream: %s: %s", ev.Error.Type, ev.Error.Message)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("anthropic stream: read: %w", err)
	}

	for i, raw := range toolArgs {
		if raw == "" {
			continue
		}
		args := make(map[string]any)
		_ = json.Unmarshal([]byte(raw), &args)
		result.ToolCalls[i].Arguments = args
	}
	if result.Usage != nil {
		result.Usage.TotalTokens = result.Usage.PromptTokens + result.Usage.CompletionTokens
	}
	if onChunk != nil {
		onChunk(StreamChunk{Done: true})
	}
	return result, nil
}

func (a *Anthropic) buildBody(req Request, stream bool) map[string]any {
	var system []map[string]any
	var messages []map[string]any

	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			system = append(system, map[string]any{"type": "text", "text": msg.Content})

		case "user":
			if len(msg.Images) == 0 {
				messages = append(messages, map[string]any{"role": "user", "content": msg.Content})
				break
			}
			var blocks []map[string]any
			for _, img := range msg.Images {
				blocks = append(blocks, map[string]any{
					"type": "image",
					"source": map[string]any{
						"type":       "base64",
						"media_type": img.MimeType,
						"data":       img.Data,
					},
				})
			}
			if msg.Content != "" {
				blocks = append(blocks, map[string]any{"type": "text", "text": msg.Content})
			}
			messages = append(messages, map[string]any{"role": "user", "content": blocks})

		case "assistant":
			var blocks []map[string]any
			if msg.Content != "" {
				blocks = append(blocks, map[string]any{"type": "text", "text": msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, map[string]any{
					"type":  "tool_use",
					"id":    tc.ID,
					"name":  tc.Name,
					"input": tc.Arguments,
				})
			}
			messages = append(messages, map[string]any{"role": "assistant", "content": blocks})

		case "tool":
			messages = append(messages, map[string]any{
				"role": "user",
				"content": []map[string]any{{
					"type":        "tool_result",
					"tool_use_id": msg.ToolCallID,
					"content":     msg.Content,
					"is_error":    msg.IsError,
				}},
			})
		}
	}

	maxTokens := a.maxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}
	model := req.Model
	if model == "" {
		model = a.defaultModel
	}

	body := map[string]any{
		"model":      model,
		"max_tokens": maxTokens,
		"messages":   messages,
	}
	if stream {
		body["stream"] = true
	}
	if len(system) > 0 {
		body["system"] = system
	}
	if len(req.Tools) > 0 {
		var tools []map[string]any
		for _, t := range req.Tools {
			tools = append(tools, map[string]any{
				"name":         t.Name,
				"description":  t.Description,
				"input_schema": t.InputSchema,
			})
		}
		body["tools"] = tools
	}
	return body
}

func (a *Anthropic) post(ctx context.Context, body any) (io.ReadCloser, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/messages", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLen))
		resp.Body.Close()
		return nil, &HTTPError{
			Status:     resp.StatusCode,
			Body:       "anthropic: " + string(respBody),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return resp.Body, nil
}

func parseAnthropicResponse(resp *anthropicResponse) *Response {
	result := &Response{FinishReason: mapStopReason(resp.StopReason)}
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			result.Content += block.Text
		case "tool_use":
			args := make(map[string]any)
			_ = json.Unmarshal(block.Input, &args)
			result.ToolCalls = append(result.ToolCalls, ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: args,
			})
		}
	}
	result.Usage = &Usage{
		PromptTokens:        resp.Usage.InputTokens,
		CompletionTokens:    resp.Usage.OutputTokens,
		TotalTokens:         resp.Usage.InputTokens + resp.Usage.OutputTokens,
		CacheCreationTokens: resp.Usage.CacheCreationInputTokens,
		CacheReadTokens:     resp.Usage.CacheReadInputTokens,
	}
	return result
}

func mapStopReason(stop string) string {
	switch stop {
	case "tool_use":
		return "tool_calls"
	case "max_tokens":
		return "length"
	default:
		return "stop"
	}
}

// wire types

type anthropicResponse struct {
	Content    []anthropicBlock `json:"content"`
	StopReason string           `json:"stop_reason"`
	Usage      anthropicUsage   `json:"usage"`
}

type anthropicBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

type anthropicUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
}

type anthropicMessageStart struct {
	Message struct {
		Usage anthropicUsage `json:"usage"`
	} `json:"message"`
}

type anthropicBlockStart struct {
	Index        int            `json:"index"`
	ContentBlock anthropicBlock `json:"content_block"`
}

type anthropicBlockDelta struct {
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text,omitempty"`
		PartialJSON string `json:"partial_json,omitempty"`
	} `json:"delta"`
}

type anthropicMessageDelta struct {
	Delta struct {
		StopReason string `json:"stop_reason,omitempty"`
	} `json:"delta"`
	Usage anthropicUsage `json:"usage"`
}

type anthropicErrorEvent struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}
