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

const openAIAPIBase = "https://api.openai.com/v1"

// OpenAI implements Client for the chat-completions dialect, which also
// covers self-hosted compatible gateways configured via llm_base_url.
type OpenAI struct {
	apiKey       string
	baseURL      string
	defaultModel string
	maxTokens    int
	httpClient   *http.Client
}

func NewOpenAI(s Settings) *OpenAI {
	o := &OpenAI{
		apiKey:       s.APIKey,
		baseURL:      openAIAPIBase,
		defaultModel: s.Model,
		maxTokens:    s.MaxTokens,
		httpClient:   &http.Client{Timeout: requestTimeout},
	}
	if s.BaseURL != "" {
		o.baseURL = strings.TrimRight(s.BaseURL, "/")
	}
	if o.maxTokens <= 0 {
		o.maxTokens = defaultMaxTokens
	}
	return o
}

func (o *OpenAI) Name() string         { return "openai" }
func (o *OpenAI) DefaultModel() string { return o.defaultModel }

func (o *OpenAI) Chat(ctx context.Context, req Request) (*Response, error) {
	body := o.buildBody(req, false)
	return doWithRetry(ctx, func() (*Response, error) {
		rc, err := o.post(ctx, body)
		if err != nil {
			return nil, err
		}
		defer rc.Close()

		var resp openAIResponse
		if err := json.NewDecoder(rc).Decode(&resp); err != nil {
			return nil, fmt.Errorf("openai: decode response: %w", err)
		}
		return parseOpenAIResponse(&resp), nil
	})
}

func (o *OpenAI) ChatStream(ctx context.Context, req Request, onChunk func(StreamChunk)) (*Response, error) {
	body := o.buildBody(req, true)

	rc, err := doWithRetry(ctx, func() (io.ReadCloser, error) {
		return o.post(ctx, body)
	})
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	result := &Response{FinishReason: "stop"}
	type accum struct {
		call ToolCall
		raw  string
	}
	accums := make(map[int]*accum)
	maxIdx := -1

	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}
		var chunk openAIStreamChunk
		if json.Unmarshal([]byte(data), &chunk) != nil || len(chunk.Choices) == 0 {
			if chunk.Usage != nil {
				result.Usage = chunk.Usage.toUsage()
			}
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			result.Content += delta.Content
			if onChunk != nil {
				onChunk(StreamChunk{Content: delta.Content})
			}
		}
		for _, tc := range delta.ToolCalls {
			acc, ok := accums[tc.Index]
			if !ok {
				acc = &accum{call: ToolCall{ID: tc.ID, Name: strings.TrimSpace(tc.Function.Name)}}
				accums[tc.Index] = acc
				if tc.Index > maxIdx {
					maxIdx = tc.Index
				}
			}
			if tc.Function.Name != "" {
				acc.call.Name = strings.TrimSpace(tc.Function.Name)
			}
			acc.raw += tc.Function.Arguments
		}
		if fr := chunk.Choices[0].FinishReason; fr != "" {
			result.FinishReason = fr
		}
		if chunk.Usage != nil {
			result.Usage = chunk.Usage.toUsage()
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("openai stream: read: %w", err)
	}

	for i := 0; i <= maxIdx; i++ {
		acc, ok := accums[i]
		if !ok {
			continue
		}
		args := make(map[string]any)
		_ = json.Unmarshal([]byte(acc.raw), &args)
		acc.call.Arguments = args
		result.ToolCalls = append(result.ToolCalls, acc.call)
	}
	if len(result.ToolCalls) > 0 {
		result.FinishReason = "tool_calls"
	}
	if onChunk != nil {
		onChunk(StreamChunk{Done: true})
	}
	return result, nil
}

func (o *OpenAI) buildBody(req Request, stream bool) map[string]any {
	msgs := make([]map[string]any, 0, len(req.Messages))
	for _, m := range req.Messages {
		msg := map[string]any{"role": m.Role}
		switch {
		case m.Role == "user" && len(m.Images) > 0:
			var parts []map[string]any
			for _, img := range m.Images {
				parts = append(parts, map[string]any{
					"type": "image_url",
					"image_url": map[string]any{
						"url": fmt.Sprintf("data:%s;base64,%s", img.MimeType, img.Data),
					},
				})
			}
			if m.Content != "" {
				parts = append(parts, map[string]any{"type": "text", "text": m.Content})
			}
			msg["content"] = parts
		case m.Content != "" || len(m.ToolCalls) == 0:
			msg["content"] = m.Content
		}
		if len(m.ToolCalls) > 0 {
			calls := make([]map[string]any, len(m.ToolCalls))
			for i, tc := range m.ToolCalls {
				argsJSON, _ := json.Marshal(tc.Arguments)
				calls[i] = map[string]any{
					"id":   tc.ID,
					"type": "function",
					"function": map[string]any{
						"name":      tc.Name,
						"arguments": string(argsJSON),
					},
				}
			}
			msg["tool_calls"] = calls
		}
		if m.ToolCallID != "" {
			msg["tool_call_id"] = m.ToolCallID
		}
		msgs = append(msgs, msg)
	}

	maxTokens := o.maxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}
	model := req.Model
	if model == "" {
		model = o.defaultModel
	}

	body := map[string]any{
		"model":      model,
		"messages":   msgs,
		"max_tokens": maxTokens,
		"stream":     stream,
	}
	if stream {
		body["stream_options"] = map[string]any{"include_usage": true}
	}
	if len(req.Tools) > 0 {
		var tools []map[string]any
		for _, t := range req.Tools {
			tools = append(tools, map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        t.Name,
					"description": t.Description,
					"parameters":  t.InputSchema,
				},
			})
		}
		body["tools"] = tools
		body["tool_choice"] = "auto"
	}
	return body
}

func (o *OpenAI) post(ctx context.Context, body any) (io.ReadCloser, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai: request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLen))
		resp.Body.Close()
		return nil, &HTTPError{
			Status:     resp.StatusCode,
			Body:       "openai: " + string(respBody),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return resp.Body, nil
}

func parseOpenAIResponse(resp *openAIResponse) *Response {
	result := &Response{FinishReason: "stop"}
	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		result.Content = choice.Message.Content
		if choice.FinishReason != "" {
			result.FinishReason = choice.FinishReason
		}
		for _, tc := range choice.Message.ToolCalls {
			args := make(map[string]any)
			_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
			result.ToolCalls = append(result.ToolCalls, ToolCall{
				ID:        tc.ID,
				Name:      strings.TrimSpace(tc.Function.Name),
				Arguments: args,
			})
		}
		if len(result.ToolCalls) > 0 {
			result.FinishReason = "tool_calls"
		}
	}
	if resp.Usage != nil {
		result.Usage = resp.Usage.toUsage()
	}
	return result
}

// wire types

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content   string           `json:"content"`
			ToolCalls []openAIToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage"`
}

type openAIToolCall struct {
	Index    int    `json:"index"`
	ID       string `json:"id"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openAIStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string           `json:"content"`
			ToolCalls []openAIToolCall `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage"`
}

type openAIUsage struct {
	PromptTokens        int `json:"prompt_tokens"`
	CompletionTokens    int `json:"completion_tokens"`
	TotalTokens         int `json:"total_tokens"`
	PromptTokensDetails *struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"prompt_tokens_details"`
}

func (u *openAIUsage) toUsage() *Usage {
	out := &Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
	if u.PromptTokensDetails != nil {
		out.CacheReadTokens = u.PromptTokensDetails.CachedTokens
	}
	return out
}
