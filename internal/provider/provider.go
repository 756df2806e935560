// Package provider abstracts the LLM backends behind a single Client
// interface. Two HTTP dialects are implemented: the Anthropic Messages
// API and OpenAI-style chat completions (which also covers self-hosted
// compatible gateways).
package provider

import (
	"context"
	"fmt"
)

// Client is the LLM surface the engine talks to.
type Client interface {
	// Chat sends the conversation and returns the complete response.
	Chat(ctx context.Context, req Request) (*Response, error)

	// ChatStream sends the conversation and invokes onChunk for each
	// streamed fragment, then returns the assembled response.
	ChatStream(ctx context.Context, req Request, onChunk func(StreamChunk)) (*Response, error)

	// Name returns the dialect identifier ("anthropic", "openai", ...).
	Name() string

	// DefaultModel returns the model used when a request names none.
	DefaultModel() string
}

// Request carries one full conversation turn to the backend.
type Request struct {
	Messages  []Message        `json:"messages"`
	Tools     []ToolDefinition `json:"tools,omitempty"`
	Model     string           `json:"model,omitempty"`
	MaxTokens int              `json:"max_tokens,omitempty"`
}

// Response is the assembled result of one model call.
type Response struct {
	Content      string     `json:"content"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason"` // "stop", "tool_calls", "length"
	Usage        *Usage     `json:"usage,omitempty"`
}

// StreamChunk is one streamed fragment.
type StreamChunk struct {
	Content string `json:"content,omitempty"`
	Done    bool   `json:"done,omitempty"`
}

// Message is one turn of the conversation in provider-neutral form.
// Role is "system", "user", "assistant", or "tool"; a "tool" message
// carries the tool_result content for ToolCallID.
type Message struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	Images     []ImageContent `json:"images,omitempty"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	IsError    bool           `json:"is_error,omitempty"`
}

// ImageContent is a base64 image attached to a user message.
type ImageContent struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolDefinition describes a tool offered to the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// Usage tracks token consumption for one call.
type Usage struct {
	PromptTokens        int `json:"prompt_tokens"`
	CompletionTokens    int `json:"completion_tokens"`
	TotalTokens         int `json:"total_tokens"`
	CacheCreationTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadTokens     int `json:"cache_read_input_tokens,omitempty"`
}

// Settings selects and configures a backend dialect.
type Settings struct {
	Provider  string // "anthropic", "openai", "openai_compatible"
	Model     string
	APIKey    string
	BaseURL   string
	MaxTokens int
}

// New builds the Client for the configured dialect.
func New(s Settings) (Client, error) {
	switch s.Provider {
	case "anthropic":
		return NewAnthropic(s), nil
	case "openai", "openai_compatible":
		return NewOpenAI(s), nil
	default:
		return nil, fmt.Errorf("unknown llm_provider %q", s.Provider)
	}
}
