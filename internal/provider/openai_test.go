package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func openAIClient(t *testing.T, handler http.HandlerFunc) *OpenAI {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewOpenAI(Settings{APIKey: "test-key", Model: "gpt-4o", BaseURL: srv.URL})
}

func TestOpenAI_Chat_ToolCalls(t *testing.T) {
	c := openAIClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("missing bearer token")
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if body["tool_choice"] != "auto" {
			t.Errorf("tool_choice = %v", body["tool_choice"])
		}
		w.Write([]byte(`{
			"choices": [{
				"message": {
					"content": "",
					"tool_calls": [{"id": "call_1", "function": {"name": "grep", "arguments": "{\"pattern\": \"TODO\"}"}}]
				},
				"finish_reason": "tool_calls"
			}],
			"usage": {"prompt_tokens": 30, "completion_tokens": 5, "total_tokens": 35}
		}`))
	})

	resp, err := c.Chat(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "find todos"}},
		Tools: []ToolDefinition{{
			Name:        "grep",
			Description: "search files",
			InputSchema: map[string]any{"type": "object"},
		}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Arguments["pattern"] != "TODO" {
		t.Fatalf("tool calls = %+v", resp.ToolCalls)
	}
	if resp.FinishReason != "tool_calls" {
		t.Errorf("finish = %q", resp.FinishReason)
	}
	if resp.Usage.TotalTokens != 35 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestOpenAI_ChatStream_AccumulatesToolArgs(t *testing.T) {
	stream := "" +
		`data: {"choices": [{"delta": {"content": "on "}}]}` + "\n\n" +
		`data: {"choices": [{"delta": {"content": "it"}}]}` + "\n\n" +
		`data: {"choices": [{"delta": {"tool_calls": [{"index": 0, "id": "call_7", "function": {"name": "shell", "arguments": "{\"com"}}]}}]}` + "\n\n" +
		`data: {"choices": [{"delta": {"tool_calls": [{"index": 0, "function": {"arguments": "mand\": \"pwd\"}"}}]}}]}` + "\n\n" +
		`data: {"choices": [{"delta": {}, "finish_reason": "tool_calls"}]}` + "\n\n" +
		`data: {"choices": [], "usage": {"prompt_tokens": 10, "completion_tokens": 4, "total_tokens": 14}}` + "\n\n" +
		"data: [DONE]\n\n"

	c := openAIClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(stream))
	})

	var content string
	resp, err := c.ChatStream(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "where am i"}},
	}, func(ch StreamChunk) { content += ch.Content })
	if err != nil {
		t.Fatal(err)
	}
	if content != "on it" || resp.Content != "on it" {
		t.Errorf("content = %q / %q", content, resp.Content)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("tool calls = %+v", resp.ToolCalls)
	}
	if resp.ToolCalls[0].Arguments["command"] != "pwd" {
		t.Errorf("args = %v", resp.ToolCalls[0].Arguments)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 14 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestOpenAI_BuildBody_ToolCallWireFormat(t *testing.T) {
	c := NewOpenAI(Settings{Model: "m"})
	body := c.buildBody(Request{
		Messages: []Message{
			{Role: "assistant", ToolCalls: []ToolCall{{ID: "call_1", Name: "shell", Arguments: map[string]any{"command": "ls"}}}},
			{Role: "tool", ToolCallID: "call_1", Content: "ok"},
		},
	}, false)

	msgs := body["messages"].([]map[string]any)
	calls := msgs[0]["tool_calls"].([]map[string]any)
	fn := calls[0]["function"].(map[string]any)
	if fn["name"] != "shell" {
		t.Errorf("fn = %v", fn)
	}
	// arguments serialize as a JSON string on the wire
	if _, ok := fn["arguments"].(string); !ok {
		t.Errorf("arguments should be a string, got %T", fn["arguments"])
	}
	if msgs[1]["tool_call_id"] != "call_1" {
		t.Errorf("tool message = %v", msgs[1])
	}
}
