package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

// mockTransport is an in-memory Transport for testing.
type mockTransport struct {
	in  chan json.RawMessage // messages from server (Receive)
	out chan json.RawMessage // messages to server (Send)
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		in:  make(chan json.RawMessage, 10),
		out: make(chan json.RawMessage, 10),
	}
}

func (m *mockTransport) Send(ctx context.Context, msg json.RawMessage) error {
	select {
	case m.out <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *mockTransport) Receive(ctx context.Context) (json.RawMessage, error) {
	select {
	case msg := <-m.in:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *mockTransport) Close() error { return nil }

// respond answers the next request on the transport with result.
func (m *mockTransport) respond(t *testing.T, wantMethod, result string) {
	t.Helper()
	select {
	case msg := <-m.out:
		var req jsonRPCRequest
		if err := json.Unmarshal(msg, &req); err != nil {
			t.Errorf("invalid request json: %v", err)
			return
		}
		if req.Method != wantMethod {
			t.Errorf("method = %s, want %s", req.Method, wantMethod)
		}
		b, _ := json.Marshal(jsonRPCResponse{JSONRPC: "2.0", Result: json.RawMessage(result), ID: req.ID})
		m.in <- b
	case <-time.After(2 * time.Second):
		t.Errorf("timeout waiting for %s request", wantMethod)
	}
}

func TestClient_Initialize(t *testing.T) {
	transport := newMockTransport()
	client := NewClient("test", "", transport)
	defer client.Close()

	errChan := make(chan error, 1)
	go func() { errChan <- client.Initialize(context.Background()) }()

	transport.respond(t, "initialize", `{"capabilities":{},"serverInfo":{"name":"test","version":"1.0"}}`)

	select {
	case msg := <-transport.out:
		var notif jsonRPCNotification
		if err := json.Unmarshal(msg, &notif); err != nil {
			t.Fatalf("invalid notification json: %v", err)
		}
		if notif.Method != "notifications/initialized" {
			t.Fatalf("expected initialized notification, got %s", notif.Method)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for initialized notification")
	}

	if err := <-errChan; err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
}

func TestClient_ListTools(t *testing.T) {
	transport := newMockTransport()
	client := NewClient("test", "", transport)
	defer client.Close()

	go transport.respond(t, "tools/list",
		`{"tools":[{"name":"memory_query","description":"d","inputSchema":{}}]}`)

	tools, err := client.ListTools(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(tools) != 1 || tools[0].Name != "memory_query" {
		t.Fatalf("tools = %v", tools)
	}
}

func TestClient_CallTool_NormalizesResult(t *testing.T) {
	transport := newMockTransport()
	client := NewClient("test", "", transport)
	defer client.Close()

	go transport.respond(t, "tools/call",
		`{"content":[{"type":"text","text":"line one"},{"type":"text","text":"line two"}],"isError":false}`)

	res, err := client.CallTool(context.Background(), "lookup", json.RawMessage(`{"q":"x"}`))
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError {
		t.Error("unexpected isError")
	}
	if res.Text() != "line one\nline two" {
		t.Errorf("text = %q", res.Text())
	}
}

func TestClient_CallTool_RPCError(t *testing.T) {
	transport := newMockTransport()
	client := NewClient("test", "", transport)
	defer client.Close()

	go func() {
		msg := <-transport.out
		var req jsonRPCRequest
		_ = json.Unmarshal(msg, &req)
		b, _ := json.Marshal(jsonRPCResponse{
			JSONRPC: "2.0",
			Error:   &jsonRPCError{Code: -32601, Message: "no such tool"},
			ID:      req.ID,
		})
		transport.in <- b
	}()

	if _, err := client.CallTool(context.Background(), "missing", nil); err == nil {
		t.Fatal("expected rpc error")
	}
}

func TestClient_CallCanceled(t *testing.T) {
	transport := newMockTransport()
	client := NewClient("test", "", transport)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := client.ListTools(ctx); err == nil {
		t.Fatal("expected context error when server never answers")
	}
}
