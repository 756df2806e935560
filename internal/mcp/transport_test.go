package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestStdioTransport_RoundTrip(t *testing.T) {
	// cat echoes each line back, which is exactly the framing we need.
	tr, err := NewStdioTransport("cat", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	msg := json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	if err := tr.Send(ctx, msg); err != nil {
		t.Fatal(err)
	}
	got, err := tr.Receive(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var req jsonRPCRequest
	if err := json.Unmarshal(got, &req); err != nil {
		t.Fatalf("echoed message unparseable: %v", err)
	}
	if req.Method != "ping" || req.ID != 1 {
		t.Errorf("echoed = %+v", req)
	}
}

func TestStdioTransport_SendAfterClose(t *testing.T) {
	tr, err := NewStdioTransport("cat", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	tr.Close()
	if err := tr.Send(context.Background(), json.RawMessage(`{}`)); err == nil {
		t.Fatal("expected error after close")
	}
}

func TestHTTPTransport_ResponseQueuedForReceive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Auth") != "token" {
			t.Errorf("missing configured header")
		}
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{}}`))
	}))
	defer srv.Close()

	tr := NewHTTPTransport(srv.URL, map[string]string{"X-Auth": "token"})
	defer tr.Close()

	ctx := context.Background()
	if err := tr.Send(ctx, json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"initialize"}`)); err != nil {
		t.Fatal(err)
	}
	got, err := tr.Receive(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var resp jsonRPCResponse
	if err := json.Unmarshal(got, &resp); err != nil || resp.ID != 1 {
		t.Fatalf("received = %s (%v)", got, err)
	}
}

func TestHTTPTransport_EmptyBodyIsNotQueued(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(srv.URL, nil)
	defer tr.Close()

	if err := tr.Send(context.Background(), json.RawMessage(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := tr.Receive(ctx); err == nil {
		t.Fatal("notification response must not be queued")
	}
}

func TestHTTPTransport_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(srv.URL, nil)
	defer tr.Close()

	if err := tr.Send(context.Background(), json.RawMessage(`{}`)); err == nil {
		t.Fatal("expected error for 502")
	}
}
