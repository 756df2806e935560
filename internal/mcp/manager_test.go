package mcp

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mcp.json")
	os.WriteFile(path, []byte(`{
		"defaultProtocolVersion": "2024-11-05",
		"mcpServers": {
			"kb": {"transport": "stdio", "command": "kb-server", "rate_limit_per_minute": 30},
			"remote": {"transport": "streamable_http", "endpoint": "https://mcp.example.com/rpc",
				"headers": {"Authorization": "Bearer ${MCP_TOKEN}"}}
		}
	}`), 0o644)

	f, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(f.Servers) != 2 {
		t.Fatalf("servers = %d", len(f.Servers))
	}
	if f.Servers["kb"].RateLimitPerMinute != 30 {
		t.Errorf("kb = %+v", f.Servers["kb"])
	}
	if f.Servers["remote"].Endpoint == "" {
		t.Errorf("remote = %+v", f.Servers["remote"])
	}
}

func TestLoadFile_MissingIsEmpty(t *testing.T) {
	f, err := LoadFile(filepath.Join(t.TempDir(), "mcp.json"))
	if err != nil {
		t.Fatal(err)
	}
	if len(f.Servers) != 0 {
		t.Fatalf("servers = %v", f.Servers)
	}
}

func TestLoadFile_Invalid(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"stdio without command":  `{"mcpServers": {"a": {"transport": "stdio"}}}`,
		"http without endpoint":  `{"mcpServers": {"a": {"transport": "streamable_http"}}}`,
		"unknown transport":      `{"mcpServers": {"a": {"transport": "grpc"}}}`,
		"malformed json payload": `{"mcpServers": `,
	}
	for name, body := range cases {
		path := filepath.Join(dir, "mcp.json")
		os.WriteFile(path, []byte(body), 0o644)
		if _, err := LoadFile(path); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestManager_MemoryBackendProbe(t *testing.T) {
	m := NewManager(&File{Servers: map[string]ServerConfig{}}, time.Second, nil)
	if _, ok := m.MemoryBackend(); ok {
		t.Fatal("no servers, no backend")
	}

	m.servers["files"] = &server{tools: []Tool{{Name: "read"}, {Name: "write"}}}
	m.servers["kb"] = &server{tools: []Tool{{Name: "memory_query"}, {Name: "memory_upsert"}}}

	name, ok := m.MemoryBackend()
	if !ok || name != "kb" {
		t.Fatalf("backend = %q, %v", name, ok)
	}
}

func TestManager_CallToolUnknownServer(t *testing.T) {
	m := NewManager(&File{Servers: map[string]ServerConfig{}}, time.Second, nil)
	if _, err := m.CallTool(context.Background(), "ghost", "x", nil); err == nil {
		t.Fatal("expected error for unknown server")
	}
}
