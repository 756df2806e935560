package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// memory backend probe tool names
const (
	memoryQueryTool  = "memory_query"
	memoryUpsertTool = "memory_upsert"
)

type server struct {
	client *Client
	guard  *Guard
	config ServerConfig
	tools  []Tool
}

// Manager owns all configured MCP servers: startup, tool aggregation,
// guarded dispatch, and the structured-memory backend probe.
type Manager struct {
	file           *File
	defaultTimeout time.Duration
	logger         *slog.Logger

	mu      sync.RWMutex
	servers map[string]*server
}

func NewManager(file *File, defaultTimeout time.Duration, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	return &Manager{
		file:           file,
		defaultTimeout: defaultTimeout,
		logger:         logger,
		servers:        make(map[string]*server),
	}
}

// Start connects and initializes every declared server. A server that
// fails to start is logged and skipped; the rest proceed.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, cfg := range m.file.Servers {
		m.logger.Info("starting mcp server", "name", name, "transport", cfg.Transport)

		var transport Transport
		var err error
		switch cfg.Transport {
		case "stdio":
			transport, err = NewStdioTransport(cfg.Command, cfg.Args, cfg.Env)
		case "streamable_http":
			transport = NewHTTPTransport(cfg.Endpoint, cfg.Headers)
		}
		if err != nil {
			m.logger.Error("mcp server start failed", "name", name, "error", err)
			continue
		}

		client := NewClient(name, m.file.DefaultProtocolVersion, transport)
		initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = client.Initialize(initCtx)
		cancel()
		if err != nil {
			m.logger.Error("mcp server initialize failed", "name", name, "error", err)
			client.Close()
			continue
		}

		srv := &server{client: client, guard: NewGuard(cfg), config: cfg}

		listCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		tools, err := client.ListTools(listCtx)
		cancel()
		if err != nil {
			m.logger.Warn("mcp tools/list failed", "name", name, "error", err)
		}
		srv.tools = tools

		m.servers[name] = srv
		m.logger.Info("mcp server ready", "name", name, "tools", len(tools))
	}
}

// Tools returns the advertised tools per server, captured at startup.
func (m *Manager) Tools() map[string][]Tool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string][]Tool, len(m.servers))
	for name, srv := range m.servers {
		out[name] = srv.tools
	}
	return out
}

// CallTool dispatches one guarded tool call with the server's timeout.
func (m *Manager) CallTool(ctx context.Context, serverName, toolName string, args json.RawMessage) (*ToolResult, error) {
	m.mu.RLock()
	srv, ok := m.servers[serverName]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("mcp server not found: %s", serverName)
	}

	timeout := m.defaultTimeout
	if srv.config.RequestTimeoutSecs > 0 {
		timeout = time.Duration(srv.config.RequestTimeoutSecs) * time.Second
	}

	var result *ToolResult
	err := srv.guard.Do(ctx, func() error {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		var callErr error
		result, callErr = srv.client.CallTool(callCtx, toolName, args)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// MemoryBackend returns the name of the first server exposing both
// memory_query and memory_upsert, if any. The structured memory store
// prefers that server and falls back locally per operation.
func (m *Manager) MemoryBackend() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, srv := range m.servers {
		var query, upsert bool
		for _, t := range srv.tools {
			switch t.Name {
			case memoryQueryTool:
				query = true
			case memoryUpsertTool:
				upsert = true
			}
		}
		if query && upsert {
			return name, true
		}
	}
	return "", false
}

// Counters aggregates per-server guard rejections.
func (m *Manager) Counters() map[string]GuardCounters {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]GuardCounters, len(m.servers))
	for name, srv := range m.servers {
		out[name] = srv.guard.Counters()
	}
	return out
}

// Stop closes all clients.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, srv := range m.servers {
		if err := srv.client.Close(); err != nil {
			m.logger.Warn("mcp client close", "server", name, "error", err)
		}
	}
	m.servers = make(map[string]*server)
}
