package mcp

import (
	"encoding/json"
	"fmt"
	"os"
)

// File is the parsed mcp.json.
type File struct {
	DefaultProtocolVersion string                  `json:"defaultProtocolVersion"`
	Servers                map[string]ServerConfig `json:"mcpServers"`
}

// ServerConfig declares one server plus its reliability settings.
type ServerConfig struct {
	Transport string            `json:"transport"` // "stdio" or "streamable_http"
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Endpoint  string            `json:"endpoint,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`

	RequestTimeoutSecs             int `json:"request_timeout_secs,omitempty"`
	CircuitBreakerFailureThreshold int `json:"circuit_breaker_failure_threshold,omitempty"`
	CircuitBreakerCooldownSecs     int `json:"circuit_breaker_cooldown_secs,omitempty"`
	MaxConcurrentRequests          int `json:"max_concurrent_requests,omitempty"`
	QueueWaitMS                    int `json:"queue_wait_ms,omitempty"`
	RateLimitPerMinute             int `json:"rate_limit_per_minute,omitempty"`
}

// LoadFile reads mcp.json; a missing file yields an empty declaration set.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &File{Servers: map[string]ServerConfig{}}, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if f.Servers == nil {
		f.Servers = map[string]ServerConfig{}
	}
	for name, sc := range f.Servers {
		switch sc.Transport {
		case "stdio":
			if sc.Command == "" {
				return nil, fmt.Errorf("server %s: stdio transport needs a command", name)
			}
		case "streamable_http":
			if sc.Endpoint == "" {
				return nil, fmt.Errorf("server %s: streamable_http transport needs an endpoint", name)
			}
		default:
			return nil, fmt.Errorf("server %s: unknown transport %q", name, sc.Transport)
		}
	}
	return &f, nil
}
