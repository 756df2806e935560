package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/basket/microclaw/internal/mcp"
)

// MCPCaller is the slice of the MCP manager the bridge needs.
type MCPCaller interface {
	Tools() map[string][]mcp.Tool
	CallTool(ctx context.Context, serverName, toolName string, args json.RawMessage) (*mcp.ToolResult, error)
}

// RegisterMCPTools wraps every discovered MCP tool as a registry tool
// named mcp_<server>_<tool>. Discovery failures are non-fatal: the
// agent works without MCP tools.
func RegisterMCPTools(reg *Registry, caller MCPCaller, logger *slog.Logger) int {
	if logger == nil {
		logger = slog.Default()
	}
	count := 0
	for serverName, serverTools := range caller.Tools() {
		for _, t := range serverTools {
			bridged := &mcpTool{
				caller:     caller,
				serverName: serverName,
				toolName:   t.Name,
				desc:       t.Description,
				schema:     parseMCPSchema(t.InputSchema),
			}
			if err := reg.Register(bridged); err != nil {
				logger.Warn("skipping mcp tool", "tool", bridged.Name(), "error", err)
				continue
			}
			count++
		}
	}
	if count > 0 {
		logger.Info("registered mcp tools", "count", count)
	}
	return count
}

func parseMCPSchema(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return map[string]any{"type": "object"}
	}
	var schema map[string]any
	if err := json.Unmarshal(raw, &schema); err != nil {
		return map[string]any{"type": "object"}
	}
	return schema
}

type mcpTool struct {
	caller     MCPCaller
	serverName string
	toolName   string
	desc       string
	schema     map[string]any
}

func (t *mcpTool) Name() string {
	return fmt.Sprintf("mcp_%s_%s", t.serverName, t.toolName)
}

func (t *mcpTool) Description() string {
	if t.desc != "" {
		return t.desc
	}
	return fmt.Sprintf("Tool %s provided by MCP server %s.", t.toolName, t.serverName)
}

func (t *mcpTool) InputSchema() map[string]any { return t.schema }
func (t *mcpTool) Risk() Risk                  { return RiskMedium }

func (t *mcpTool) Execute(ctx context.Context, call Call) Result {
	args, err := json.Marshal(call.Input)
	if err != nil {
		return Errorf(ErrToolInternal, "marshal args: %v", err)
	}

	res, err := t.caller.CallTool(ctx, t.serverName, t.toolName, args)
	if err != nil {
		return mcpErrorResult(t.serverName, t.toolName, err)
	}

	out := Text(res.Text())
	if res.IsError {
		out.IsError = true
		out.ErrorType = ErrToolInternal
	}
	return out
}

// mcpErrorResult maps reliability-layer refusals onto the error types
// the model understands.
func mcpErrorResult(server, tool string, err error) Result {
	errType := ErrToolInternal
	switch {
	case errors.Is(err, mcp.ErrCircuitOpen):
		errType = ErrCircuitOpen
	case errors.Is(err, mcp.ErrBulkheadRejected):
		errType = ErrBulkheadRejected
	case errors.Is(err, mcp.ErrRateLimited):
		errType = ErrRateLimited
	case errors.Is(err, context.DeadlineExceeded):
		errType = ErrTimeout
	}
	return Errorf(errType, "mcp %s/%s: %v", server, tool, err)
}
