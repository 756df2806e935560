package tools

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/microclaw/internal/provider"
)

// subAgentAllowed names the tools available inside a sub-agent run.
// Everything that sends messages, writes memory, schedules work, or
// spawns further agents is withheld; file, search, web, and read-only
// tools stay available.
var subAgentAllowed = map[string]bool{
	"read_file":   true,
	"write_file":  true,
	"edit_file":   true,
	"glob":        true,
	"grep":        true,
	"shell":       true,
	"web_fetch":   true,
	"web_search":  true,
	"todo_read":   true,
	"use_skill":   true,
	"read_memory": true,
}

// Registry holds the tools exposed to the model for one class of run.
type Registry struct {
	tools map[string]Tool
	order []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool after verifying its input schema compiles.
// A tool whose schema does not compile is a programming error.
func (r *Registry) Register(t Tool) error {
	name := t.Name()
	if name == "" {
		return fmt.Errorf("register tool: empty name")
	}
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("register tool %s: already registered", name)
	}
	if err := compileSchema(name, t.InputSchema()); err != nil {
		return fmt.Errorf("register tool %s: %w", name, err)
	}
	r.tools[name] = t
	r.order = append(r.order, name)
	return nil
}

// MustRegister registers a set of tools, panicking on error. Used at
// startup where a broken schema should abort the process.
func (r *Registry) MustRegister(ts ...Tool) {
	for _, t := range ts {
		if err := r.Register(t); err != nil {
			panic(err)
		}
	}
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Names returns registered tool names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Definitions renders the registry as provider tool definitions, in
// registration order so prompts stay stable across runs.
func (r *Registry) Definitions() []provider.ToolDefinition {
	defs := make([]provider.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		defs = append(defs, provider.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.InputSchema(),
		})
	}
	return defs
}

// Restricted returns the sub-agent view of this registry: the fixed
// allowlist plus MCP-bridged tools, which stay read-mediated through
// their own reliability layer.
func (r *Registry) Restricted() *Registry {
	sub := NewRegistry()
	for _, name := range r.order {
		if subAgentAllowed[name] || strings.HasPrefix(name, "mcp_") {
			sub.tools[name] = r.tools[name]
			sub.order = append(sub.order, name)
		}
	}
	return sub
}

func compileSchema(name string, schema map[string]any) error {
	raw, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return fmt.Errorf("parse schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name+".json", doc); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	if _, err := c.Compile(name + ".json"); err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	return nil
}

// objectSchema is the common shape of tool input schemas.
func objectSchema(required []string, props map[string]any) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		sort.Strings(required)
		req := make([]any, len(required))
		for i, r := range required {
			req[i] = r
		}
		s["required"] = req
	}
	return s
}

func strProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func intProp(desc string) map[string]any {
	return map[string]any{"type": "integer", "description": desc}
}

func boolProp(desc string) map[string]any {
	return map[string]any{"type": "boolean", "description": desc}
}
