package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// Tool is a capability the model can call. Arguments arrive decoded from the
// model's JSON; the result is sent back as text (non-string results are
// JSON-encoded).
type Tool interface {
	Definition() ToolDefinition
	Call(ctx context.Context, args map[string]any) (any, error)
}

// ToolResult is the outcome of one dispatched tool call.
type ToolResult struct {
	CallID   string        `json:"call_id"`
	Name     string        `json:"name"`
	Content  string        `json:"content"`
	IsError  bool          `json:"is_error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// ToolFunc is the function shape adapted by NewFuncTool.
type ToolFunc func(ctx context.Context, args map[string]any) (any, error)

type funcTool struct {
	def ToolDefinition
	fn  ToolFunc
}

// NewFuncTool adapts fn into a Tool described by def.
func NewFuncTool(def ToolDefinition, fn ToolFunc) Tool {
	return &funcTool{def: def, fn: fn}
}

func (t *funcTool) Definition() ToolDefinition { return t.def }

func (t *funcTool) Call(ctx context.Context, args map[string]any) (any, error) {
	return t.fn(ctx, args)
}

// Param describes one tool parameter for ParamSchema.
type Param struct {
	Name        string
	Type        string // JSON Schema type: string, number, integer, boolean, object, array
	Description string
	Required    bool
}

// ParamSchema builds the parameters schema sent in tool descriptors:
//
//	{"type":"object","properties":{"a":{"type":"number","description":"...","required":true}},"required":["a"]}
func ParamSchema(params ...Param) json.RawMessage {
	type prop struct {
		Type        string `json:"type"`
		Description string `json:"description,omitempty"`
		Required    bool   `json:"required"`
	}
	schema := struct {
		Type       string          `json:"type"`
		Properties map[string]prop `json:"properties"`
		Required   []string        `json:"required"`
	}{
		Type:       "object",
		Properties: make(map[string]prop, len(params)),
		Required:   []string{},
	}
	for _, p := range params {
		schema.Properties[p.Name] = prop{Type: p.Type, Description: p.Description, Required: p.Required}
		if p.Required {
			schema.Required = append(schema.Required, p.Name)
		}
	}
	b, _ := json.Marshal(schema)
	return b
}

// ToolRegistry holds tools by name. Safe for concurrent use.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools []Tool
	index map[string]Tool
}

// NewToolRegistry creates a registry holding tools.
func NewToolRegistry(tools ...Tool) *ToolRegistry {
	r := &ToolRegistry{index: make(map[string]Tool)}
	for _, t := range tools {
		r.Add(t)
	}
	return r
}

// Add registers a tool, replacing any tool with the same name.
func (r *ToolRegistry) Add(t Tool) {
	name := t.Definition().Name
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.index[name]; exists {
		for i, old := range r.tools {
			if old.Definition().Name == name {
				r.tools[i] = t
			}
		}
	} else {
		r.tools = append(r.tools, t)
	}
	r.index[name] = t
}

func (r *ToolRegistry) Get(name string) (Tool, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.index[name]
	return t, ok
}

// Names returns tool names in registration order.
func (r *ToolRegistry) Names() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.tools))
	for i, t := range r.tools {
		names[i] = t.Definition().Name
	}
	return names
}

// Definitions returns the definitions of the tools enabled for rc, in
// registration order.
func (r *ToolRegistry) Definitions(rc RunContext, logger *slog.Logger) []ToolDefinition {
	var defs []ToolDefinition
	for _, t := range r.Enabled(rc, logger) {
		defs = append(defs, t.Definition())
	}
	return defs
}

// Enabled returns the tools whose Enabled predicate holds for rc.
func (r *ToolRegistry) Enabled(rc RunContext, logger *slog.Logger) []Tool {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	tools := slices.Clone(r.tools)
	r.mu.RUnlock()

	var out []Tool
	for _, t := range tools {
		if t.Definition().Enabled.Eval(rc, logger) {
			out = append(out, t)
		}
	}
	return out
}
