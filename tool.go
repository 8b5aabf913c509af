package afk

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Tool defines an agent capability with one or more tool functions.
type Tool interface {
	Definitions() []ToolDefinition
	Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error)
}

// ToolResult is the outcome of a tool execution. A non-empty Error marks a
// recoverable failure that is recorded in the transcript so the model can
// react; infrastructure failures travel the error return instead.
type ToolResult struct {
	Content string `json:"content"`
	Error   string `json:"error,omitempty"`
}

// funcTool adapts a single function into a Tool.
type funcTool struct {
	def ToolDefinition
	fn  func(ctx context.Context, args json.RawMessage) (string, error)
}

// NewFuncTool wraps fn as a Tool with one definition.
func NewFuncTool(def ToolDefinition, fn func(ctx context.Context, args json.RawMessage) (string, error)) Tool {
	return &funcTool{def: def, fn: fn}
}

func (t *funcTool) Definitions() []ToolDefinition { return []ToolDefinition{t.def} }

func (t *funcTool) Execute(ctx context.Context, _ string, args json.RawMessage) (ToolResult, error) {
	out, err := t.fn(ctx, args)
	if err != nil {
		return ToolResult{}, err
	}
	return ToolResult{Content: out}, nil
}

// ToolRegistry maps tool names to implementations and validates call
// arguments against each definition's parameter schema before dispatch.
// Registration is not concurrency-safe with execution; register everything
// before the first run.
type ToolRegistry struct {
	mu      sync.RWMutex
	byName  map[string]Tool
	defs    map[string]ToolDefinition
	order   []string
	schemas map[string]*jsonschema.Schema
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		byName:  make(map[string]Tool),
		defs:    make(map[string]ToolDefinition),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool. Duplicate tool names, empty names, and invalid
// parameter schemas are rejected; nothing is registered on error.
func (r *ToolRegistry) Register(t Tool) error {
	defs := t.Definitions()
	compiled := make([]*jsonschema.Schema, len(defs))
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, def := range defs {
		if def.Name == "" {
			return &ConfigError{Field: "tool", Reason: "definition with empty name"}
		}
		if _, exists := r.byName[def.Name]; exists {
			return &ConfigError{Field: "tool", Reason: fmt.Sprintf("duplicate tool %q", def.Name)}
		}
		schema, err := compileToolSchema(def)
		if err != nil {
			return err
		}
		compiled[i] = schema
	}
	for i, def := range defs {
		r.byName[def.Name] = t
		r.defs[def.Name] = def
		r.order = append(r.order, def.Name)
		if compiled[i] != nil {
			r.schemas[def.Name] = compiled[i]
		}
	}
	return nil
}

// AllDefinitions returns every registered definition in registration order.
func (r *ToolRegistry) AllDefinitions() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.defs[name])
	}
	return defs
}

// Has reports whether a tool name is registered.
func (r *ToolRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byName[name]
	return ok
}

// Execute validates args against the tool's parameter schema and dispatches.
// Unknown tools and invalid arguments come back as ToolResult errors rather
// than Go errors, so the model sees them in the transcript and can correct
// itself.
func (r *ToolRegistry) Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error) {
	r.mu.RLock()
	tool, ok := r.byName[name]
	schema := r.schemas[name]
	r.mu.RUnlock()
	if !ok {
		return ToolResult{Error: "unknown tool: " + name}, nil
	}
	if schema != nil {
		if err := validateToolArgs(schema, args); err != nil {
			return ToolResult{Error: "invalid arguments: " + err.Error()}, nil
		}
	}
	return tool.Execute(ctx, name, args)
}

func compileToolSchema(def ToolDefinition) (*jsonschema.Schema, error) {
	if len(def.Parameters) == 0 {
		return nil, nil
	}
	var doc any
	if err := json.Unmarshal(def.Parameters, &doc); err != nil {
		return nil, &SchemaError{Subject: "tool " + def.Name, Causes: []string{err.Error()}}
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, &SchemaError{Subject: "tool " + def.Name, Causes: []string{err.Error()}}
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return nil, &SchemaError{Subject: "tool " + def.Name, Causes: []string{err.Error()}}
	}
	return schema, nil
}

func validateToolArgs(schema *jsonschema.Schema, args json.RawMessage) error {
	var doc any
	if len(args) == 0 {
		doc = map[string]any{}
	} else if err := json.Unmarshal(args, &doc); err != nil {
		return err
	}
	return schema.Validate(doc)
}
