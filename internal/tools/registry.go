package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/voxpipe/voxpipe/pkg/types"
)

// ErrUnknownTool is returned (wrapped) by [Registry.Execute] when the named
// tool is not registered.
var ErrUnknownTool = errors.New("tools: unknown tool")

// entry pairs a registered tool with its compiled parameter schema.
type entry struct {
	tool   Tool
	schema *jsonschema.Schema // nil when the tool declares no parameters
}

// Registry holds the tools available to a pipeline. A name→tool map gives
// O(1) dispatch; a parallel order list keeps definition listings stable for
// prompt construction. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
	order   []string
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register adds tool to the registry, compiling its parameter schema so
// arguments can be validated at dispatch time. Registering an existing name
// replaces the tool in place, keeping its position in the definition order.
func (r *Registry) Register(tool Tool) error {
	if tool.Definition.Name == "" {
		return errors.New("tools: tool must have a non-empty name")
	}
	if tool.Handler == nil {
		return fmt.Errorf("tools: tool %q must have a handler", tool.Definition.Name)
	}
	schema, err := compileSchema(tool.Definition.Parameters)
	if err != nil {
		return fmt.Errorf("tools: invalid parameter schema for %q: %w", tool.Definition.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[tool.Definition.Name]; !exists {
		r.order = append(r.order, tool.Definition.Name)
	}
	r.entries[tool.Definition.Name] = entry{tool: tool, schema: schema}
	return nil
}

// Unregister removes the named tool. Removing an unknown name is a no-op.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[name]; !ok {
		return
	}
	delete(r.entries, name)
	if i := slices.Index(r.order, name); i >= 0 {
		r.order = slices.Delete(r.order, i, i+1)
	}
}

// Lookup returns the named tool and whether it is registered.
func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e.tool, ok
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Definitions returns the executor-free tool definitions in registration
// order, ready for a native tools list or prompt injection.
func (r *Registry) Definitions() []types.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]types.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.entries[name].tool.Definition)
	}
	return defs
}

// DefinitionsJSON renders [Registry.Definitions] as an indented JSON array.
func (r *Registry) DefinitionsJSON() (string, error) {
	data, err := json.MarshalIndent(r.Definitions(), "", "  ")
	if err != nil {
		return "", fmt.Errorf("tools: encode definitions: %w", err)
	}
	return string(data), nil
}

// Execute dispatches to the named tool after validating args against its
// parameter schema. Empty args are treated as "{}". Unknown names return an
// error wrapping [ErrUnknownTool]; validation and handler failures are
// returned as-is for the caller to serialise into a tool message.
func (r *Registry) Execute(ctx context.Context, name, args string) (string, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	if args == "" {
		args = "{}"
	}
	if e.schema != nil {
		var payload any
		if err := json.Unmarshal([]byte(args), &payload); err != nil {
			return "", fmt.Errorf("tools: arguments for %q are not valid JSON: %w", name, err)
		}
		if err := e.schema.Validate(payload); err != nil {
			return "", fmt.Errorf("tools: arguments for %q failed validation: %w", name, err)
		}
	}
	return e.tool.Handler(ctx, args)
}

// compileSchema compiles a JSON Schema parameter object. The document is
// round-tripped through encoding/json first so literal Go maps and the
// compiler agree on value types.
func compileSchema(params map[string]any) (*jsonschema.Schema, error) {
	if len(params) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, err
	}
	return c.Compile("schema.json")
}
