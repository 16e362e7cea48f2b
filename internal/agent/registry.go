package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// MaxToolParamsSize is the maximum size of tool parameter JSON (1MB).
const MaxToolParamsSize = 1 << 20

// Registry is the declarative catalogue of callable tools. Tools are
// registered at process start; the registry is effectively immutable once
// the orchestrator starts serving turns.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool, compiling its parameter schema. Registering two
// tools under one name or an invalid schema is a boot-time bug, so both
// fail loudly.
func (r *Registry) Register(tool Tool) error {
	name := tool.Name()
	compiled, err := jsonschema.CompileString(name+".schema.json", string(tool.Schema()))
	if err != nil {
		return fmt.Errorf("compile schema for tool %q: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}
	r.tools[name] = tool
	r.schemas[name] = compiled
	return nil
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Tools returns all registered tools sorted by name, for passing to LLM
// providers.
func (r *Registry) Tools() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tools := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		tools = append(tools, t)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name() < tools[j].Name() })
	return tools
}

// Invoke validates args against the named tool's schema and runs its
// executor. Failures come back as typed errors: ErrUnknownTool,
// *SchemaViolationError, or *ToolExecutionError. Callers on the turn path
// fold these into the tool result text instead of aborting.
func (r *Registry) Invoke(ctx context.Context, name string, args json.RawMessage) (*ToolResult, error) {
	if len(args) > MaxToolParamsSize {
		return nil, &SchemaViolationError{
			Tool:  name,
			Cause: fmt.Errorf("parameters exceed maximum size of %d bytes", MaxToolParamsSize),
		}
	}

	r.mu.RLock()
	tool, ok := r.tools[name]
	schema := r.schemas[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	if err := validateArgs(schema, args); err != nil {
		return nil, &SchemaViolationError{Tool: name, Cause: err}
	}

	result, err := execute(ctx, tool, args)
	if err != nil {
		return nil, &ToolExecutionError{Tool: name, Cause: err}
	}
	if result == nil {
		result = &ToolResult{}
	}
	return result, nil
}

func validateArgs(schema *jsonschema.Schema, args json.RawMessage) error {
	if schema == nil {
		return nil
	}
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return fmt.Errorf("parameters are not valid JSON: %w", err)
	}
	return schema.Validate(decoded)
}

// execute runs the tool, converting a panic in the executor into an error
// so one misbehaving tool cannot take down the turn.
func execute(ctx context.Context, tool Tool, args json.RawMessage) (result *ToolResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	return tool.Execute(ctx, args)
}
