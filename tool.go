package starling

import (
	"context"
	"fmt"
)

// ToolProvider exposes a set of tool definitions and executes them by name.
// Implementations must be safe for concurrent use: the session dispatches
// tool calls from parallel goroutines.
type ToolProvider interface {
	Definitions() []ToolDefinition
	// Execute runs the named tool with JSON-decoded keyword arguments.
	// Unknown names return a failed ToolResult, not an error; the error
	// return is reserved for infrastructure failures.
	Execute(ctx context.Context, name string, args map[string]any) (ToolResult, error)
}

// StreamingToolProvider is a ToolProvider whose tools can emit progress
// while running. Progress may be nil when the caller has no consumer.
type StreamingToolProvider interface {
	ToolProvider
	ExecuteStreaming(ctx context.Context, name string, args map[string]any, progress chan<- SandboxMessage) (ToolResult, error)
}

// FailResult builds a failed ToolResult with a message payload.
func FailResult(format string, args ...any) ToolResult {
	return ToolResult{Success: false, Result: fmt.Sprintf(format, args...)}
}

// OKResult builds a successful ToolResult.
func OKResult(v any) ToolResult {
	return ToolResult{Success: true, Result: v}
}

// HandleValue is the conventional return of a handle-returning tool: the
// first call spawns a background task and returns this marker; hidden
// follow-up tools accept the id.
func HandleValue(kind, id string) map[string]any {
	return map[string]any{"__handle__": kind, "id": id}
}

// Registry composes tool providers by name. The first provider that
// recognises a name handles it. Duplicate names are rejected at Add time.
type Registry struct {
	providers []ToolProvider
	names     map[string]ToolProvider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{names: make(map[string]ToolProvider)}
}

// Add registers a provider. Returns an error if any of its definition names
// is already claimed.
func (r *Registry) Add(p ToolProvider) error {
	for _, d := range p.Definitions() {
		if _, exists := r.names[d.Name]; exists {
			return fmt.Errorf("registry: duplicate tool name %q", d.Name)
		}
	}
	for _, d := range p.Definitions() {
		r.names[d.Name] = p
	}
	r.providers = append(r.providers, p)
	return nil
}

// Definitions returns all definitions from all providers, including hidden
// ones. Use VisibleDefinitions for the LLM-facing list.
func (r *Registry) Definitions() []ToolDefinition {
	var defs []ToolDefinition
	for _, p := range r.providers {
		defs = append(defs, p.Definitions()...)
	}
	return defs
}

// VisibleDefinitions returns the definitions with Hidden entries removed.
func (r *Registry) VisibleDefinitions() []ToolDefinition {
	var defs []ToolDefinition
	for _, d := range r.Definitions() {
		if !d.Hidden {
			defs = append(defs, d)
		}
	}
	return defs
}

// Execute dispatches a tool call by name.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (ToolResult, error) {
	p, ok := r.names[name]
	if !ok {
		return FailResult("unknown tool: %s", name), nil
	}
	return p.Execute(ctx, name, args)
}

// ExecuteStreaming dispatches with a progress channel when the owning
// provider supports streaming; otherwise falls back to plain Execute.
func (r *Registry) ExecuteStreaming(ctx context.Context, name string, args map[string]any, progress chan<- SandboxMessage) (ToolResult, error) {
	p, ok := r.names[name]
	if !ok {
		return FailResult("unknown tool: %s", name), nil
	}
	if sp, ok := p.(StreamingToolProvider); ok {
		return sp.ExecuteStreaming(ctx, name, args, progress)
	}
	return p.Execute(ctx, name, args)
}

// compile-time check
var _ StreamingToolProvider = (*Registry)(nil)
