package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/venzel/stepflow/internal/logging"
	"github.com/venzel/stepflow/pkg/schema"
)

// Registry is a thread-safe tool registry. It doubles as the engine's
// Invoker: a step naming a tool resolves, validates, and executes through
// Invoke.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]Tool),
	}
}

// Register adds a tool to the registry. Duplicate names are rejected.
func (r *Registry) Register(tool Tool) error {
	if tool == nil {
		return schema.NewError(schema.ErrCodeValidation, "tool is nil")
	}
	name := tool.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "tool name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "tool %q already registered", name)
	}

	r.tools[name] = tool
	return nil
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, ok := r.tools[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeToolNotFound, "tool %q not registered", name)
	}
	return tool, nil
}

// Has checks whether a tool is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// List returns info for all registered tools, sorted by name.
func (r *Registry) List() []ToolInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ToolInfo, 0, len(r.tools))
	for _, t := range r.tools {
		s := t.Schema()
		infos = append(infos, ToolInfo{
			Name:        t.Name(),
			Description: s.Description,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}

// RegisterPlugin bulk-registers tools under a prefixed namespace. Each tool
// name becomes "prefix.originalName" (e.g. "github.create_issue").
func (r *Registry) RegisterPlugin(prefix string, ts []Tool) (int, error) {
	if prefix == "" {
		return 0, schema.NewError(schema.ErrCodeValidation, "plugin prefix is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	registered := 0
	for _, t := range ts {
		prefixed := fmt.Sprintf("%s.%s", prefix, t.Name())
		if _, exists := r.tools[prefixed]; exists {
			return registered, schema.NewErrorf(schema.ErrCodeConflict, "plugin tool %q already registered", prefixed)
		}
		r.tools[prefixed] = &prefixedTool{inner: t, name: prefixed}
		registered++
	}
	return registered, nil
}

// Unregister removes every tool under the given prefix (plugin unload).
// Returns the number of tools removed.
func (r *Registry) Unregister(prefix string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for name := range r.tools {
		if name == prefix || len(name) > len(prefix) && name[:len(prefix)+1] == prefix+"." {
			delete(r.tools, name)
			removed++
		}
	}
	return removed
}

// Invoke resolves the named tool, validates the resolved params against it,
// executes it, and decodes its output into a plain value. This is the
// boundary the workflow runner calls through.
func (r *Registry) Invoke(ctx context.Context, name string, params map[string]any) (any, error) {
	tool, err := r.Get(name)
	if err != nil {
		return nil, err
	}

	if params == nil {
		params = map[string]any{}
	}
	if err := tool.Validate(params); err != nil {
		return nil, err
	}

	out, err := tool.Execute(ctx, ToolInput{Params: params, Context: runContext(ctx)})
	if err != nil {
		return nil, err
	}
	if out == nil || len(out.Data) == 0 {
		return nil, nil
	}

	var result any
	if err := json.Unmarshal(out.Data, &result); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStepExecution,
			"tool %q returned undecodable output: %v", name, err).WithCause(err)
	}
	return result, nil
}

// runContext builds the tool-visible context map from the correlation IDs
// the runner put on ctx.
func runContext(ctx context.Context) map[string]any {
	m := map[string]any{}
	if id := logging.RunID(ctx); id != "" {
		m["run_id"] = id
	}
	if id := logging.StepID(ctx); id != "" {
		m["step_id"] = id
	}
	if len(m) == 0 {
		return nil
	}
	return m
}

// prefixedTool wraps a plugin tool with a prefixed name.
type prefixedTool struct {
	inner Tool
	name  string
}

func (p *prefixedTool) Name() string                         { return p.name }
func (p *prefixedTool) Schema() ToolSchema                   { return p.inner.Schema() }
func (p *prefixedTool) Validate(params map[string]any) error { return p.inner.Validate(params) }

func (p *prefixedTool) Execute(ctx context.Context, input ToolInput) (*ToolOutput, error) {
	return p.inner.Execute(ctx, input)
}
