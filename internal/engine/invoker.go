package engine

import "context"

// Invoker executes a named tool with resolved parameters. The engine calls
// Invoke once per attempt; retries and backoff are handled by the caller.
type Invoker interface {
	Invoke(ctx context.Context, tool string, params map[string]any) (any, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, tool string, params map[string]any) (any, error)

func (f InvokerFunc) Invoke(ctx context.Context, tool string, params map[string]any) (any, error) {
	return f(ctx, tool, params)
}
