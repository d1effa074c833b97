// Package tooling is an explicit registry of tool handlers keyed by tool
// name, plus the workspace exposed to the agent as model-context tools
// over the MCP streamable-HTTP transport.
package tooling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Handler executes one named tool call. The returned string becomes the
// tool_result payload; isError flags a tool-level failure that the agent
// sees but that does not abort the run.
type Handler func(ctx context.Context, input json.RawMessage) (result string, isError bool, err error)

// Registry is the process-wide map from tool name to handler. Names are
// registered once at startup; Dispatch is safe for concurrent runs.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds name to h, rejecting duplicates so two components cannot
// silently shadow each other's tools.
func (r *Registry) Register(name string, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("tooling: tool %q already registered", name)
	}
	r.handlers[name] = h
	return nil
}

// Dispatch invokes the handler for name. An unknown name is a tool-level
// error, not a run failure: the agent receives it as an is_error result.
func (r *Registry) Dispatch(ctx context.Context, name string, input json.RawMessage) (string, bool, error) {
	r.mu.RLock()
	h, ok := r.handlers[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Sprintf("unknown tool %q", name), true, nil
	}
	return h(ctx, input)
}

// Names lists registered tools in no defined order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	return out
}
