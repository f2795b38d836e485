package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Registry holds the tools available to the embedded runtime.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds or replaces a tool.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns all tools sorted by name.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Execute runs the named tool, converting unknown tools and panics into
// error results so one bad tool call cannot take down the turn.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (res *Result) {
	t, ok := r.Get(name)
	if !ok {
		return ErrorResult(fmt.Sprintf("unknown tool: %s", name))
	}
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			slog.Error("tools: tool panicked", "tool", name, "panic", p)
			res = ErrorResult(fmt.Sprintf("tool %s failed", name))
		}
		slog.Debug("tools: executed", "tool", name, "duration_ms", time.Since(start).Milliseconds(), "error", res != nil && res.IsError)
	}()
	res = t.Execute(ctx, args)
	if res == nil {
		res = NewResult("")
	}
	return res
}
