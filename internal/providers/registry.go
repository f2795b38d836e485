package providers

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry holds the configured providers and CLI backends by name.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	cli       map[string]*CLIBackend
}

func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		cli:       make(map[string]*CLIBackend),
	}
}

// Register adds or replaces an HTTP provider.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[normalizeName(p.Name())] = p
}

// RegisterCLI adds or replaces an external-process backend.
func (r *Registry) RegisterCLI(b *CLIBackend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cli[normalizeName(b.Name)] = b
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[normalizeName(name)]
	if !ok {
		return nil, fmt.Errorf("provider not found: %s", name)
	}
	return p, nil
}

// CLI returns the CLI backend registered under name.
func (r *Registry) CLI(name string) (*CLIBackend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.cli[normalizeName(name)]
	return b, ok
}

// IsCLI reports whether name is served by an external process.
func (r *Registry) IsCLI(name string) bool {
	_, ok := r.CLI(name)
	return ok
}

// Names lists every registered provider and CLI backend.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers)+len(r.cli))
	for n := range r.providers {
		names = append(names, n)
	}
	for n := range r.cli {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func normalizeName(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
