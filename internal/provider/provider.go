package provider

import (
	"context"
	"sort"
	"sync"

	"maestro/internal/faults"
	"maestro/internal/statedoc"
)

// Request is one unit of generation work handed to a backend. Payload is the
// decoded request document persisted on the provider run, so a retried run
// always replays the identical request.
type Request struct {
	JobID   string
	RunType string
	Payload statedoc.Doc
}

// Result is what a backend produced. ContentJSON carries structured output
// such as lyrics or a plan, MediaRef points at rendered media, and ScoreJSON
// carries the backend's self-assessment when it supplies one.
type Result struct {
	ContentJSON string
	MediaRef    string
	ScoreJSON   string
}

// Provider executes generation requests against one backend.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req Request) (*Result, error)
}

// Registry resolves provider names to configured backends.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider under its name, replacing any previous entry.
func (r *Registry) Register(p Provider) {
	if p == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Lookup resolves a provider by name. An unknown name is a configuration
// fault: the run referenced a backend the daemon was never given.
func (r *Registry) Lookup(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, faults.Wrap(faults.ErrConfiguration, "", "provider lookup", "unknown provider "+name, nil)
	}
	return p, nil
}

// Names returns the registered provider names sorted for stable output.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
