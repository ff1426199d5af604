// Package providers implements the upstream data source adapters and their
// registry. Each adapter speaks one provider's HTTP API and normalizes its
// payloads into the uniform column/row shape the engine works with.
package providers

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/coinscribe/coinscribe/pkg/engine"
)

// Registry maps provider names to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]engine.Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]engine.Adapter)}
}

// NewDefaultRegistry creates a registry with every built-in adapter wired to
// a shared HTTP client.
func NewDefaultRegistry(logger zerolog.Logger) *Registry {
	client := &http.Client{Timeout: 30 * time.Second}

	r := NewRegistry()
	r.Register(NewCoinGecko(client, logger))
	r.Register(NewDefiLlama(client, logger))
	r.Register(NewOpenSea(client, logger))
	return r
}

// Register adds an adapter under its own name, replacing any previous one.
func (r *Registry) Register(a engine.Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

// Lookup implements engine.AdapterRegistry.
func (r *Registry) Lookup(provider string) (engine.Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[provider]
	return a, ok
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
