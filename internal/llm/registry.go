// Package llm routes model names to text generators.
package llm

import (
	"sort"
	"strings"
	"sync"

	"ragdocs/internal/domain"
)

type route struct {
	prefix string
	gen    domain.Generator
}

// Registry maps model name prefixes to generators. Unknown models fall back
// to the default generator, whose name becomes the effective model.
type Registry struct {
	mu       sync.RWMutex
	routes   []route
	fallback domain.Generator
}

// NewRegistry creates a registry that answers unknown models with fallback.
func NewRegistry(fallback domain.Generator) *Registry {
	return &Registry{fallback: fallback}
}

// Register routes every model starting with one of prefixes to gen.
// Longer prefixes win over shorter ones.
func (r *Registry) Register(gen domain.Generator, prefixes ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range prefixes {
		r.routes = append(r.routes, route{prefix: strings.ToLower(p), gen: gen})
	}
	sort.SliceStable(r.routes, func(i, j int) bool {
		return len(r.routes[i].prefix) > len(r.routes[j].prefix)
	})
}

// Resolve returns the generator for model and the model name it will run.
// An empty model resolves to the fallback.
func (r *Registry) Resolve(model string) (domain.Generator, string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m := strings.ToLower(strings.TrimSpace(model))
	if m != "" {
		if m == strings.ToLower(r.fallback.Name()) {
			return r.fallback, r.fallback.Name()
		}
		for _, rt := range r.routes {
			if strings.HasPrefix(m, rt.prefix) {
				return rt.gen, strings.TrimSpace(model)
			}
		}
	}
	return r.fallback, r.fallback.Name()
}

// Providers lists the registered generator names, fallback first.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := map[string]bool{r.fallback.Name(): true}
	out := []string{r.fallback.Name()}
	for _, rt := range r.routes {
		if !seen[rt.gen.Name()] {
			seen[rt.gen.Name()] = true
			out = append(out, rt.gen.Name())
		}
	}
	return out
}
