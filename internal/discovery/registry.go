package discovery

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Registration holds the selector an opaque id stands for. The registry
// never holds element handles; the selector re-finds the element at use
// time, so a stale id fails at resolution rather than dereferencing a
// dead node.
type Registration struct {
	Selector   string
	Tag        string
	Generation int
}

// Registry issues short element ids for the quick and detailed discovery
// passes. Ids are scoped to a page generation: a navigation bumps the
// generation and every outstanding id becomes unresolvable at once.
type Registry struct {
	mu         sync.Mutex
	generation int
	quick      map[string]Registration
	detailed   map[string]Registration
}

func NewRegistry() *Registry {
	return &Registry{
		quick:    make(map[string]Registration),
		detailed: make(map[string]Registration),
	}
}

// RegisterQuick records a quick-pass candidate and returns its id.
func (r *Registry) RegisterQuick(selector, tag string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := "q-" + shortID()
	r.quick[id] = Registration{Selector: selector, Tag: tag, Generation: r.generation}
	return id
}

// RegisterDetailed records a detailed-pass element and returns its id.
func (r *Registry) RegisterDetailed(selector, tag string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := "e-" + shortID()
	r.detailed[id] = Registration{Selector: selector, Tag: tag, Generation: r.generation}
	return id
}

// Resolve looks an id up in either registry. Ids from a previous page
// generation are gone, the caller must re-discover.
func (r *Registry) Resolve(id string) (Registration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if reg, ok := r.quick[id]; ok {
		return reg, nil
	}
	if reg, ok := r.detailed[id]; ok {
		return reg, nil
	}
	return Registration{}, fmt.Errorf("element id %q not found: ids expire on navigation, run discovery again", id)
}

// InvalidateAll drops every registered id and advances the generation.
// Called on navigation and page reload.
func (r *Registry) InvalidateAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generation++
	r.quick = make(map[string]Registration)
	r.detailed = make(map[string]Registration)
}

// Generation returns the current page generation.
func (r *Registry) Generation() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.generation
}

// Counts reports registered ids per pass, for the health surface.
func (r *Registry) Counts() (quick, detailed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.quick), len(r.detailed)
}

func shortID() string {
	return uuid.NewString()[:8]
}
