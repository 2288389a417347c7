package source

import (
	"sort"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/sells-group/reconciler/internal/model"
)

// Registry maps sources to their processors.
type Registry struct {
	mu    sync.RWMutex
	procs map[model.Source]Processor
}

// NewRegistry creates a registry holding procs.
func NewRegistry(procs ...Processor) *Registry {
	r := &Registry{procs: make(map[model.Source]Processor)}
	for _, p := range procs {
		r.Register(p)
	}
	return r
}

// Register adds or replaces the processor for p.Source().
func (r *Registry) Register(p Processor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.procs[p.Source()] = p
}

// Get returns the processor for src.
func (r *Registry) Get(src model.Source) (Processor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.procs[src]
	if !ok {
		return nil, eris.Errorf("source: %q is not registered", src)
	}
	return p, nil
}

// Sources returns every registered source, sorted.
func (r *Registry) Sources() []model.Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Source, 0, len(r.procs))
	for s := range r.procs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
