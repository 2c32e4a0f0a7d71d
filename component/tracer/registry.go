package tracer

import "sync"

type entry struct {
	ConnectionID string
	Tracer       *ConnectionTracer
}

// Registry is an ordered list of the tracers attached to an endpoint's connections.
type Registry struct {
	mu      sync.Mutex
	entries []entry
}

func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) Add(t *ConnectionTracer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries = append(r.entries, entry{ConnectionID: t.ID(), Tracer: t})
}

func (r *Registry) Get(connID string) (*ConnectionTracer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.entries {
		if e.ConnectionID == connID {
			return e.Tracer, true
		}
	}
	return nil, false
}

// Remove drops the tracer of connID and closes its log file.
func (r *Registry) Remove(connID string) {
	r.mu.Lock()
	var removed *ConnectionTracer
	for i, e := range r.entries {
		if e.ConnectionID == connID {
			removed = e.Tracer
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	if removed != nil {
		removed.CloseLogFile()
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// CloseAll closes every tracer's log file and empties the registry.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	entries := r.entries
	r.entries = nil
	r.mu.Unlock()

	for _, e := range entries {
		e.Tracer.CloseLogFile()
	}
}
