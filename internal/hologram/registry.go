package hologram

import (
	"sync"

	"go.uber.org/zap"

	"github.com/kudzu-systems/kudzu/internal/store"
)

// Registry tracks the holograms hosted by this process. It is constructed
// explicitly and handed to whoever needs it; there is no package-level
// instance.
type Registry struct {
	engine *store.Engine
	log    *zap.Logger

	mu        sync.RWMutex
	holograms map[string]*Hologram
	order     []string
}

// NewRegistry creates an empty registry over a storage engine.
func NewRegistry(engine *store.Engine, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		engine:    engine,
		log:       log,
		holograms: make(map[string]*Hologram),
	}
}

// Spawn creates a hologram for the given purpose and registers it.
func (r *Registry) Spawn(purpose string) *Hologram {
	h := Spawn(purpose, r.engine, r.log)
	r.mu.Lock()
	r.holograms[h.id] = h
	r.order = append(r.order, h.id)
	r.mu.Unlock()
	r.log.Info("hologram spawned", zap.String("id", h.id), zap.String("purpose", purpose))
	return h
}

// Stop stops a hologram and removes it from the registry. Its hot traces
// are demoted to warm so they stay recallable by the mesh.
func (r *Registry) Stop(id string) error {
	r.mu.Lock()
	h, ok := r.holograms[id]
	if ok {
		delete(r.holograms, id)
		for i, hid := range r.order {
			if hid == id {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	}
	r.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	h.Stop()
	r.engine.ReleaseHot(id)
	r.log.Info("hologram stopped", zap.String("id", id))
	return nil
}

// FindByID looks up a hosted hologram.
func (r *Registry) FindByID(id string) (*Hologram, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.holograms[id]
	if !ok {
		return nil, ErrNotFound
	}
	return h, nil
}

// FindByPurpose returns all hosted holograms with the given purpose, in
// spawn order.
func (r *Registry) FindByPurpose(purpose string) []*Hologram {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Hologram
	for _, id := range r.order {
		if h := r.holograms[id]; h.purpose == purpose {
			out = append(out, h)
		}
	}
	return out
}

// List returns all hosted holograms in spawn order.
func (r *Registry) List() []*Hologram {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Hologram, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.holograms[id])
	}
	return out
}

// Count returns the number of hosted holograms.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.holograms)
}

// Close stops every hosted hologram.
func (r *Registry) Close() {
	for _, h := range r.List() {
		// Ignore ErrNotFound from concurrent stops.
		_ = r.Stop(h.id)
	}
}
