// Package layers holds the in-process registry of map layers produced by the
// upload pipeline. Everything here is volatile: the registry starts empty and
// is discarded with the process.
package layers

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/paulmach/orb/geojson"
)

// ErrNotFound is returned by Remove when no layer is registered under the name.
var ErrNotFound = errors.New("layer not found")

// Layer is one displayable dataset. Records are treated as immutable after
// Register; replace them by registering a new record under the same name.
type Layer struct {
	Name       string
	Features   *geojson.FeatureCollection
	Color      string  // "#rrggbb"
	Opacity    float64 // 0..1
	Source     string  // original archive filename, may be empty
	Extent     Bounds
	IngestedAt time.Time
}

// Registry maps layer names to records. The zero value is not usable; call
// NewRegistry.
type Registry struct {
	mu      sync.RWMutex
	layers  map[string]*Layer
	version uint64
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{layers: make(map[string]*Layer)}
}

// Register inserts l or replaces the record already stored under l.Name.
// Last write wins; there is no versioning of individual layers.
func (r *Registry) Register(l *Layer) {
	if l == nil {
		return
	}
	r.mu.Lock()
	r.layers[l.Name] = l
	r.version++
	r.mu.Unlock()
}

// Remove deletes the named layer.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.layers[name]; !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	delete(r.layers, name)
	r.version++
	return nil
}

// Get returns the named layer.
func (r *Registry) Get(name string) (*Layer, bool) {
	r.mu.RLock()
	l, ok := r.layers[name]
	r.mu.RUnlock()
	return l, ok
}

// List returns a snapshot of all layers. The map is a copy and may be
// modified by the caller; the records themselves are shared and must not be.
func (r *Registry) List() map[string]*Layer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*Layer, len(r.layers))
	for name, l := range r.layers {
		out[name] = l
	}
	return out
}

// Names returns the registered names in lexical order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.layers))
	for name := range r.layers {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Len reports how many layers are registered.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.layers)
}

// Version increases on every mutation. Readers use it to key caches.
func (r *Registry) Version() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// GlobalExtent is the union of every registered layer's extent.
// ok is false when the registry is empty.
func (r *Registry) GlobalExtent() (b Bounds, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return unionExtent(r.layers)
}

func unionExtent(set map[string]*Layer) (Bounds, bool) {
	if len(set) == 0 {
		return Bounds{}, false
	}
	global := EmptyBounds()
	for _, l := range set {
		global = global.Union(l.Extent)
	}
	if global.IsEmpty() {
		return Bounds{}, false
	}
	return global, true
}
