package layers

import (
	"github.com/paulmach/orb/geojson"
)

// LayerView is the client-facing projection of a Layer.
type LayerView struct {
	GeoJSON *geojson.FeatureCollection `json:"geojson"`
	Color   string                     `json:"color"`
	Opacity float64                    `json:"opacity"`
}

// View is what the map page consumes. Bounds holds [[minLat,minLon],[maxLat,maxLon]]
// or null when nothing is registered.
type View struct {
	Layers  map[string]LayerView `json:"layers"`
	Bounds  *[2][2]float64       `json:"bounds"`
	Version uint64               `json:"-"`
}

// Snapshot builds a View from a single consistent read of the registry, so the
// layers and the bounds always describe the same state.
func (r *Registry) Snapshot() View {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v := View{
		Layers:  make(map[string]LayerView, len(r.layers)),
		Version: r.version,
	}
	for name, l := range r.layers {
		v.Layers[name] = l.View()
	}
	if b, ok := unionExtent(r.layers); ok {
		ll := b.LatLng()
		v.Bounds = &ll
	}
	return v
}

// View returns the client projection of l.
func (l *Layer) View() LayerView {
	return LayerView{GeoJSON: l.Features, Color: l.Color, Opacity: l.Opacity}
}
