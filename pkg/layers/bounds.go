package layers

import (
	"math"

	"github.com/paulmach/orb"
)

// Bounds is an axis-aligned extent in WGS84 degrees.
// Field order mirrors the GeoJSON bbox convention: [minLon, minLat, maxLon, maxLat].
type Bounds struct {
	MinLon float64 `json:"minLon"`
	MinLat float64 `json:"minLat"`
	MaxLon float64 `json:"maxLon"`
	MaxLat float64 `json:"maxLat"`
}

// EmptyBounds returns the inverted sentinel used before the first Extend.
// Any real point shrinks it into a valid box.
func EmptyBounds() Bounds {
	return Bounds{MinLon: 180, MinLat: 90, MaxLon: -180, MaxLat: -90}
}

// BoundsFromOrb converts an orb bound (X=lon, Y=lat).
func BoundsFromOrb(b orb.Bound) Bounds {
	return Bounds{MinLon: b.Min[0], MinLat: b.Min[1], MaxLon: b.Max[0], MaxLat: b.Max[1]}
}

// IsEmpty reports whether no point was ever folded into b.
func (b Bounds) IsEmpty() bool {
	return b.MinLon > b.MaxLon || b.MinLat > b.MaxLat ||
		math.IsNaN(b.MinLon) || math.IsNaN(b.MinLat)
}

// Union expands b so it also covers o. Empty operands are ignored.
func (b Bounds) Union(o Bounds) Bounds {
	if o.IsEmpty() {
		return b
	}
	if b.IsEmpty() {
		return o
	}
	if o.MinLat < b.MinLat {
		b.MinLat = o.MinLat
	}
	if o.MaxLat > b.MaxLat {
		b.MaxLat = o.MaxLat
	}
	if o.MinLon < b.MinLon {
		b.MinLon = o.MinLon
	}
	if o.MaxLon > b.MaxLon {
		b.MaxLon = o.MaxLon
	}
	return b
}

// Array returns [minLon, minLat, maxLon, maxLat].
func (b Bounds) Array() [4]float64 {
	return [4]float64{b.MinLon, b.MinLat, b.MaxLon, b.MaxLat}
}

// LatLng returns the south-west and north-east corners as [lat, lon] pairs,
// the order Leaflet's fitBounds expects.
func (b Bounds) LatLng() [2][2]float64 {
	return [2][2]float64{
		{b.MinLat, b.MinLon},
		{b.MaxLat, b.MaxLon},
	}
}
