package geo

import (
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/wroge/wgs84"
)

var (
	// ErrUnsupportedCRS is returned when the transformer has no definition
	// for the source EPSG code.
	ErrUnsupportedCRS = errors.New("coordinate reference system not supported")
	// ErrOutOfRange marks a reprojected point outside lon [-180,180] / lat [-90,90].
	ErrOutOfRange = errors.New("coordinate outside WGS84 range")
)

// Projector maps one source coordinate into WGS84 longitude/latitude.
type Projector func(orb.Point) (orb.Point, error)

// NewProjector returns a Projector from the given EPSG code into EPSG:4326.
// The canonical frame itself gets an identity projector that only range-checks.
func NewProjector(epsg int) (Projector, error) {
	if epsg <= 0 {
		return nil, fmt.Errorf("%w: EPSG:%d", ErrUnsupportedCRS, epsg)
	}
	if epsg == WGS84 {
		return checkRange, nil
	}

	repo := wgs84.EPSG()
	// unknown codes would be read as geocentric and yield plausible garbage
	if repo.Code(epsg) == nil {
		return nil, fmt.Errorf("%w: EPSG:%d", ErrUnsupportedCRS, epsg)
	}
	transform := repo.Transform(epsg, WGS84)
	return func(p orb.Point) (orb.Point, error) {
		lon, lat, _ := transform(p[0], p[1], 0)
		if math.IsNaN(lon) || math.IsNaN(lat) {
			return orb.Point{}, fmt.Errorf("%w: EPSG:%d", ErrUnsupportedCRS, epsg)
		}
		return checkRange(orb.Point{lon, lat})
	}, nil
}

func checkRange(p orb.Point) (orb.Point, error) {
	lon, lat := p[0], p[1]
	if math.IsNaN(lon) || math.IsNaN(lat) || math.IsInf(lon, 0) || math.IsInf(lat, 0) ||
		lon < -180 || lon > 180 || lat < -90 || lat > 90 {
		return orb.Point{}, fmt.Errorf("%w: (%g, %g)", ErrOutOfRange, lon, lat)
	}
	return p, nil
}
