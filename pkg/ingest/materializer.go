package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/text/encoding"

	"chicha-shape-map/pkg/geo"
	"chicha-shape-map/pkg/layers"
)

// Policies for shapefiles shipped without a .prj companion.
const (
	// ProjectionReject fails the upload with ErrMissingProjection.
	ProjectionReject = "reject"
	// ProjectionAssumeWGS84 treats the coordinates as EPSG:4326 already.
	ProjectionAssumeWGS84 = "assume-wgs84"
)

// Materializer converts a located shapefile into a registry-ready layer.
type Materializer struct {
	MissingProjection string
	Display           DisplayPolicy
	Now               func() time.Time
}

// NewMaterializer returns a Materializer; an empty policy means ProjectionReject
// and a nil display policy means a randomly seeded Palette.
func NewMaterializer(missingProjection string, display DisplayPolicy) *Materializer {
	if missingProjection == "" {
		missingProjection = ProjectionReject
	}
	if display == nil {
		display = NewPalette(PaletteConfig{})
	}
	return &Materializer{MissingProjection: missingProjection, Display: display, Now: time.Now}
}

// Materialize parses ds, reprojects it to WGS84 and wraps it as a Layer
// named exactly name. The layer's Extent is the bounding box of the
// reprojected geometries.
func (m *Materializer) Materialize(ctx context.Context, ds *Dataset, name string) (*layers.Layer, error) {
	for _, ext := range []string{".shx", ".dbf"} {
		if _, ok := ds.Sidecar(ext); !ok {
			return nil, fmt.Errorf("%w: companion %s missing next to %s", ErrUnreadableDataset, ext, ds.Primary)
		}
	}

	epsg, err := m.sourceEPSG(ds)
	if err != nil {
		return nil, err
	}
	project, err := geo.NewProjector(epsg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnreadableDataset, err)
	}

	res, err := geo.ReadShapefile(ctx, ds.Primary, geo.ReadOptions{
		Project: project,
		Decoder: codePageDecoder(ds),
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrUnreadableDataset, err)
	}

	return &layers.Layer{
		Name:       name,
		Features:   res.Features,
		Color:      m.Display.Color(),
		Opacity:    m.Display.Opacity(),
		Source:     ds.Source,
		Extent:     layers.BoundsFromOrb(res.Bound),
		IngestedAt: m.now(),
	}, nil
}

func (m *Materializer) now() time.Time {
	if m.Now == nil {
		return time.Now()
	}
	return m.Now()
}

// sourceEPSG resolves the dataset's reference system from its .prj.
func (m *Materializer) sourceEPSG(ds *Dataset) (int, error) {
	prj, ok := ds.Sidecar(".prj")
	if !ok {
		if m.MissingProjection == ProjectionAssumeWGS84 {
			return geo.WGS84, nil
		}
		return 0, fmt.Errorf("%w: no .prj next to %s", ErrMissingProjection, ds.Primary)
	}
	raw, err := os.ReadFile(prj)
	if err != nil {
		return 0, fmt.Errorf("%w: read .prj: %w", ErrUnreadableDataset, err)
	}
	crs, err := geo.ParsePRJ(string(raw))
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrUnreadableDataset, err)
	}
	return crs.EPSG, nil
}

// codePageDecoder returns the attribute decoder named by the .cpg companion.
// An unknown code page keeps the raw bytes.
func codePageDecoder(ds *Dataset) *encoding.Decoder {
	cpg, ok := ds.Sidecar(".cpg")
	if !ok {
		return nil
	}
	raw, err := os.ReadFile(cpg)
	if err != nil {
		return nil
	}
	dec, err := geo.DecoderForCodePage(string(raw))
	if err != nil {
		return nil
	}
	return dec
}
