// Package geo turns ESRI shapefiles into GeoJSON feature collections in the
// WGS84 longitude/latitude frame.
package geo

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"golang.org/x/text/encoding"
)

var (
	// ErrUnsupportedGeometry marks shape types we cannot express as GeoJSON.
	ErrUnsupportedGeometry = errors.New("unsupported geometry type")
	// ErrCorruptShape marks records whose part table points outside the point array.
	ErrCorruptShape = errors.New("corrupt shape record")
	// ErrNoFeatures is returned when a file contains only null shapes.
	ErrNoFeatures = errors.New("no features")
)

// ReadOptions controls how records are converted.
type ReadOptions struct {
	// Project maps every source coordinate to lon/lat. Required.
	Project Projector
	// Decoder converts DBF text values; nil means UTF-8 passthrough.
	Decoder *encoding.Decoder
}

// Result is a parsed shapefile.
type Result struct {
	Features *geojson.FeatureCollection
	Bound    orb.Bound
	Skipped  int // null or degenerate shapes
}

// ctxCheckEvery bounds how often the record loop polls the context.
const ctxCheckEvery = 256

// ReadShapefile parses the .shp at path together with the .dbf next to it.
// The .dbf must share the base name with a lower-case extension.
func ReadShapefile(ctx context.Context, path string, opts ReadOptions) (res *Result, err error) {
	if opts.Project == nil {
		return nil, errors.New("geo: ReadOptions.Project is nil")
	}
	if err := checkRecords(path); err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	// go-shp panics on inconsistent records checkRecords does not cover
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, fmt.Errorf("%w in %s: %v", ErrCorruptShape, filepath.Base(path), r)
		}
	}()

	r, err := shp.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer r.Close()

	fields := r.Fields()
	res = &Result{Features: geojson.NewFeatureCollection()}
	first := true

	for i := 0; r.Next(); i++ {
		if i%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		row, shape := r.Shape()
		geom, err := toGeometry(shape, opts.Project)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", row, err)
		}
		if geom == nil {
			res.Skipped++
			continue
		}

		f := geojson.NewFeature(geom)
		for k, fld := range fields {
			f.Properties[fld.String()] = attributeValue(fld, r.ReadAttribute(row, k), opts.Decoder)
		}
		res.Features.Append(f)

		if first {
			res.Bound = geom.Bound()
			first = false
		} else {
			res.Bound = res.Bound.Union(geom.Bound())
		}
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if len(res.Features.Features) == 0 {
		return nil, fmt.Errorf("%w in %s (%d null shapes)", ErrNoFeatures, filepath.Base(path), res.Skipped)
	}
	return res, nil
}

// attributeValue converts a raw DBF cell to a JSON-friendly value.
func attributeValue(f shp.Field, raw string, dec *encoding.Decoder) any {
	raw = strings.TrimSpace(strings.Trim(raw, "\x00"))
	switch f.Fieldtype {
	case 'N', 'F':
		if raw == "" || strings.Trim(raw, "*") == "" {
			return nil
		}
		if !strings.ContainsAny(raw, ".eE") {
			if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
				return n
			}
		}
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			return v
		}
	case 'L':
		switch raw {
		case "T", "t", "Y", "y":
			return true
		case "F", "f", "N", "n":
			return false
		default:
			return nil
		}
	}
	if dec != nil {
		if s, err := dec.String(raw); err == nil {
			return s
		}
	}
	return raw
}

func toGeometry(s shp.Shape, project Projector) (orb.Geometry, error) {
	switch v := s.(type) {
	case nil, *shp.Null:
		return nil, nil
	case *shp.Point:
		return project(orb.Point{v.X, v.Y})
	case *shp.PointZ:
		return project(orb.Point{v.X, v.Y})
	case *shp.PointM:
		return project(orb.Point{v.X, v.Y})
	case *shp.MultiPoint:
		return multiPoint(v.Points, project)
	case *shp.MultiPointZ:
		return multiPoint(v.Points, project)
	case *shp.MultiPointM:
		return multiPoint(v.Points, project)
	case *shp.PolyLine:
		return lines(v.Parts, v.Points, project)
	case *shp.PolyLineZ:
		return lines(v.Parts, v.Points, project)
	case *shp.PolyLineM:
		return lines(v.Parts, v.Points, project)
	case *shp.Polygon:
		return polygons(v.Parts, v.Points, project)
	case *shp.PolygonZ:
		return polygons(v.Parts, v.Points, project)
	case *shp.PolygonM:
		return polygons(v.Parts, v.Points, project)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedGeometry, s)
	}
}

func projectAll(pts []shp.Point, project Projector) ([]orb.Point, error) {
	out := make([]orb.Point, len(pts))
	for i, p := range pts {
		q, err := project(orb.Point{p.X, p.Y})
		if err != nil {
			return nil, err
		}
		out[i] = q
	}
	return out, nil
}

func multiPoint(pts []shp.Point, project Projector) (orb.Geometry, error) {
	if len(pts) == 0 {
		return nil, nil
	}
	out, err := projectAll(pts, project)
	if err != nil {
		return nil, err
	}
	return orb.MultiPoint(out), nil
}

// splitParts cuts the flat point array at the indices of the part table.
func splitParts(parts []int32, pts []shp.Point) ([][]shp.Point, error) {
	if len(parts) == 0 {
		if len(pts) == 0 {
			return nil, nil
		}
		return [][]shp.Point{pts}, nil
	}
	out := make([][]shp.Point, 0, len(parts))
	for i, start := range parts {
		end := int32(len(pts))
		if i+1 < len(parts) {
			end = parts[i+1]
		}
		if start < 0 || start > end || int(end) > len(pts) {
			return nil, fmt.Errorf("%w: part %d spans [%d,%d) of %d points", ErrCorruptShape, i, start, end, len(pts))
		}
		out = append(out, pts[start:end])
	}
	return out, nil
}

func lines(parts []int32, pts []shp.Point, project Projector) (orb.Geometry, error) {
	split, err := splitParts(parts, pts)
	if err != nil {
		return nil, err
	}
	var mls orb.MultiLineString
	for _, part := range split {
		if len(part) < 2 {
			continue
		}
		ls, err := projectAll(part, project)
		if err != nil {
			return nil, err
		}
		mls = append(mls, orb.LineString(ls))
	}
	switch len(mls) {
	case 0:
		return nil, nil
	case 1:
		return mls[0], nil
	}
	return mls, nil
}

// polygons groups shapefile rings into polygons. Shapefiles store outer
// rings clockwise and holes counter-clockwise; a hole belongs to the outer
// ring preceding it. Rings are reversed on output so GeoJSON gets the
// RFC 7946 winding (outer counter-clockwise).
func polygons(parts []int32, pts []shp.Point, project Projector) (orb.Geometry, error) {
	split, err := splitParts(parts, pts)
	if err != nil {
		return nil, err
	}
	var mp orb.MultiPolygon
	for _, part := range split {
		ring, err := projectAll(part, project)
		if err != nil {
			return nil, err
		}
		if len(ring) > 0 && ring[0] != ring[len(ring)-1] {
			ring = append(ring, ring[0])
		}
		if len(ring) < 4 {
			continue
		}
		hole := signedArea(ring) > 0
		reverse(ring)
		if hole && len(mp) > 0 {
			last := len(mp) - 1
			mp[last] = append(mp[last], orb.Ring(ring))
			continue
		}
		mp = append(mp, orb.Polygon{orb.Ring(ring)})
	}
	switch len(mp) {
	case 0:
		return nil, nil
	case 1:
		return mp[0], nil
	}
	return mp, nil
}

// signedArea is positive for counter-clockwise rings.
func signedArea(r []orb.Point) float64 {
	var sum float64
	for i := 0; i < len(r)-1; i++ {
		sum += r[i][0]*r[i+1][1] - r[i+1][0]*r[i][1]
	}
	return sum / 2
}

func reverse(r []orb.Point) {
	for i, j := 0, len(r)-1; i < j; i, j = i+1, j-1 {
		r[i], r[j] = r[j], r[i]
	}
}
