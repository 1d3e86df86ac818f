// Package shptest builds small shapefiles and zip archives for tests.
package shptest

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/jonas-p/go-shp"
	"github.com/klauspost/compress/zip"
)

// PRJWGS84 is the ESRI definition shipped with most lon/lat shapefiles.
const PRJWGS84 = `GEOGCS["GCS_WGS_1984",DATUM["D_WGS_1984",SPHEROID["WGS_1984",6378137.0,298.257223563]],PRIMEM["Greenwich",0.0],UNIT["Degree",0.0174532925199433]]`

// PRJWebMercator is the ESRI definition of EPSG:3857.
const PRJWebMercator = `PROJCS["WGS_1984_Web_Mercator_Auxiliary_Sphere",GEOGCS["GCS_WGS_1984",DATUM["D_WGS_1984",SPHEROID["WGS_1984",6378137.0,298.257223563]],PRIMEM["Greenwich",0.0],UNIT["Degree",0.0174532925199433]],PROJECTION["Mercator_Auxiliary_Sphere"],PARAMETER["False_Easting",0.0],PARAMETER["False_Northing",0.0],PARAMETER["Central_Meridian",0.0],PARAMETER["Standard_Parallel_1",0.0],PARAMETER["Auxiliary_Sphere_Type",0.0],UNIT["Meter",1.0]]`

// Square is a clockwise (outer) ring around (lon, lat) with the given half size.
func Square(lon, lat, half float64) []shp.Point {
	return []shp.Point{
		{X: lon - half, Y: lat - half},
		{X: lon - half, Y: lat + half},
		{X: lon + half, Y: lat + half},
		{X: lon + half, Y: lat - half},
		{X: lon - half, Y: lat - half},
	}
}

// WritePolygons writes base.shp/.shx/.dbf into dir with one polygon per ring
// and a NAME attribute, plus base.prj when prj is not empty. It returns the
// path of the .shp file.
func WritePolygons(t testing.TB, dir, base, prj string, rings ...[]shp.Point) string {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", dir, err)
	}
	path := filepath.Join(dir, base+".shp")
	w, err := shp.Create(path, shp.POLYGON)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	if err := w.SetFields([]shp.Field{
		shp.StringField("NAME", 32),
		shp.NumberField("IDX", 8),
	}); err != nil {
		t.Fatalf("set fields: %v", err)
	}
	for i, ring := range rings {
		line := shp.NewPolyLine([][]shp.Point{ring})
		poly := shp.Polygon(*line)
		row := int(w.Write(&poly))
		if err := w.WriteAttribute(row, 0, base); err != nil {
			t.Fatalf("write NAME: %v", err)
		}
		if err := w.WriteAttribute(row, 1, i); err != nil {
			t.Fatalf("write IDX: %v", err)
		}
	}
	w.Close()
	// go-shp names the attribute table "<base>dbf" without the dot
	if err := os.Rename(filepath.Join(dir, base+"dbf"), filepath.Join(dir, base+".dbf")); err != nil {
		t.Fatalf("rename dbf: %v", err)
	}

	if prj != "" {
		if err := os.WriteFile(filepath.Join(dir, base+".prj"), []byte(prj), 0o644); err != nil {
			t.Fatalf("write prj: %v", err)
		}
	}
	return path
}

// ReadDir returns every regular file under dir keyed by its slash path
// relative to dir.
func ReadDir(t testing.TB, dir string) map[string][]byte {
	t.Helper()
	out := make(map[string][]byte)
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		out[filepath.ToSlash(rel)] = data
		return nil
	})
	if err != nil {
		t.Fatalf("walk %s: %v", dir, err)
	}
	return out
}

// Zip packs files (slash path → content) into an in-memory archive.
func Zip(t testing.TB, files map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, data := range files {
		f, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip create %s: %v", name, err)
		}
		if _, err := f.Write(data); err != nil {
			t.Fatalf("zip write %s: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	return buf.Bytes()
}

// ShapefileZip writes a one-polygon WGS84 shapefile named base and returns it
// zipped under prefix (for example "data/shapes/").
func ShapefileZip(t testing.TB, base, prefix string) []byte {
	t.Helper()
	dir := t.TempDir()
	WritePolygons(t, dir, base, PRJWGS84, Square(42.97, 44.08, 0.01))
	files := make(map[string][]byte)
	for name, data := range ReadDir(t, dir) {
		files[prefix+name] = data
	}
	return Zip(t, files)
}

// Offsets inside the first polygon record of a file written by WritePolygons.
const (
	OffsetNumParts  = 144
	OffsetNumPoints = 148
)

// PatchInt32 overwrites the little-endian int32 at off in the file at path.
func PatchInt32(t testing.TB, path string, off int64, v int32) {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	if off+4 > int64(len(data)) {
		t.Fatalf("offset %d outside %s (%d bytes)", off, path, len(data))
	}
	binary.LittleEndian.PutUint32(data[off:], uint32(v))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// CorruptShapefileZip is ShapefileZip with the part count of the first
// record replaced by parts.
func CorruptShapefileZip(t testing.TB, base string, parts int32) []byte {
	t.Helper()
	dir := t.TempDir()
	path := WritePolygons(t, dir, base, PRJWGS84, Square(42.97, 44.08, 0.01))
	PatchInt32(t, path, OffsetNumParts, parts)
	return Zip(t, ReadDir(t, dir))
}
