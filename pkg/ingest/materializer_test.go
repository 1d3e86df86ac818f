package ingest

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"chicha-shape-map/pkg/geo/shptest"
)

type fixedDisplay struct{}

func (fixedDisplay) Color() string    { return "#123456" }
func (fixedDisplay) Opacity() float64 { return 0.5 }

// inspectFiles writes a shapefile with the given .prj, drops the listed
// companions and returns the inspected dataset.
func inspectFiles(t *testing.T, base, prj string, drop ...string) *Dataset {
	t.Helper()
	dir := t.TempDir()
	shptest.WritePolygons(t, dir, base, prj, shptest.Square(42.97, 44.08, 0.01), shptest.Square(43.10, 44.20, 0.02))
	files := shptest.ReadDir(t, dir)
	for _, ext := range drop {
		delete(files, base+ext)
	}
	ds, err := NewInspector(InspectorConfig{ScratchRoot: t.TempDir()}).
		Inspect(context.Background(), base+".zip", shptest.Zip(t, files))
	if err != nil {
		t.Fatalf("Inspect err=%v", err)
	}
	t.Cleanup(func() { ds.Close() })
	return ds
}

func TestMaterialize(t *testing.T) {
	t.Parallel()
	ds := inspectFiles(t, "district_a", shptest.PRJWGS84)
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	m := &Materializer{Display: fixedDisplay{}, Now: func() time.Time { return now }}

	layer, err := m.Materialize(context.Background(), ds, "District A")
	if err != nil {
		t.Fatalf("Materialize err=%v", err)
	}
	if layer.Name != "District A" {
		t.Fatalf("name=%q want verbatim %q", layer.Name, "District A")
	}
	if got := len(layer.Features.Features); got != 2 {
		t.Fatalf("features=%d want 2", got)
	}
	if layer.Color != "#123456" || layer.Opacity != 0.5 {
		t.Fatalf("display=%s/%v want #123456/0.5", layer.Color, layer.Opacity)
	}
	if layer.Source != "district_a.zip" || !layer.IngestedAt.Equal(now) {
		t.Fatalf("source=%q ingestedAt=%v", layer.Source, layer.IngestedAt)
	}
	want := [4]float64{42.96, 44.07, 43.12, 44.22}
	for i, v := range layer.Extent.Array() {
		if math.Abs(v-want[i]) > 1e-9 {
			t.Fatalf("extent=%v want %v", layer.Extent.Array(), want)
		}
	}
}

func TestMaterializeMissingProjection(t *testing.T) {
	t.Parallel()

	cases := []struct {
		policy string
		want   error
	}{
		{"", ErrMissingProjection},
		{ProjectionReject, ErrMissingProjection},
		{ProjectionAssumeWGS84, nil},
	}
	for _, tc := range cases {
		t.Run("policy="+tc.policy, func(t *testing.T) {
			t.Parallel()
			ds := inspectFiles(t, "noprj", "")
			m := NewMaterializer(tc.policy, fixedDisplay{})
			layer, err := m.Materialize(context.Background(), ds, "noprj")
			if !errors.Is(err, tc.want) {
				t.Fatalf("Materialize err=%v want %v", err, tc.want)
			}
			if tc.want == nil && layer.Extent.IsEmpty() {
				t.Fatalf("assume-wgs84 produced an empty extent")
			}
		})
	}
}

func TestMaterializeUnreadable(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		prj  string
		drop []string
	}{
		{"missing dbf", shptest.PRJWGS84, []string{".dbf"}},
		{"missing shx", shptest.PRJWGS84, []string{".shx"}},
		{"bad prj", "not wkt at all", nil},
		{"unknown crs", `PROJCS["Local grid",GEOGCS["Local",DATUM["D_Local",SPHEROID["Local",1,1]]],PROJECTION["Local"]]`, nil},
		{"unsupported epsg", `GEOGCS["Custom",AUTHORITY["EPSG","999999"]]`, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ds := inspectFiles(t, "broken", tc.prj, tc.drop...)
			_, err := NewMaterializer("", fixedDisplay{}).Materialize(context.Background(), ds, "broken")
			if !errors.Is(err, ErrUnreadableDataset) {
				t.Fatalf("Materialize err=%v want ErrUnreadableDataset", err)
			}
		})
	}
}

func TestMaterializeCanceled(t *testing.T) {
	t.Parallel()
	ds := inspectFiles(t, "c", shptest.PRJWGS84)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewMaterializer("", fixedDisplay{}).Materialize(ctx, ds, "c")
	if !errors.Is(err, context.Canceled) || errors.Is(err, ErrUnreadableDataset) {
		t.Fatalf("Materialize err=%v want bare context.Canceled", err)
	}
}

func TestCodePageDecoder(t *testing.T) {
	t.Parallel()
	ds := &Dataset{Sidecars: map[string]string{}}
	if codePageDecoder(ds) != nil {
		t.Fatalf("decoder without .cpg")
	}
	ds.Sidecars[".cpg"] = filepath.Join(t.TempDir(), "missing.cpg")
	if codePageDecoder(ds) != nil {
		t.Fatalf("decoder for unreadable .cpg")
	}
}
