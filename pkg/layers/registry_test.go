package layers

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

func layerAt(name, color string, b Bounds) *Layer {
	fc := geojson.NewFeatureCollection()
	fc.Append(geojson.NewFeature(orb.Point{b.MinLon, b.MinLat}))
	return &Layer{Name: name, Features: fc, Color: color, Opacity: 0.7, Extent: b}
}

func TestRegisterOverwritesSameName(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	first := layerAt("district_a", "#111111", Bounds{1, 1, 2, 2})
	second := layerAt("district_a", "#222222", Bounds{3, 3, 4, 4})
	r.Register(first)
	r.Register(second)

	all := r.List()
	if len(all) != 1 {
		t.Fatalf("List() has %d entries, want 1", len(all))
	}
	if got := all["district_a"]; got != second {
		t.Fatalf("List()[district_a] = %+v, want the second record", got)
	}
	if r.Version() != 2 {
		t.Fatalf("Version() = %d, want 2", r.Version())
	}
}

func TestRegisterNilIsIgnored(t *testing.T) {
	r := NewRegistry()
	r.Register(nil)
	if r.Len() != 0 || r.Version() != 0 {
		t.Fatalf("nil register mutated registry: len=%d version=%d", r.Len(), r.Version())
	}
}

func TestRemove(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.Register(layerAt("village", "#123456", Bounds{0, 0, 1, 1}))

	err := r.Remove("missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Remove(missing) err=%v want ErrNotFound", err)
	}
	if r.Len() != 1 || r.Version() != 1 {
		t.Fatalf("failed remove changed registry: len=%d version=%d", r.Len(), r.Version())
	}

	if err := r.Remove("village"); err != nil {
		t.Fatalf("Remove(village) err=%v", err)
	}
	if _, ok := r.Get("village"); ok {
		t.Fatalf("village still registered after Remove")
	}
}

func TestListIsSnapshot(t *testing.T) {
	r := NewRegistry()
	r.Register(layerAt("a", "#000000", Bounds{0, 0, 1, 1}))
	snap := r.List()
	delete(snap, "a")
	if r.Len() != 1 {
		t.Fatalf("mutating List() result changed the registry")
	}
}

func TestGlobalExtent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		extent []Bounds
		want   Bounds
		ok     bool
	}{
		{name: "empty", ok: false},
		{
			name:   "single",
			extent: []Bounds{{MinLon: 10, MinLat: 20, MaxLon: 11, MaxLat: 21}},
			want:   Bounds{MinLon: 10, MinLat: 20, MaxLon: 11, MaxLat: 21},
			ok:     true,
		},
		{
			name: "union",
			extent: []Bounds{
				{MinLon: 10, MinLat: 20, MaxLon: 11, MaxLat: 21},
				{MinLon: -5, MinLat: 25, MaxLon: 0, MaxLat: 30},
				{MinLon: 12, MinLat: -3, MaxLon: 40, MaxLat: 1},
			},
			want: Bounds{MinLon: -5, MinLat: -3, MaxLon: 40, MaxLat: 30},
			ok:   true,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			r := NewRegistry()
			for i, b := range tc.extent {
				r.Register(layerAt(fmt.Sprintf("l%d", i), "#abcdef", b))
			}
			got, ok := r.GlobalExtent()
			if ok != tc.ok {
				t.Fatalf("GlobalExtent() ok=%t want %t", ok, tc.ok)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Fatalf("GlobalExtent() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSnapshotJSON(t *testing.T) {
	r := NewRegistry()
	if v := r.Snapshot(); v.Bounds != nil {
		t.Fatalf("empty snapshot bounds = %v, want nil", *v.Bounds)
	}
	raw, err := json.Marshal(r.Snapshot())
	if err != nil {
		t.Fatalf("marshal empty view: %v", err)
	}
	if string(raw) != `{"layers":{},"bounds":null}` {
		t.Fatalf("empty view JSON = %s", raw)
	}

	r.Register(layerAt("a", "#ff0000", Bounds{MinLon: 42, MinLat: 43, MaxLon: 44, MaxLat: 45}))
	v := r.Snapshot()
	want := [2][2]float64{{43, 42}, {45, 44}}
	if v.Bounds == nil || *v.Bounds != want {
		t.Fatalf("snapshot bounds = %v, want %v", v.Bounds, want)
	}

	raw, err = json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal view: %v", err)
	}
	var decoded struct {
		Layers map[string]struct {
			GeoJSON json.RawMessage `json:"geojson"`
			Color   string          `json:"color"`
			Opacity float64         `json:"opacity"`
		} `json:"layers"`
		Bounds [][]float64 `json:"bounds"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal view: %v", err)
	}
	if decoded.Layers["a"].Color != "#ff0000" || decoded.Layers["a"].Opacity != 0.7 {
		t.Fatalf("layer view = %+v", decoded.Layers["a"])
	}
	if diff := cmp.Diff([][]float64{{43, 42}, {45, 44}}, decoded.Bounds); diff != "" {
		t.Fatalf("bounds JSON mismatch (-want +got):\n%s", diff)
	}
}

// TestConcurrentRegisterAndRead runs writers and readers together; with -race
// it proves the lock covers every map access.
func TestConcurrentRegisterAndRead(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				r.Register(layerAt("shared", fmt.Sprintf("#%06x", i), Bounds{0, 0, 1, 1}))
			}
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				for _, l := range r.List() {
					if l == nil || l.Name != "shared" {
						t.Errorf("observed partial record %+v", l)
						return
					}
				}
				_, _ = r.GlobalExtent()
			}
		}()
	}
	wg.Wait()
	if r.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", r.Len())
	}
}
