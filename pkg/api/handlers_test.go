package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	_ "modernc.org/sqlite"

	"chicha-shape-map/pkg/database"
	"chicha-shape-map/pkg/geo/shptest"
	"chicha-shape-map/pkg/ingest"
	"chicha-shape-map/pkg/layers"
	"chicha-shape-map/pkg/layerstream"
)

func newTestServer(t *testing.T, journal *database.Database) (*httptest.Server, *Handler) {
	t.Helper()
	reg := layers.NewRegistry()
	h := &Handler{
		Registry: reg,
		Pipeline: &ingest.Pipeline{
			Inspector:    ingest.NewInspector(ingest.InspectorConfig{ScratchRoot: t.TempDir()}),
			Materializer: ingest.NewMaterializer("", ingest.NewPalette(ingest.PaletteConfig{Seed: 3})),
			Registry:     reg,
			Timeout:      time.Minute,
		},
		Journal:        journal,
		Cache:          NewResponseCache(time.Minute),
		Limiter:        NewRateLimiter(2),
		Events:         layerstream.NewBus(16),
		MaxUploadBytes: 8 << 20,
		Logf:           t.Logf,
	}
	if journal != nil {
		h.Pipeline.Journal = journal
	}
	t.Cleanup(h.Cache.Close)

	mux := http.NewServeMux()
	h.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, h
}

func multipartBody(t *testing.T, field string, files map[string][]byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for name, data := range files {
		fw, err := mw.CreateFormFile(field, name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := fw.Write(data); err != nil {
			t.Fatal(err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf, mw.FormDataContentType()
}

func upload(t *testing.T, srv *httptest.Server, field string, files map[string][]byte) (*http.Response, uploadResponse) {
	t.Helper()
	body, ctype := multipartBody(t, field, files)
	resp, err := http.Post(srv.URL+"/upload", ctype, body)
	if err != nil {
		t.Fatalf("POST /upload: %v", err)
	}
	defer resp.Body.Close()
	var out uploadResponse
	if resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("decode upload response: %v", err)
		}
	}
	return resp, out
}

func getJSON(t *testing.T, url string, v any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if v != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp
}

func TestUploadThenViewAndRemove(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, nil)

	resp, out := upload(t, srv, "files[]", map[string][]byte{
		"district_a.zip": shptest.ShapefileZip(t, "district_a", "data/"),
		"garbage.zip":    []byte("definitely not a zip"),
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upload status=%d", resp.StatusCode)
	}
	if diff := cmp.Diff([]string{"district_a"}, out.Registered); diff != "" {
		t.Fatalf("registered (-want +got):\n%s", diff)
	}
	if len(out.Failures) != 1 || out.Failures[0].Filename != "garbage.zip" || out.Failures[0].Kind != "unsupported_format" {
		t.Fatalf("failures=%+v", out.Failures)
	}

	var view struct {
		Layers map[string]struct {
			GeoJSON json.RawMessage `json:"geojson"`
			Color   string          `json:"color"`
			Opacity float64         `json:"opacity"`
		} `json:"layers"`
		Bounds *[2][2]float64 `json:"bounds"`
	}
	if r := getJSON(t, srv.URL+"/api/layers", &view); r.StatusCode != http.StatusOK {
		t.Fatalf("GET /api/layers status=%d", r.StatusCode)
	}
	l, ok := view.Layers["district_a"]
	if !ok || len(view.Layers) != 1 {
		t.Fatalf("layers=%v", view.Layers)
	}
	if l.Color == "" || l.Opacity == 0 || len(l.GeoJSON) == 0 {
		t.Fatalf("layer view=%+v", l)
	}
	if view.Bounds == nil || view.Bounds[0][0] > view.Bounds[1][0] || view.Bounds[0][0] < 44 || view.Bounds[0][0] > 45 {
		t.Fatalf("bounds=%v want [[lat,lon],[lat,lon]] around 44N", view.Bounds)
	}

	if r := getJSON(t, srv.URL+"/api/layers/district_a", nil); r.StatusCode != http.StatusOK {
		t.Fatalf("GET layer status=%d", r.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/layers/district_a", nil)
	del, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	del.Body.Close()
	if del.StatusCode != http.StatusNoContent {
		t.Fatalf("DELETE status=%d want 204", del.StatusCode)
	}

	view.Layers = nil
	getJSON(t, srv.URL+"/api/layers", &view)
	if len(view.Layers) != 0 || view.Bounds != nil {
		t.Fatalf("after delete layers=%v bounds=%v", view.Layers, view.Bounds)
	}
}

func TestUploadFieldNames(t *testing.T) {
	t.Parallel()
	srv, h := newTestServer(t, nil)

	resp, out := upload(t, srv, "files", map[string][]byte{"roads.zip": shptest.ShapefileZip(t, "roads", "")})
	if resp.StatusCode != http.StatusOK || len(out.Registered) != 1 {
		t.Fatalf("status=%d out=%+v", resp.StatusCode, out)
	}
	if h.Registry.Len() != 1 {
		t.Fatalf("registry len=%d", h.Registry.Len())
	}

	resp, _ = upload(t, srv, "other", map[string][]byte{"roads.zip": []byte("x")})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown field status=%d want 400", resp.StatusCode)
	}
}

func TestUploadTooLarge(t *testing.T) {
	t.Parallel()
	srv, h := newTestServer(t, nil)
	h.MaxUploadBytes = 1024

	resp, _ := upload(t, srv, "files", map[string][]byte{"big.zip": bytes.Repeat([]byte("x"), 4096)})
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("status=%d want 413", resp.StatusCode)
	}
}

func TestRemoveMissing(t *testing.T) {
	t.Parallel()
	srv, h := newTestServer(t, nil)
	h.Registry.Register(&layers.Layer{Name: "keep", Extent: layers.EmptyBounds()})
	before := h.Registry.Version()

	resp, err := http.Post(srv.URL+"/remove?name=ghost", "text/plain", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status=%d want 404", resp.StatusCode)
	}
	if h.Registry.Version() != before || h.Registry.Len() != 1 {
		t.Fatalf("registry changed by a failed remove")
	}
	if r := getJSON(t, srv.URL+"/api/layers/ghost", nil); r.StatusCode != http.StatusNotFound {
		t.Fatalf("GET ghost status=%d want 404", r.StatusCode)
	}
}

func TestLayersETag(t *testing.T) {
	t.Parallel()
	srv, h := newTestServer(t, nil)

	first := getJSON(t, srv.URL+"/api/layers", nil)
	etag := first.Header.Get("ETag")
	if etag == "" {
		t.Fatalf("no ETag")
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/layers", nil)
	req.Header.Set("If-None-Match", etag)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotModified {
		t.Fatalf("status=%d want 304", resp.StatusCode)
	}

	h.Registry.Register(&layers.Layer{Name: "x", Extent: layers.EmptyBounds()})
	if got := getJSON(t, srv.URL+"/api/layers", nil).Header.Get("ETag"); got == etag {
		t.Fatalf("ETag unchanged after a registry mutation")
	}
}

func TestIngestsEndpoint(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, nil)
	if r := getJSON(t, srv.URL+"/api/ingests", nil); r.StatusCode != http.StatusNotFound {
		t.Fatalf("journal disabled status=%d want 404", r.StatusCode)
	}

	db, err := database.NewDatabase(database.Config{DBType: "sqlite", DBPath: fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())})
	if err != nil {
		t.Fatalf("NewDatabase: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema: %v", err)
	}
	srv, _ = newTestServer(t, db)
	upload(t, srv, "files", map[string][]byte{"bad.zip": []byte("nope")})

	var got struct {
		Ingests []database.IngestRecord `json:"ingests"`
	}
	if r := getJSON(t, srv.URL+"/api/ingests?limit=5", &got); r.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", r.StatusCode)
	}
	if len(got.Ingests) != 1 || got.Ingests[0].Filename != "bad.zip" || got.Ingests[0].Status != "unsupported_format" {
		t.Fatalf("ingests=%+v", got.Ingests)
	}
}

func TestEventsStream(t *testing.T) {
	t.Parallel()
	srv, h := newTestServer(t, nil)
	h.Registry.Register(&layers.Layer{Name: "rivers", Extent: layers.EmptyBounds()})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type=%q", ct)
	}
	rd := bufio.NewReader(resp.Body)
	readEvent := func() (string, string) {
		t.Helper()
		var name, data string
		for {
			line, err := rd.ReadString('\n')
			if err != nil {
				t.Fatalf("read event: %v", err)
			}
			line = strings.TrimRight(line, "\n")
			switch {
			case line == "":
				return name, data
			case strings.HasPrefix(line, "event: "):
				name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				data = strings.TrimPrefix(line, "data: ")
			}
		}
	}

	if name, _ := readEvent(); name != "hello" {
		t.Fatalf("first event=%q want hello", name)
	}

	del, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/layers/rivers", nil)
	dr, err := http.DefaultClient.Do(del)
	if err != nil {
		t.Fatal(err)
	}
	dr.Body.Close()

	name, data := readEvent()
	var ev layerstream.Event
	if err := json.Unmarshal([]byte(data), &ev); err != nil || name != "layers" {
		t.Fatalf("event %q %q: %v", name, data, err)
	}
	if ev.Op != layerstream.OpRemoved || ev.Name != "rivers" || ev.Version != h.Registry.Version() {
		t.Fatalf("event=%+v", ev)
	}
}
