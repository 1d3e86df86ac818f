package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"chicha-shape-map/pkg/database"
	"chicha-shape-map/pkg/ingest"
	"chicha-shape-map/pkg/layers"
	"chicha-shape-map/pkg/layerstream"
)

// =======================
// Public API entry points
// =======================

// Handler exposes the layer registry, the upload pipeline and the ingest
// journal over HTTP.
type Handler struct {
	Registry       *layers.Registry
	Pipeline       *ingest.Pipeline
	Journal        *database.Database // nil disables /api/ingests
	Cache          *ResponseCache     // nil disables caching
	Limiter        *RateLimiter       // nil disables the per-IP upload gate
	Events         *layerstream.Bus   // nil disables /api/events
	MaxUploadBytes int64
	Logf           func(string, ...any)
}

// Register attaches routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api", h.handleOverview)
	mux.HandleFunc("POST /upload", h.handleUpload)
	mux.HandleFunc("GET /api/layers", h.handleLayers)
	mux.HandleFunc("GET /api/layers/{name}", h.handleLayer)
	mux.HandleFunc("DELETE /api/layers/{name}", h.handleRemove)
	mux.HandleFunc("POST /remove", h.handleRemove)
	mux.HandleFunc("GET /api/ingests", h.handleIngests)
	mux.HandleFunc("GET /api/events", h.handleEvents)
}

func (h *Handler) logf(format string, v ...any) {
	if h.Logf != nil {
		h.Logf(format, v...)
	}
}

// handleOverview publishes machine-readable docs for the endpoints below.
func (h *Handler) handleOverview(w http.ResponseWriter, r *http.Request) {
	overview := struct {
		Layers    int            `json:"layers"`
		Journal   bool           `json:"journal"`
		Endpoints map[string]any `json:"endpoints"`
	}{
		Layers:  h.Registry.Len(),
		Journal: h.Journal != nil,
		Endpoints: map[string]any{
			"upload": map[string]any{
				"method":      "POST",
				"path":        "/upload",
				"form":        []string{"files", "files[]"},
				"description": "Uploads zipped shapefiles. Each archive becomes a layer named after the file.",
			},
			"layers": map[string]any{
				"method":      "GET",
				"path":        "/api/layers",
				"description": "All layers as GeoJSON with color and opacity, plus the combined bounds as [[minLat,minLon],[maxLat,maxLon]].",
			},
			"layer": map[string]any{
				"method": "GET, DELETE",
				"path":   "/api/layers/{name}",
			},
			"ingests": map[string]any{
				"method": "GET",
				"path":   "/api/ingests",
				"query":  []string{"limit"},
			},
			"events": map[string]any{
				"method":      "GET",
				"path":        "/api/events",
				"description": "Server-Sent Events stream of layer registrations and removals.",
			},
		},
	}
	h.respondJSON(w, http.StatusOK, overview)
}

// =====================
// Upload
// =====================

type uploadFailure struct {
	Filename string `json:"filename"`
	Reason   string `json:"reason"`
	Kind     string `json:"kind"`
}

type uploadResponse struct {
	BatchID    string          `json:"batchId"`
	Registered []string        `json:"registered"`
	Rejected   []string        `json:"rejected"`
	Failures   []uploadFailure `json:"failures"`
}

func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	permit, err := h.Limiter.Acquire(r.Context(), clientIP(r))
	if err != nil {
		http.Error(w, "upload cancelled", http.StatusRequestTimeout)
		return
	}
	defer permit.Release()
	if permit != nil && permit.WaitDuration > time.Second {
		h.logf("upload from %s queued for %v", clientIP(r), permit.WaitDuration.Round(time.Millisecond))
	}

	if h.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.MaxUploadBytes)
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) || strings.Contains(err.Error(), "request body too large") {
			http.Error(w, fmt.Sprintf("upload exceeds %d bytes", h.MaxUploadBytes), http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "multipart parse error", http.StatusBadRequest)
		return
	}
	defer r.MultipartForm.RemoveAll()

	headers := append(r.MultipartForm.File["files"], r.MultipartForm.File["files[]"]...)
	uploads := make([]ingest.Upload, 0, len(headers))
	for _, fh := range headers {
		if strings.TrimSpace(fh.Filename) == "" {
			continue
		}
		f, err := fh.Open()
		if err != nil {
			http.Error(w, "cannot read "+fh.Filename, http.StatusBadRequest)
			return
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			http.Error(w, "cannot read "+fh.Filename, http.StatusBadRequest)
			return
		}
		uploads = append(uploads, ingest.Upload{Filename: fh.Filename, Content: data})
	}
	if len(uploads) == 0 {
		http.Error(w, "no files selected", http.StatusBadRequest)
		return
	}

	// A batch runs to completion even if the client goes away.
	out := h.Pipeline.IngestBatch(context.WithoutCancel(r.Context()), uploads)

	resp := uploadResponse{
		BatchID:    out.BatchID,
		Registered: append([]string{}, out.Registered...),
		Rejected:   append([]string{}, out.Rejected...),
		Failures:   make([]uploadFailure, 0, len(out.Failures)),
	}
	for _, f := range out.Failures {
		resp.Failures = append(resp.Failures, uploadFailure{Filename: f.Filename, Reason: f.Reason.Error(), Kind: ingest.Kind(f.Reason)})
	}
	version := h.Registry.Version()
	for _, name := range out.Registered {
		h.Events.Publish(layerstream.Event{Op: layerstream.OpRegistered, Name: name, Version: version})
	}
	h.logf("batch %s: %d registered, %d rejected", out.BatchID, len(resp.Registered), len(resp.Rejected))
	h.respondJSON(w, http.StatusOK, resp)
}

// =====================
// Layers
// =====================

func (h *Handler) handleLayers(w http.ResponseWriter, r *http.Request) {
	version := h.Registry.Version()
	etag := fmt.Sprintf(`"layers-%d"`, version)
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	data, err := h.Cache.GetOrLoad(r.Context(), "layers:"+strconv.FormatUint(version, 10), func(context.Context) ([]byte, error) {
		return json.Marshal(h.Registry.Snapshot())
	})
	if err != nil {
		h.logf("layers view: %v", err)
		http.Error(w, "layers unavailable", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "no-cache")
	h.write(w, data)
}

type layerDetail struct {
	Name       string           `json:"name"`
	Source     string           `json:"source"`
	Features   int              `json:"features"`
	Bounds     *[2][2]float64   `json:"bounds"`
	IngestedAt time.Time        `json:"ingestedAt"`
	View       layers.LayerView `json:"layer"`
}

func (h *Handler) handleLayer(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	l, ok := h.Registry.Get(name)
	if !ok {
		http.Error(w, fmt.Sprintf("layer %q not found", name), http.StatusNotFound)
		return
	}
	d := layerDetail{
		Name:       l.Name,
		Source:     l.Source,
		IngestedAt: l.IngestedAt,
		View:       l.View(),
	}
	if l.Features != nil {
		d.Features = len(l.Features.Features)
	}
	if !l.Extent.IsEmpty() {
		b := l.Extent.LatLng()
		d.Bounds = &b
	}
	h.respondJSON(w, http.StatusOK, d)
}

// handleRemove serves DELETE /api/layers/{name} and POST /remove?name=.
func (h *Handler) handleRemove(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if name == "" {
		name = r.URL.Query().Get("name")
	}
	if name == "" {
		http.Error(w, "layer name required", http.StatusBadRequest)
		return
	}
	if err := h.Registry.Remove(name); err != nil {
		if errors.Is(err, layers.ErrNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, "remove failed", http.StatusInternalServerError)
		return
	}
	h.Events.Publish(layerstream.Event{Op: layerstream.OpRemoved, Name: name, Version: h.Registry.Version()})
	h.logf("layer %q removed", name)
	w.WriteHeader(http.StatusNoContent)
}

// handleEvents streams registry changes via Server-Sent Events until the
// client disconnects. A comment line every 30s keeps proxies from closing
// an idle stream.
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	if h.Events == nil {
		http.Error(w, "event stream disabled", http.StatusNotFound)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")

	ctx := r.Context()
	events := h.Events.Subscribe(ctx, 16)
	fmt.Fprintf(w, "event: hello\ndata: {\"version\":%d}\n\n", h.Registry.Version())
	flusher.Flush()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			b, _ := json.Marshal(ev)
			fmt.Fprintf(w, "event: layers\ndata: %s\n\n", b)
			flusher.Flush()
		}
	}
}

// =====================
// Journal
// =====================

func (h *Handler) handleIngests(w http.ResponseWriter, r *http.Request) {
	if h.Journal == nil {
		http.Error(w, "ingest journal disabled", http.StatusNotFound)
		return
	}
	limit := clampInt(parseIntDefault(r.URL.Query().Get("limit"), 50), 1, 1000)
	recs, err := h.Journal.RecentIngests(r.Context(), limit)
	if err != nil {
		h.logf("ingest journal: %v", err)
		http.Error(w, "journal error", http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []database.IngestRecord{}
	}
	h.respondJSON(w, http.StatusOK, struct {
		Limit   int                     `json:"limit"`
		Ingests []database.IngestRecord `json:"ingests"`
	}{Limit: limit, Ingests: recs})
}

// =====================
// Utility helpers
// =====================

func (h *Handler) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(payload); err != nil {
		h.logf("response write: %v", err)
	}
}

func (h *Handler) write(w http.ResponseWriter, data []byte) {
	if _, err := w.Write(data); err != nil {
		h.logf("response write: %v", err)
	}
}

// clientIP returns the peer address without the port.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func parseIntDefault(v string, def int) int {
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
