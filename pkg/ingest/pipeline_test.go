package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"chicha-shape-map/pkg/database"
	"chicha-shape-map/pkg/geo/shptest"
	"chicha-shape-map/pkg/layers"
)

type memJournal struct {
	mu   sync.Mutex
	recs []database.IngestRecord
}

func (j *memJournal) RecordIngest(_ context.Context, rec database.IngestRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.recs = append(j.recs, rec)
	return nil
}

func newTestPipeline(t *testing.T, workers int) (*Pipeline, string, *memJournal) {
	t.Helper()
	root := t.TempDir()
	j := &memJournal{}
	return &Pipeline{
		Inspector:    NewInspector(InspectorConfig{ScratchRoot: root}),
		Materializer: NewMaterializer("", NewPalette(PaletteConfig{Seed: 7})),
		Registry:     layers.NewRegistry(),
		Journal:      j,
		Workers:      workers,
	}, root, j
}

func TestIngestBatchMixed(t *testing.T) {
	t.Parallel()
	p, root, j := newTestPipeline(t, 1)

	out := p.IngestBatch(context.Background(), []Upload{
		{Filename: "district_a.zip", Content: shptest.ShapefileZip(t, "district_a", "")},
		{Filename: "garbage.zip", Content: []byte("not a zip")},
	})

	if diff := cmp.Diff([]string{"district_a"}, out.Registered); diff != "" {
		t.Fatalf("registered (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"garbage.zip"}, out.Rejected); diff != "" {
		t.Fatalf("rejected (-want +got):\n%s", diff)
	}
	if len(out.Failures) != 1 || !errors.Is(out.Failures[0].Reason, ErrUnsupportedFormat) {
		t.Fatalf("failures=%+v want one ErrUnsupportedFormat", out.Failures)
	}
	if out.BatchID == "" {
		t.Fatalf("empty batch id")
	}

	if diff := cmp.Diff([]string{"district_a"}, p.Registry.Names()); diff != "" {
		t.Fatalf("registry names (-want +got):\n%s", diff)
	}
	if _, ok := p.Registry.GlobalExtent(); !ok {
		t.Fatalf("GlobalExtent not defined after a successful upload")
	}
	assertEmptyDir(t, root)

	if len(j.recs) != 2 || j.recs[0].Status != "ok" || j.recs[1].Status != "unsupported_format" {
		t.Fatalf("journal=%+v", j.recs)
	}
	if j.recs[0].Layer != "district_a" || j.recs[1].Reason == "" || j.recs[0].BatchID != out.BatchID {
		t.Fatalf("journal=%+v", j.recs)
	}
}

func TestIngestBatchEmpty(t *testing.T) {
	t.Parallel()
	p, _, j := newTestPipeline(t, 1)
	before := p.Registry.Version()

	out := p.IngestBatch(context.Background(), nil)
	if len(out.Registered) != 0 || len(out.Rejected) != 0 {
		t.Fatalf("outcome=%+v want empty", out)
	}
	if p.Registry.Version() != before || len(j.recs) != 0 {
		t.Fatalf("empty batch touched registry or journal")
	}
}

func TestIngestBatchAllFail(t *testing.T) {
	t.Parallel()
	p, root, _ := newTestPipeline(t, 1)

	out := p.IngestBatch(context.Background(), []Upload{
		{Filename: "notes.txt", Content: []byte("hello")},
		{Filename: "empty.zip", Content: shptest.Zip(t, nil)},
		{Filename: "noprj.zip", Content: func() []byte {
			dir := t.TempDir()
			shptest.WritePolygons(t, dir, "noprj", "", shptest.Square(1, 1, 0.5))
			return shptest.Zip(t, shptest.ReadDir(t, dir))
		}()},
	})

	wantKinds := []string{"unsupported_format", "missing_primary_file", "missing_projection"}
	var gotKinds []string
	for _, f := range out.Failures {
		gotKinds = append(gotKinds, Kind(f.Reason))
	}
	if diff := cmp.Diff(wantKinds, gotKinds); diff != "" {
		t.Fatalf("failure kinds (-want +got):\n%s", diff)
	}
	if p.Registry.Len() != 0 {
		t.Fatalf("registry len=%d want 0", p.Registry.Len())
	}
	assertEmptyDir(t, root)
}

func TestIngestBatchSameNameLastWins(t *testing.T) {
	t.Parallel()
	p, _, _ := newTestPipeline(t, 1)

	out := p.IngestBatch(context.Background(), []Upload{
		{Filename: "a/roads.zip", Content: shptest.ShapefileZip(t, "first", "")},
		{Filename: "b/roads.zip", Content: shptest.ShapefileZip(t, "second", "")},
	})
	if diff := cmp.Diff([]string{"roads", "roads"}, out.Registered); diff != "" {
		t.Fatalf("registered (-want +got):\n%s", diff)
	}
	l, ok := p.Registry.Get("roads")
	if !ok || l.Source != "b/roads.zip" {
		t.Fatalf("roads source=%v want b/roads.zip", l)
	}
}

func TestIngestBatchWorkersKeepOrder(t *testing.T) {
	t.Parallel()
	p, root, _ := newTestPipeline(t, 4)

	var uploads []Upload
	var want []string
	for i := 0; i < 8; i++ {
		name := fmt.Sprintf("layer_%d", i)
		if i%3 == 0 {
			uploads = append(uploads, Upload{Filename: name + ".zip", Content: []byte("junk")})
			continue
		}
		uploads = append(uploads, Upload{Filename: name + ".zip", Content: shptest.ShapefileZip(t, name, "")})
		want = append(want, name)
	}

	out := p.IngestBatch(context.Background(), uploads)
	if diff := cmp.Diff(want, out.Registered); diff != "" {
		t.Fatalf("registered (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"layer_0.zip", "layer_3.zip", "layer_6.zip"}, out.Rejected); diff != "" {
		t.Fatalf("rejected (-want +got):\n%s", diff)
	}
	assertEmptyDir(t, root)
}

func TestIngestBatchCorruptShapeIsRejected(t *testing.T) {
	t.Parallel()
	for _, workers := range []int{1, 3} {
		p, root, _ := newTestPipeline(t, workers)

		out := p.IngestBatch(context.Background(), []Upload{
			{Filename: "bad.zip", Content: shptest.CorruptShapefileZip(t, "bad", -1)},
			{Filename: "district_a.zip", Content: shptest.ShapefileZip(t, "district_a", "")},
		})
		if diff := cmp.Diff([]string{"district_a"}, out.Registered); diff != "" {
			t.Fatalf("workers=%d registered (-want +got):\n%s", workers, diff)
		}
		if diff := cmp.Diff([]string{"bad.zip"}, out.Rejected); diff != "" {
			t.Fatalf("workers=%d rejected (-want +got):\n%s", workers, diff)
		}
		if !errors.Is(out.Failures[0].Reason, ErrUnreadableDataset) {
			t.Fatalf("workers=%d reason=%v want ErrUnreadableDataset", workers, out.Failures[0].Reason)
		}
		assertEmptyDir(t, root)
	}
}

func TestIngestBatchTimeout(t *testing.T) {
	t.Parallel()
	p, root, _ := newTestPipeline(t, 1)
	p.Timeout = time.Nanosecond

	out := p.IngestBatch(context.Background(), []Upload{
		{Filename: "slow.zip", Content: shptest.ShapefileZip(t, "slow", "")},
	})
	if len(out.Failures) != 1 || !errors.Is(out.Failures[0].Reason, ErrIngestTimeout) {
		t.Fatalf("failures=%+v want ErrIngestTimeout", out.Failures)
	}
	if p.Registry.Len() != 0 {
		t.Fatalf("timed out upload was registered")
	}
	assertEmptyDir(t, root)
}

func TestTimeoutErrKeepsCallerCancellation(t *testing.T) {
	t.Parallel()
	p := &Pipeline{Timeout: time.Second}

	alive := context.Background()
	if err := p.timeoutErr(alive, context.DeadlineExceeded); !errors.Is(err, ErrIngestTimeout) {
		t.Fatalf("timeoutErr(alive)=%v want ErrIngestTimeout", err)
	}

	gone, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.timeoutErr(gone, context.DeadlineExceeded); errors.Is(err, ErrIngestTimeout) {
		t.Fatalf("timeoutErr(canceled parent)=%v should not be a timeout", err)
	}
	if err := p.timeoutErr(alive, ErrCorruptArchive); err != ErrCorruptArchive {
		t.Fatalf("timeoutErr passed through %v", err)
	}
}
