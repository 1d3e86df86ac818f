package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"chicha-shape-map/pkg/database"
	"chicha-shape-map/pkg/layers"
	"chicha-shape-map/pkg/logger"
)

// Upload is one named file from a batch request.
type Upload struct {
	Filename string
	Content  []byte
}

// Failure explains why one upload was rejected.
type Failure struct {
	Filename string
	Reason   error
}

// Outcome summarizes a batch. Registered holds layer names and Rejected the
// original filenames, both in input order.
type Outcome struct {
	BatchID    string
	Registered []string
	Rejected   []string
	Failures   []Failure
}

// Journal persists per-upload results. A nil Journal disables recording.
type Journal interface {
	RecordIngest(ctx context.Context, rec database.IngestRecord) error
}

// Pipeline runs Inspect → Materialize → Register for every upload of a batch.
// One failing upload never stops the others.
type Pipeline struct {
	Inspector    *Inspector
	Materializer *Materializer
	Registry     *layers.Registry
	Journal      Journal
	Timeout      time.Duration // per upload; 0 = none
	Workers      int           // <= 1 processes uploads one after another
}

type attemptResult struct {
	layer string
	err   error
}

// IngestBatch processes uploads and reports which were registered. Uploads
// that succeed are visible in the registry before IngestBatch returns.
func (p *Pipeline) IngestBatch(ctx context.Context, uploads []Upload) Outcome {
	out := Outcome{BatchID: uuid.NewString()}
	results := make([]attemptResult, len(uploads))

	if p.Workers <= 1 {
		for i, u := range uploads {
			results[i] = p.attempt(ctx, attemptID(out.BatchID, i), u)
		}
	} else {
		var g errgroup.Group
		g.SetLimit(p.Workers)
		for i, u := range uploads {
			g.Go(func() error {
				results[i] = p.attempt(ctx, attemptID(out.BatchID, i), u)
				return nil
			})
		}
		_ = g.Wait()
	}

	for i, r := range results {
		if r.err == nil {
			out.Registered = append(out.Registered, r.layer)
		} else {
			out.Rejected = append(out.Rejected, uploads[i].Filename)
			out.Failures = append(out.Failures, Failure{Filename: uploads[i].Filename, Reason: r.err})
		}
		p.journal(ctx, out.BatchID, uploads[i].Filename, r)
	}
	return out
}

func attemptID(batch string, i int) string {
	return fmt.Sprintf("%s-%d", batch[:8], i)
}

func (p *Pipeline) attempt(parent context.Context, id string, u Upload) attemptResult {
	logger.Begin(id)
	layer, err := p.run(parent, id, u)
	if err != nil {
		logger.FlushError(id, fmt.Errorf("%q: %w", u.Filename, err))
		return attemptResult{err: err}
	}
	logger.Success(id, u.Filename, layer)
	return attemptResult{layer: layer}
}

func (p *Pipeline) run(parent context.Context, id string, u Upload) (string, error) {
	logT(id, "Upload", "received %q (%d bytes)", u.Filename, len(u.Content))

	name, err := DeriveLayerName(u.Filename)
	if err != nil {
		return "", err
	}
	if !p.Inspector.Accepts(u.Filename) {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, u.Filename)
	}

	ctx := parent
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, p.Timeout)
		defer cancel()
	}

	ds, err := p.Inspector.Inspect(ctx, u.Filename, u.Content)
	if err != nil {
		return "", p.timeoutErr(parent, err)
	}
	defer func() {
		if cerr := ds.Close(); cerr != nil {
			logT(id, "Scratch", "cleanup %s: %v", ds.Scratch, cerr)
		}
	}()
	logT(id, "Inspect", "%d files, %d bytes unpacked, primary %s", ds.Entries, ds.Unpacked, ds.Primary)

	layer, err := p.Materializer.Materialize(ctx, ds, name)
	if err != nil {
		return "", p.timeoutErr(parent, err)
	}
	logT(id, "Layer", "%d features, extent %v", len(layer.Features.Features), layer.Extent.Array())

	if _, replaced := p.Registry.Get(name); replaced {
		logT(id, "Registry", "replacing layer %q", name)
	}
	p.Registry.Register(layer)
	return name, nil
}

// timeoutErr reclassifies a deadline hit inside the attempt while the caller
// is still waiting.
func (p *Pipeline) timeoutErr(parent context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil {
		return fmt.Errorf("%w after %v: %w", ErrIngestTimeout, p.Timeout, err)
	}
	return err
}

func (p *Pipeline) journal(ctx context.Context, batch, filename string, r attemptResult) {
	if p.Journal == nil {
		return
	}
	rec := database.IngestRecord{
		BatchID:    batch,
		Filename:   filename,
		Layer:      r.layer,
		Status:     Kind(r.err),
		IngestedAt: time.Now().UTC(),
	}
	if r.err != nil {
		rec.Reason = r.err.Error()
	}
	if err := p.Journal.RecordIngest(context.WithoutCancel(ctx), rec); err != nil {
		log.Printf("ingest journal: %v", err)
	}
}

// logT adds a tagged line to the attempt's buffer.
func logT(id, component, format string, v ...any) {
	logger.Append(id, fmt.Sprintf("[%-8s][%s] ", id, component)+fmt.Sprintf(format, v...))
}
