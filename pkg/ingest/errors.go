package ingest

import (
	"context"
	"errors"
)

// Failure classes of a single upload. Every error returned by Inspect,
// Materialize or a pipeline attempt wraps exactly one of them (or a context
// error when the caller gave up).
var (
	ErrUnsupportedFormat  = errors.New("unsupported format")
	ErrCorruptArchive     = errors.New("corrupt archive")
	ErrMissingPrimaryFile = errors.New("missing primary .shp file")
	ErrUnreadableDataset  = errors.New("unreadable dataset")
	ErrMissingProjection  = errors.New("missing projection")
	ErrIngestTimeout      = errors.New("ingest timeout")
)

// Kind returns a short stable label for err, used in JSON responses and the
// ingest journal.
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrIngestTimeout):
		return "timeout"
	case errors.Is(err, ErrUnsupportedFormat):
		return "unsupported_format"
	case errors.Is(err, ErrCorruptArchive):
		return "corrupt_archive"
	case errors.Is(err, ErrMissingPrimaryFile):
		return "missing_primary_file"
	case errors.Is(err, ErrMissingProjection):
		return "missing_projection"
	case errors.Is(err, ErrUnreadableDataset):
		return "unreadable_dataset"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "internal"
	}
}
