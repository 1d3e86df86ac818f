package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
)

// Defaults for InspectorConfig zero values.
const (
	DefaultMaxUnpackedBytes = 512 << 20
	DefaultMaxEntries       = 10000
)

// PrimaryExt is the extension of the file anchoring a shapefile dataset.
const PrimaryExt = ".shp"

// sidecarExts are the companions collected next to the primary file.
var sidecarExts = []string{".shx", ".dbf", ".prj", ".cpg"}

// InspectorConfig tunes archive acceptance and unpack limits.
type InspectorConfig struct {
	ScratchRoot      string   // parent of per-attempt scratch dirs; "" = os.TempDir()
	Extensions       []string // accepted archive suffixes; default [".zip"]
	MaxUnpackedBytes int64    // total uncompressed budget per archive
	MaxEntries       int      // maximum number of entries per archive
}

// Inspector unpacks uploaded archives into private scratch directories and
// locates the shapefile inside.
type Inspector struct {
	cfg InspectorConfig
}

// NewInspector fills defaults for zero fields.
func NewInspector(cfg InspectorConfig) *Inspector {
	if len(cfg.Extensions) == 0 {
		cfg.Extensions = []string{".zip"}
	}
	exts := make([]string, 0, len(cfg.Extensions))
	for _, e := range cfg.Extensions {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		exts = append(exts, e)
	}
	cfg.Extensions = exts
	if cfg.MaxUnpackedBytes <= 0 {
		cfg.MaxUnpackedBytes = DefaultMaxUnpackedBytes
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	return &Inspector{cfg: cfg}
}

// Accepts reports whether filename carries an allowed archive suffix.
func (in *Inspector) Accepts(filename string) bool {
	lower := strings.ToLower(strings.TrimSpace(filename))
	for _, ext := range in.cfg.Extensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// Dataset is a located shapefile inside a scratch directory. It is valid
// until Close, which deletes the scratch directory with everything in it.
type Dataset struct {
	Source   string            // uploaded filename
	Scratch  string            // private scratch directory
	Primary  string            // path of the .shp file
	Sidecars map[string]string // lower-case extension → path
	Entries  int               // files unpacked
	Unpacked int64             // bytes unpacked
}

// Sidecar returns the companion file with the given extension (".dbf" ...).
func (d *Dataset) Sidecar(ext string) (string, bool) {
	p, ok := d.Sidecars[strings.ToLower(ext)]
	return p, ok
}

// Close removes the scratch directory. Safe to call more than once.
func (d *Dataset) Close() error {
	if d == nil || d.Scratch == "" {
		return nil
	}
	err := os.RemoveAll(d.Scratch)
	d.Scratch = ""
	return err
}

// Inspect validates blob, unpacks it into a fresh scratch directory and
// finds the first .shp at any depth. On error nothing is left on disk.
// On success the caller owns the returned Dataset and must Close it.
func (in *Inspector) Inspect(ctx context.Context, filename string, blob []byte) (*Dataset, error) {
	if !in.Accepts(filename) {
		return nil, fmt.Errorf("%w: %q is not one of %v", ErrUnsupportedFormat, filename, in.cfg.Extensions)
	}
	if !hasZipMagic(blob) {
		return nil, fmt.Errorf("%w: %q is not a zip archive", ErrUnsupportedFormat, filename)
	}

	zr, err := zip.NewReader(bytes.NewReader(blob), int64(len(blob)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptArchive, err)
	}
	if len(zr.File) > in.cfg.MaxEntries {
		return nil, fmt.Errorf("%w: %d entries exceed limit %d", ErrCorruptArchive, len(zr.File), in.cfg.MaxEntries)
	}

	scratch, err := os.MkdirTemp(in.cfg.ScratchRoot, "ingest-*")
	if err != nil {
		return nil, fmt.Errorf("create scratch area: %w", err)
	}
	ds := &Dataset{Source: filename, Scratch: scratch, Sidecars: make(map[string]string)}
	if err := in.locate(ctx, zr, ds); err != nil {
		_ = ds.Close()
		return nil, err
	}
	return ds, nil
}

func (in *Inspector) locate(ctx context.Context, zr *zip.Reader, ds *Dataset) error {
	if err := in.unpack(ctx, zr, ds); err != nil {
		return err
	}
	primary, err := findPrimary(ds.Scratch)
	if err != nil {
		return err
	}
	if primary == "" {
		return fmt.Errorf("%w in %q (%d files)", ErrMissingPrimaryFile, ds.Source, ds.Entries)
	}
	return collectSidecars(ds, primary)
}

func hasZipMagic(b []byte) bool {
	return bytes.HasPrefix(b, []byte("PK\x03\x04")) || bytes.HasPrefix(b, []byte("PK\x05\x06"))
}

func (in *Inspector) unpack(ctx context.Context, zr *zip.Reader, ds *Dataset) error {
	remaining := in.cfg.MaxUnpackedBytes
	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		name := strings.ReplaceAll(f.Name, `\`, "/")
		rel := filepath.FromSlash(strings.TrimSuffix(name, "/"))
		if rel == "" || rel == "." {
			continue
		}
		if !filepath.IsLocal(rel) {
			return fmt.Errorf("%w: entry %q escapes the archive root", ErrCorruptArchive, f.Name)
		}
		target := filepath.Join(ds.Scratch, rel)

		mode := f.Mode()
		switch {
		case mode.IsDir() || strings.HasSuffix(name, "/"):
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("%w: entry %q clashes with a file: %v", ErrCorruptArchive, f.Name, err)
			}
			continue
		case !mode.IsRegular():
			// symlinks, devices
			continue
		}

		n, err := extractFile(ctx, f, target, remaining)
		if err != nil {
			return err
		}
		remaining -= n
		ds.Unpacked += n
		ds.Entries++
	}
	return nil
}

var errBudget = errors.New("uncompressed size limit exceeded")

func extractFile(ctx context.Context, f *zip.File, target string, budget int64) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, fmt.Errorf("%w: entry %q clashes with a file: %v", ErrCorruptArchive, f.Name, err)
	}
	rc, err := f.Open()
	if err != nil {
		return 0, fmt.Errorf("%w: open %q: %v", ErrCorruptArchive, f.Name, err)
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("%w: entry %q clashes with a directory: %v", ErrCorruptArchive, f.Name, err)
	}
	n, copyErr := io.Copy(out, io.LimitReader(ctxReader{ctx: ctx, r: rc}, budget+1))
	closeErr := out.Close()

	switch {
	case copyErr != nil && ctx.Err() != nil:
		return n, ctx.Err()
	case copyErr != nil:
		return n, fmt.Errorf("%w: read %q: %v", ErrCorruptArchive, f.Name, copyErr)
	case n > budget:
		return n, fmt.Errorf("%w: %v at %q", ErrCorruptArchive, errBudget, f.Name)
	case closeErr != nil:
		return n, fmt.Errorf("write %s: %w", f.Name, closeErr)
	}
	return n, nil
}

// ctxReader stops a copy once the context is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// findPrimary walks root in lexical order and returns the first .shp.
// macOS resource forks (__MACOSX/, ._name) are skipped.
func findPrimary(root string) (string, error) {
	var found string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if name == "__MACOSX" {
				return fs.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, "._") || !d.Type().IsRegular() {
			return nil
		}
		if strings.EqualFold(filepath.Ext(name), PrimaryExt) {
			found = path
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("walk scratch area: %w", err)
	}
	return found, nil
}

// collectSidecars finds companions next to primary whose stem matches
// case-insensitively, and renames everything to lower-case extensions so the
// shapefile reader, which derives companion paths itself, can find them.
func collectSidecars(ds *Dataset, primary string) error {
	dir := filepath.Dir(primary)
	ext := filepath.Ext(primary)
	stem := strings.TrimSuffix(filepath.Base(primary), ext)

	canonical := filepath.Join(dir, stem+PrimaryExt)
	if canonical != primary {
		if err := os.Rename(primary, canonical); err != nil {
			return fmt.Errorf("normalize %s: %w", filepath.Base(primary), err)
		}
	}
	ds.Primary = canonical

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("list %s: %w", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		eext := filepath.Ext(name)
		if !strings.EqualFold(strings.TrimSuffix(name, eext), stem) {
			continue
		}
		lower := strings.ToLower(eext)
		for _, want := range sidecarExts {
			if lower != want {
				continue
			}
			if _, dup := ds.Sidecars[want]; dup {
				break
			}
			path := filepath.Join(dir, name)
			norm := filepath.Join(dir, stem+want)
			if path != norm {
				if err := os.Rename(path, norm); err != nil {
					return fmt.Errorf("normalize %s: %w", name, err)
				}
			}
			ds.Sidecars[want] = norm
			break
		}
	}
	return nil
}
