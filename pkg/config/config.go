// Package config holds the server settings. Values come from built-in
// defaults, then an optional YAML file, then command-line flags that were set
// explicitly.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full set of tunables.
type Config struct {
	Port   int    `yaml:"port"`
	Domain string `yaml:"domain"`

	ScratchDir        string        `yaml:"scratch_dir"`
	ArchiveExtensions []string      `yaml:"archive_extensions"`
	MaxUploadBytes    int64         `yaml:"max_upload_bytes"`
	MaxUnpackedBytes  int64         `yaml:"max_unpacked_bytes"`
	MaxEntries        int           `yaml:"max_entries"`
	IngestTimeout     time.Duration `yaml:"ingest_timeout"`
	Workers           int           `yaml:"workers"`
	MissingProjection string        `yaml:"missing_projection"`

	OpacityMode string  `yaml:"opacity_mode"`
	Opacity     float64 `yaml:"opacity"`
	OpacityMin  float64 `yaml:"opacity_min"`
	OpacityMax  float64 `yaml:"opacity_max"`
	Seed        uint64  `yaml:"seed"`

	CacheTTL     time.Duration `yaml:"cache_ttl"`
	UploadsPerIP int           `yaml:"uploads_per_ip"`

	DBType string `yaml:"db_type"`
	DBPath string `yaml:"db_path"`
	DBConn string `yaml:"db_conn"`

	DefaultLat  float64 `yaml:"default_lat"`
	DefaultLon  float64 `yaml:"default_lon"`
	DefaultZoom int     `yaml:"default_zoom"`
}

// Defaults returns the settings used when nothing else is given.
func Defaults() Config {
	return Config{
		Port:              8765,
		ArchiveExtensions: []string{".zip"},
		MaxUploadBytes:    256 << 20,
		MaxUnpackedBytes:  512 << 20,
		MaxEntries:        10000,
		IngestTimeout:     60 * time.Second,
		Workers:           1,
		MissingProjection: "reject",
		OpacityMode:       "fixed",
		Opacity:           0.7,
		OpacityMin:        0.3,
		OpacityMax:        0.8,
		CacheTTL:          30 * time.Second,
		UploadsPerIP:      4,
		DBType:            "sqlite",
		DefaultLat:        44.08832,
		DefaultLon:        42.97577,
		DefaultZoom:       11,
	}
}

// Load reads a YAML file over Defaults. An empty path returns Defaults.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every out-of-range setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if len(c.ArchiveExtensions) == 0 {
		errs = append(errs, errors.New("archive_extensions is empty"))
	}
	if c.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("max_upload_bytes must be positive"))
	}
	if c.MaxUnpackedBytes <= 0 {
		errs = append(errs, errors.New("max_unpacked_bytes must be positive"))
	}
	if c.MaxEntries <= 0 {
		errs = append(errs, errors.New("max_entries must be positive"))
	}
	if c.IngestTimeout < 0 {
		errs = append(errs, errors.New("ingest_timeout must not be negative"))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers %d must be at least 1", c.Workers))
	}
	switch c.MissingProjection {
	case "reject", "assume-wgs84":
	default:
		errs = append(errs, fmt.Errorf("missing_projection %q: want reject or assume-wgs84", c.MissingProjection))
	}
	switch c.OpacityMode {
	case "fixed", "random":
	default:
		errs = append(errs, fmt.Errorf("opacity_mode %q: want fixed or random", c.OpacityMode))
	}
	// zero opacity leaves a layer invisible; the palette treats 0 as unset
	if c.Opacity <= 0 || c.Opacity > 1 {
		errs = append(errs, fmt.Errorf("opacity %v outside (0,1]", c.Opacity))
	}
	if c.OpacityMin < 0 || c.OpacityMin > 1 {
		errs = append(errs, fmt.Errorf("opacity_min %v outside [0,1]", c.OpacityMin))
	}
	if c.OpacityMax <= 0 || c.OpacityMax > 1 {
		errs = append(errs, fmt.Errorf("opacity_max %v outside (0,1]", c.OpacityMax))
	}
	if c.OpacityMin > c.OpacityMax {
		errs = append(errs, fmt.Errorf("opacity_min %v above opacity_max %v", c.OpacityMin, c.OpacityMax))
	}
	switch strings.ToLower(c.DBType) {
	case "sqlite", "genji", "duckdb", "none", "":
	case "pgx":
		if strings.TrimSpace(c.DBConn) == "" {
			errs = append(errs, errors.New("db_conn is required for pgx"))
		}
	default:
		errs = append(errs, fmt.Errorf("db_type %q unsupported", c.DBType))
	}
	if c.DefaultLat < -90 || c.DefaultLat > 90 || c.DefaultLon < -180 || c.DefaultLon > 180 {
		errs = append(errs, fmt.Errorf("default position (%v, %v) out of range", c.DefaultLat, c.DefaultLon))
	}
	return errors.Join(errs...)
}

// Bind registers one flag per setting on fs, using c's current values as
// defaults. Apply copies the flags that were set explicitly.
func (c *Config) Bind(fs *flag.FlagSet) *Flags {
	f := &Flags{fs: fs}
	fs.IntVar(&f.port, "port", c.Port, "Port for running the server")
	fs.StringVar(&f.domain, "domain", c.Domain, "Use 80 and 443 ports. Automatic HTTPS cert via Let's Encrypt.")
	fs.StringVar(&f.scratchDir, "scratch-dir", c.ScratchDir, "Parent directory for per-upload scratch areas (default: system temp)")
	fs.StringVar(&f.extensions, "archive-extensions", strings.Join(c.ArchiveExtensions, ","), "Comma-separated archive suffixes accepted for upload")
	fs.Int64Var(&f.maxUpload, "max-upload-bytes", c.MaxUploadBytes, "Maximum size of one upload request")
	fs.Int64Var(&f.maxUnpacked, "max-unpacked-bytes", c.MaxUnpackedBytes, "Maximum uncompressed size of one archive")
	fs.IntVar(&f.maxEntries, "max-entries", c.MaxEntries, "Maximum number of entries in one archive")
	fs.DurationVar(&f.timeout, "ingest-timeout", c.IngestTimeout, "Time limit for one archive (0 = none)")
	fs.IntVar(&f.workers, "workers", c.Workers, "Archives processed in parallel within a batch")
	fs.StringVar(&f.missingProjection, "missing-projection", c.MissingProjection, `Shapefiles without .prj: "reject" or "assume-wgs84"`)
	fs.StringVar(&f.opacityMode, "opacity-mode", c.OpacityMode, `Layer opacity: "fixed" or "random"`)
	fs.Float64Var(&f.opacity, "opacity", c.Opacity, "Fixed layer opacity")
	fs.Float64Var(&f.opacityMin, "opacity-min", c.OpacityMin, "Lower bound for random opacity")
	fs.Float64Var(&f.opacityMax, "opacity-max", c.OpacityMax, "Upper bound for random opacity")
	fs.Uint64Var(&f.seed, "seed", c.Seed, "Color generator seed (0 = random)")
	fs.DurationVar(&f.cacheTTL, "cache-ttl", c.CacheTTL, "Lifetime of cached /api/layers responses")
	fs.IntVar(&f.uploadsPerIP, "uploads-per-ip", c.UploadsPerIP, "Concurrent upload requests allowed per client address")
	fs.StringVar(&f.dbType, "db-type", c.DBType, "Ingest journal driver: sqlite, genji, duckdb, pgx (postgresql) or none")
	fs.StringVar(&f.dbPath, "db-path", c.DBPath, "Journal file for sqlite/genji/duckdb (default: in memory)")
	fs.StringVar(&f.dbConn, "db-conn", c.DBConn, "PostgreSQL connection string for pgx")
	fs.Float64Var(&f.defaultLat, "default-lat", c.DefaultLat, "Default map latitude")
	fs.Float64Var(&f.defaultLon, "default-lon", c.DefaultLon, "Default map longitude")
	fs.IntVar(&f.defaultZoom, "default-zoom", c.DefaultZoom, "Default map zoom")
	return f
}

// Flags holds flag values until Apply decides which of them win.
type Flags struct {
	fs *flag.FlagSet

	port, maxEntries, workers, uploadsPerIP, defaultZoom int
	domain, scratchDir, extensions, missingProjection    string
	opacityMode, dbType, dbPath, dbConn                  string
	maxUpload, maxUnpacked                               int64
	timeout, cacheTTL                                    time.Duration
	opacity, opacityMin, opacityMax                      float64
	defaultLat, defaultLon                               float64
	seed                                                 uint64
}

// Apply copies every explicitly set flag into c. Call after fs.Parse.
func (f *Flags) Apply(c *Config) {
	f.fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "port":
			c.Port = f.port
		case "domain":
			c.Domain = f.domain
		case "scratch-dir":
			c.ScratchDir = f.scratchDir
		case "archive-extensions":
			c.ArchiveExtensions = splitList(f.extensions)
		case "max-upload-bytes":
			c.MaxUploadBytes = f.maxUpload
		case "max-unpacked-bytes":
			c.MaxUnpackedBytes = f.maxUnpacked
		case "max-entries":
			c.MaxEntries = f.maxEntries
		case "ingest-timeout":
			c.IngestTimeout = f.timeout
		case "workers":
			c.Workers = f.workers
		case "missing-projection":
			c.MissingProjection = f.missingProjection
		case "opacity-mode":
			c.OpacityMode = f.opacityMode
		case "opacity":
			c.Opacity = f.opacity
		case "opacity-min":
			c.OpacityMin = f.opacityMin
		case "opacity-max":
			c.OpacityMax = f.opacityMax
		case "seed":
			c.Seed = f.seed
		case "cache-ttl":
			c.CacheTTL = f.cacheTTL
		case "uploads-per-ip":
			c.UploadsPerIP = f.uploadsPerIP
		case "db-type":
			c.DBType = f.dbType
		case "db-path":
			c.DBPath = f.dbPath
		case "db-conn":
			c.DBConn = f.dbConn
		case "default-lat":
			c.DefaultLat = f.defaultLat
		case "default-lon":
			c.DefaultLon = f.defaultLon
		case "default-zoom":
			c.DefaultZoom = f.defaultZoom
		}
	})
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
