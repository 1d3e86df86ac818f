package database

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"runtime"
	"strings"
	"time"
)

// MemoryDSN keeps the journal in process memory. The shared cache lets the
// single pooled connection be reopened without losing rows.
const MemoryDSN = "file:ingest?mode=memory&cache=shared"

// Database wraps the SQL handle backing the ingest journal.
type Database struct {
	DB     *sql.DB // The underlying SQL database connection
	Driver string  // Normalized driver name so SQL builders can stay declarative
}

// Config holds the configuration details for initializing the database.
type Config struct {
	DBType string // "sqlite", "genji", "duckdb" or "pgx" (PostgreSQL)
	DBPath string // file path for file-based engines; "" = in memory where supported
	DBConn string // DSN for pgx
}

// normalizeDBType trims and lowercases driver names.
func normalizeDBType(dbType string) string {
	return strings.ToLower(strings.TrimSpace(dbType))
}

// Enabled reports whether cfg asks for a journal at all.
func (cfg Config) Enabled() bool {
	t := normalizeDBType(cfg.DBType)
	return t != "" && t != "none"
}

// NewDatabase opens DB and configures connection pooling.
// For SQLite/Genji/DuckDB we force single-connection mode.
func NewDatabase(config Config) (*Database, error) {
	driverName := normalizeDBType(config.DBType)
	var dsn string

	switch driverName {
	case "sqlite":
		dsn = config.DBPath
		if dsn == "" {
			dsn = MemoryDSN
		}
	case "genji":
		dsn = config.DBPath
		if dsn == "" {
			dsn = ":memory:"
		}
	case "duckdb":
		// empty DSN is an in-memory DuckDB
		dsn = config.DBPath
	case "pgx":
		dsn = strings.TrimSpace(config.DBConn)
		if dsn == "" {
			return nil, fmt.Errorf("pgx requires a connection string")
		}
	default:
		return nil, fmt.Errorf("unsupported database type: %s", config.DBType)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("error opening the database: %v", err)
	}

	switch driverName {
	case "sqlite", "genji", "duckdb":
		// One physical connection; no concurrent statements at DB layer.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		// Never recycle the single connection: an in-memory database lives with it.
		db.SetConnMaxLifetime(0)
	default:
		db.SetMaxOpenConns(runtime.NumCPU() * 2)
		db.SetMaxIdleConns(runtime.NumCPU())
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("error connecting to the database: %v", err)
	}

	switch driverName {
	case "sqlite":
		if err := tuneSQLiteConnection(pingCtx, db, log.Printf); err != nil {
			log.Printf("sqlite tuning skipped: %v", err)
		}
	case "duckdb":
		if err := tuneDuckDBConnection(pingCtx, db, log.Printf); err != nil {
			log.Printf("duckdb tuning skipped: %v", err)
		}
	}

	return &Database{DB: db, Driver: driverName}, nil
}

// Close releases the connection pool.
func (db *Database) Close() error {
	if db == nil || db.DB == nil {
		return nil
	}
	return db.DB.Close()
}

type pragma struct {
	label     string
	query     string
	expectRow bool
}

// tuneSQLiteConnection applies synchronous/busy pragmas. journal_mode reports
// "memory" for the in-memory DSN, which is fine.
func tuneSQLiteConnection(ctx context.Context, db *sql.DB, logf func(string, ...any)) error {
	return runPragmas(ctx, db, "SQLite", logf, []pragma{
		{label: "journal_mode", query: "PRAGMA journal_mode=WAL;", expectRow: true},
		{label: "synchronous", query: "PRAGMA synchronous=NORMAL;"},
		{label: "temp_store", query: "PRAGMA temp_store=MEMORY;"},
		{label: "busy_timeout", query: "PRAGMA busy_timeout=5000;"},
	})
}

// tuneDuckDBConnection lets DuckDB use every CPU; container defaults are low.
func tuneDuckDBConnection(ctx context.Context, db *sql.DB, logf func(string, ...any)) error {
	threads := runtime.NumCPU()
	if threads < 1 {
		threads = 1
	}
	return runPragmas(ctx, db, "DuckDB", logf, []pragma{
		{label: "threads", query: fmt.Sprintf("PRAGMA threads=%d;", threads)},
	})
}

// runPragmas feeds steps to a worker goroutine and returns its first error.
func runPragmas(ctx context.Context, db *sql.DB, engine string, logf func(string, ...any), steps []pragma) error {
	jobs := make(chan pragma)
	errs := make(chan error, 1)

	go func() {
		defer close(errs)
		for step := range jobs {
			select {
			case <-ctx.Done():
				errs <- ctx.Err()
				// drain so the feeder can finish
				for range jobs {
				}
				return
			default:
			}

			if step.expectRow {
				var mode string
				if err := db.QueryRowContext(ctx, step.query).Scan(&mode); err != nil {
					errs <- fmt.Errorf("apply %s: %w", step.label, err)
					for range jobs {
					}
					return
				}
				logf("%s tuning %s -> %s", engine, step.label, mode)
				continue
			}

			if _, err := db.ExecContext(ctx, step.query); err != nil {
				errs <- fmt.Errorf("apply %s: %w", step.label, err)
				for range jobs {
				}
				return
			}
			logf("%s tuning %s applied", engine, step.label)
		}
		errs <- nil
	}()

	go func() {
		defer close(jobs)
		for _, step := range steps {
			jobs <- step
		}
	}()

	return <-errs
}

// InitSchema creates the journal table and its index.
func (db *Database) InitSchema(ctx context.Context) error {
	var stmts []string
	switch db.Driver {
	case "pgx":
		stmts = []string{`
CREATE TABLE IF NOT EXISTS ingest_history (
  id          BIGSERIAL PRIMARY KEY,
  batch_id    TEXT NOT NULL,
  filename    TEXT NOT NULL,
  layer       TEXT,
  status      TEXT NOT NULL,
  reason      TEXT,
  ingested_at BIGINT NOT NULL
)`,
			`CREATE INDEX IF NOT EXISTS idx_ingest_history_at ON ingest_history (ingested_at)`,
		}
	case "duckdb":
		stmts = []string{
			`CREATE SEQUENCE IF NOT EXISTS ingest_history_seq START 1`,
			`
CREATE TABLE IF NOT EXISTS ingest_history (
  id          BIGINT PRIMARY KEY DEFAULT nextval('ingest_history_seq'),
  batch_id    TEXT NOT NULL,
  filename    TEXT NOT NULL,
  layer       TEXT,
  status      TEXT NOT NULL,
  reason      TEXT,
  ingested_at BIGINT NOT NULL
)`,
		}
	case "genji":
		stmts = []string{`
CREATE TABLE IF NOT EXISTS ingest_history (
  batch_id    TEXT NOT NULL,
  filename    TEXT NOT NULL,
  layer       TEXT,
  status      TEXT NOT NULL,
  reason      TEXT,
  ingested_at INTEGER NOT NULL
)`,
			`CREATE INDEX IF NOT EXISTS idx_ingest_history_at ON ingest_history (ingested_at)`,
		}
	default: // sqlite
		stmts = []string{`
CREATE TABLE IF NOT EXISTS ingest_history (
  id          INTEGER PRIMARY KEY AUTOINCREMENT,
  batch_id    TEXT NOT NULL,
  filename    TEXT NOT NULL,
  layer       TEXT,
  status      TEXT NOT NULL,
  reason      TEXT,
  ingested_at INTEGER NOT NULL
)`,
			`CREATE INDEX IF NOT EXISTS idx_ingest_history_at ON ingest_history (ingested_at)`,
		}
	}
	return execStatements(ctx, db.DB, stmts)
}

// execStatements executes DDL one statement at a time so engines that reject
// multi-statement Exec calls still boot.
func execStatements(ctx context.Context, db *sql.DB, stmts []string) error {
	for _, stmt := range stmts {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// placeholder returns the n-th (1-based) bind parameter for the driver.
func placeholder(driver string, n int) string {
	if driver == "pgx" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}
