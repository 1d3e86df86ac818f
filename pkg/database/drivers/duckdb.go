//go:build cgo && duckdb && linux && (amd64 || arm64)

// DuckDB keeps the journal in a columnar file; it needs CGO, so it is only
// compiled with -tags duckdb on Linux:
//
//	CGO_ENABLED=1 go build -tags duckdb
package drivers

import (
	_ "github.com/marcboeker/go-duckdb"
)
