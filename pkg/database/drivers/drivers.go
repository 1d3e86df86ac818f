// Package drivers groups database/sql driver registrations for the ingest
// journal so heavy dependencies stay out of lightweight go test/go vet runs
// unless a binary explicitly imports this package.
//
// Registered names: "sqlite" (modernc), "genji", "pgx" and, with
// -tags duckdb, "duckdb".
package drivers

// Ready is a no-op helper used by main packages to make the import explicit.
func Ready() {}
