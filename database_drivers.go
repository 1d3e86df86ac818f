//go:build !test

// Production binaries link every journal driver; `go test -tags test` skips
// the heavy ones.
package main

import "chicha-shape-map/pkg/database/drivers"

func init() {
	// Touch the drivers package so its init functions register SQL
	// backends before the journal is opened.
	drivers.Ready()
}
