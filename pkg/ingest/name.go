package ingest

import (
	"fmt"
	"path/filepath"
	"strings"
)

// DeriveLayerName turns an uploaded filename into the registry key: the base
// name with directories (either separator) and the last extension removed.
// "uploads\\district_a.zip" and "district_a.zip" both give "district_a".
func DeriveLayerName(filename string) (string, error) {
	base := filename[strings.LastIndexAny(filename, `/\`)+1:]
	name := strings.TrimSpace(strings.TrimSuffix(base, filepath.Ext(base)))
	if name == "" || name == "." || name == ".." {
		return "", fmt.Errorf("%w: cannot derive a layer name from %q", ErrUnsupportedFormat, filename)
	}
	return name, nil
}
