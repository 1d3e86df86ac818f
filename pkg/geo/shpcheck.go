package geo

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/jonas-p/go-shp"
)

// shpHeaderLen is the fixed size of the .shp main file header.
const shpHeaderLen = 100

// checkRecords walks the record headers of a .shp file and verifies that the
// part and point counts of every record fit inside its declared content
// length, and that no record runs past the end of the file. The go-shp reader
// allocates from these counts without checking them.
func checkRecords(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return err
	}
	size := st.Size()
	if size < shpHeaderLen {
		return fmt.Errorf("%w: file shorter than its header", ErrCorruptShape)
	}

	var hdr [8]byte
	var head [44]byte
	for off := int64(shpHeaderLen); off+int64(len(hdr)) <= size; {
		if _, err := f.ReadAt(hdr[:], off); err != nil {
			return fmt.Errorf("%w: record header at offset %d: %v", ErrCorruptShape, off, err)
		}
		words := int32(binary.BigEndian.Uint32(hdr[4:]))
		if words < 2 {
			return fmt.Errorf("%w: record at offset %d has length %d", ErrCorruptShape, off, words)
		}
		content := int64(words) * 2
		if off+8+content > size {
			return fmt.Errorf("%w: record at offset %d runs past the end of the file", ErrCorruptShape, off)
		}
		n := min(content, int64(len(head)))
		if _, err := f.ReadAt(head[:n], off+8); err != nil {
			return fmt.Errorf("%w: record at offset %d: %v", ErrCorruptShape, off, err)
		}
		if err := checkContent(head[:n], content); err != nil {
			return fmt.Errorf("record at offset %d: %w", off, err)
		}
		off += 8 + content
	}
	return nil
}

// checkContent validates one record body given its first bytes.
func checkContent(head []byte, content int64) error {
	typ := shp.ShapeType(int32(binary.LittleEndian.Uint32(head[:4])))

	var need int64
	switch typ {
	case shp.NULL:
		return nil
	case shp.POINT:
		need = 20
	case shp.POINTM:
		need = 28
	case shp.POINTZ:
		need = 36
	case shp.MULTIPOINT, shp.MULTIPOINTZ, shp.MULTIPOINTM:
		if len(head) < 40 {
			return fmt.Errorf("%w: truncated multipoint", ErrCorruptShape)
		}
		points := int64(int32(binary.LittleEndian.Uint32(head[36:40])))
		if points < 0 {
			return fmt.Errorf("%w: %d points", ErrCorruptShape, points)
		}
		need = 40 + 16*points
	case shp.POLYLINE, shp.POLYLINEZ, shp.POLYLINEM,
		shp.POLYGON, shp.POLYGONZ, shp.POLYGONM, shp.MULTIPATCH:
		if len(head) < 44 {
			return fmt.Errorf("%w: truncated part table", ErrCorruptShape)
		}
		parts := int64(int32(binary.LittleEndian.Uint32(head[36:40])))
		points := int64(int32(binary.LittleEndian.Uint32(head[40:44])))
		if parts < 0 || points < 0 {
			return fmt.Errorf("%w: %d parts, %d points", ErrCorruptShape, parts, points)
		}
		need = 44 + 4*parts + 16*points
		if typ == shp.MULTIPATCH {
			need += 4 * parts
		}
	default:
		return fmt.Errorf("%w: shape type %d", ErrUnsupportedGeometry, typ)
	}
	if need > content {
		return fmt.Errorf("%w: needs %d bytes, record holds %d", ErrCorruptShape, need, content)
	}
	return nil
}
