package geo

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// WGS84 is the EPSG code of the canonical longitude/latitude frame.
const WGS84 = 4326

var (
	// ErrBadWKT marks a .prj that is not parseable well-known text.
	ErrBadWKT = errors.New("malformed WKT")
	// ErrUnknownCRS marks a WKT we parsed but could not map to an EPSG code.
	ErrUnknownCRS = errors.New("unknown coordinate reference system")
)

// CRS is the part of a .prj definition the reprojector needs.
type CRS struct {
	Kind string // PROJCS, GEOGCS, PROJCRS, GEOGCRS ...
	Name string
	EPSG int
}

// wktNode is one KEYWORD[arg, arg, ...] element.
type wktNode struct {
	keyword string
	args    []any // string, float64 or *wktNode
}

func (n *wktNode) name() string {
	if len(n.args) == 0 {
		return ""
	}
	s, _ := n.args[0].(string)
	return s
}

func (n *wktNode) child(keywords ...string) *wktNode {
	for _, a := range n.args {
		c, ok := a.(*wktNode)
		if !ok {
			continue
		}
		for _, k := range keywords {
			if c.keyword == k {
				return c
			}
		}
	}
	return nil
}

// ParsePRJ reads the WKT found in a shapefile's .prj companion and resolves
// it to an EPSG code. An explicit EPSG authority on the outermost element
// wins; otherwise well-known ESRI and OGC names are matched.
func ParsePRJ(text string) (CRS, error) {
	text = strings.TrimSpace(strings.TrimPrefix(text, "\ufeff"))
	if text == "" {
		return CRS{}, fmt.Errorf("%w: empty definition", ErrBadWKT)
	}
	p := &wktParser{src: text}
	root, err := p.node()
	if err != nil {
		return CRS{}, err
	}
	if len(root.args) == 0 {
		return CRS{}, p.errorf("%s has no body", root.keyword)
	}

	crs := CRS{Kind: root.keyword, Name: root.name()}
	if code, ok := epsgAuthority(root); ok {
		crs.EPSG = code
		return crs, nil
	}
	if code, ok := epsgFromName(crs.Name); ok {
		crs.EPSG = code
		return crs, nil
	}

	switch root.keyword {
	case "PROJCS", "PROJCRS", "PROJECTEDCRS":
		if proj := root.child("PROJECTION", "CONVERSION"); proj != nil {
			if n := normalizeName(proj.name()); strings.Contains(n, "MERCATOR_AUXILIARY_SPHERE") || strings.Contains(n, "POPULAR_VISUALISATION") {
				crs.EPSG = 3857
				return crs, nil
			}
		}
	case "GEOGCS", "GEOGCRS", "GEODCRS", "GEOGRAPHICCRS":
		if datum := root.child("DATUM"); datum != nil {
			if code, ok := epsgFromDatum(datum.name()); ok {
				crs.EPSG = code
				return crs, nil
			}
		}
	}
	return crs, fmt.Errorf("%w: %s[%q]", ErrUnknownCRS, crs.Kind, crs.Name)
}

func epsgAuthority(n *wktNode) (int, bool) {
	auth := n.child("AUTHORITY", "ID")
	if auth == nil || len(auth.args) < 2 || !strings.EqualFold(auth.name(), "EPSG") {
		return 0, false
	}
	switch v := auth.args[1].(type) {
	case string:
		code, err := strconv.Atoi(strings.TrimSpace(v))
		return code, err == nil && code > 0
	case float64:
		return int(v), v > 0
	}
	return 0, false
}

var (
	reWGSUTM   = regexp.MustCompile(`^WGS_?(?:1984|84)_UTM_ZONE_(\d{1,2})([NS])$`)
	reETRSUTM  = regexp.MustCompile(`^ETRS_?(?:1989|89)_UTM_ZONE_(\d{1,2})N$`)
	reNAD83UTM = regexp.MustCompile(`^NAD_?(?:1983|83)_UTM_ZONE_(\d{1,2})N$`)
	reSeps     = regexp.MustCompile(`[^A-Z0-9]+`)
)

var knownNames = map[string]int{
	"GCS_WGS_1984":                           4326,
	"WGS_84":                                 4326,
	"WGS84":                                  4326,
	"WGS_1984":                               4326,
	"WGS_1984_WEB_MERCATOR_AUXILIARY_SPHERE": 3857,
	"WGS_1984_WEB_MERCATOR":                  3857,
	"WGS_84_PSEUDO_MERCATOR":                 3857,
	"POPULAR_VISUALISATION_CRS_MERCATOR":     3857,
	"GCS_NORTH_AMERICAN_1983":                4269,
	"NAD83":                                  4269,
	"GCS_ETRS_1989":                          4258,
	"ETRS89":                                 4258,
	"ETRS_1989_LAEA":                         3035,
	"ETRS89_EXTENDED_LAEA_EUROPE":            3035,
	"ETRS89_LAEA_EUROPE":                     3035,
}

func normalizeName(s string) string {
	s = reSeps.ReplaceAllString(strings.ToUpper(strings.TrimSpace(s)), "_")
	return strings.Trim(s, "_")
}

func epsgFromName(name string) (int, bool) {
	n := normalizeName(name)
	if code, ok := knownNames[n]; ok {
		return code, true
	}
	if m := reWGSUTM.FindStringSubmatch(n); m != nil {
		zone, _ := strconv.Atoi(m[1])
		if zone < 1 || zone > 60 {
			return 0, false
		}
		if m[2] == "S" {
			return 32700 + zone, true
		}
		return 32600 + zone, true
	}
	if m := reETRSUTM.FindStringSubmatch(n); m != nil {
		zone, _ := strconv.Atoi(m[1])
		return 25800 + zone, zone >= 28 && zone <= 38
	}
	if m := reNAD83UTM.FindStringSubmatch(n); m != nil {
		zone, _ := strconv.Atoi(m[1])
		return 26900 + zone, zone >= 1 && zone <= 23
	}
	return 0, false
}

func epsgFromDatum(name string) (int, bool) {
	switch normalizeName(name) {
	case "D_WGS_1984", "WGS_1984", "WORLD_GEODETIC_SYSTEM_1984":
		return 4326, true
	case "D_NORTH_AMERICAN_1983", "NORTH_AMERICAN_DATUM_1983":
		return 4269, true
	case "D_ETRS_1989", "EUROPEAN_TERRESTRIAL_REFERENCE_SYSTEM_1989":
		return 4258, true
	}
	return 0, false
}

// wktParser is a minimal recursive-descent reader for WKT1/WKT2 syntax.
// Both [] and () brackets are accepted.
type wktParser struct {
	src   string
	pos   int
	depth int
}

// maxWKTDepth caps bracket nesting; real definitions stay below ten levels.
const maxWKTDepth = 64

func (p *wktParser) skipSpace() {
	for p.pos < len(p.src) && strings.ContainsRune(" \t\r\n", rune(p.src[p.pos])) {
		p.pos++
	}
}

func (p *wktParser) errorf(format string, v ...any) error {
	return fmt.Errorf("%w at offset %d: %s", ErrBadWKT, p.pos, fmt.Sprintf(format, v...))
}

func (p *wktParser) node() (*wktNode, error) {
	p.depth++
	defer func() { p.depth-- }()
	if p.depth > maxWKTDepth {
		return nil, p.errorf("nesting deeper than %d", maxWKTDepth)
	}
	p.skipSpace()
	start := p.pos
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		if c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '_' {
			p.pos++
			continue
		}
		break
	}
	if start == p.pos {
		return nil, p.errorf("keyword expected")
	}
	n := &wktNode{keyword: strings.ToUpper(p.src[start:p.pos])}

	p.skipSpace()
	if p.pos >= len(p.src) || (p.src[p.pos] != '[' && p.src[p.pos] != '(') {
		// Bare keywords such as axis directions (NORTH, EAST).
		return n, nil
	}
	closer := byte(']')
	if p.src[p.pos] == '(' {
		closer = ')'
	}
	p.pos++

	for {
		p.skipSpace()
		if p.pos >= len(p.src) {
			return nil, p.errorf("unterminated %s", n.keyword)
		}
		c := p.src[p.pos]
		switch {
		case c == closer:
			p.pos++
			return n, nil
		case c == ',':
			p.pos++
			continue
		case c == '"':
			s, err := p.quoted()
			if err != nil {
				return nil, err
			}
			n.args = append(n.args, s)
		case c == '-' || c == '+' || c == '.' || c >= '0' && c <= '9':
			f, err := p.number()
			if err != nil {
				return nil, err
			}
			n.args = append(n.args, f)
		default:
			child, err := p.node()
			if err != nil {
				return nil, err
			}
			n.args = append(n.args, child)
		}
	}
}

func (p *wktParser) quoted() (string, error) {
	p.pos++ // opening quote
	var b strings.Builder
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		p.pos++
		if c != '"' {
			b.WriteByte(c)
			continue
		}
		// "" is an escaped quote inside WKT strings
		if p.pos < len(p.src) && p.src[p.pos] == '"' {
			b.WriteByte('"')
			p.pos++
			continue
		}
		return b.String(), nil
	}
	return "", p.errorf("unterminated string")
}

func (p *wktParser) number() (float64, error) {
	start := p.pos
	for p.pos < len(p.src) && strings.ContainsRune("+-.0123456789eE", rune(p.src[p.pos])) {
		p.pos++
	}
	f, err := strconv.ParseFloat(p.src[start:p.pos], 64)
	if err != nil {
		return 0, p.errorf("bad number %q", p.src[start:p.pos])
	}
	return f, nil
}
