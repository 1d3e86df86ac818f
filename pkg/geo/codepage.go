package geo

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
)

// DecoderForCodePage maps the content of a .cpg companion ("UTF-8", "1251",
// "ANSI 1252", "CP866" ...) to a text decoder for DBF attribute values.
// A nil decoder with nil error means the values are already UTF-8.
func DecoderForCodePage(label string) (*encoding.Decoder, error) {
	l := strings.ToLower(strings.TrimSpace(label))
	l = strings.TrimSpace(strings.TrimPrefix(l, "ansi"))
	switch l {
	case "", "utf-8", "utf8", "65001":
		return nil, nil
	}
	if isDigits(l) {
		l = "cp" + l
	}
	enc, err := htmlindex.Get(l)
	if err != nil {
		return nil, fmt.Errorf("code page %q: %w", label, err)
	}
	if name, _ := htmlindex.Name(enc); name == "utf-8" {
		return nil, nil
	}
	return enc.NewDecoder(), nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return s != ""
}
