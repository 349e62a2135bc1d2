// Copyright (c) 2026 Backupgate Team
// Backupgate - backup export gateway
// This source code is licensed under the MIT license found in the LICENSE file.

package export

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// ContentDisposition builds an attachment header carrying both an ASCII
// filename and the RFC 5987 UTF-8 form.
func ContentDisposition(filename string) string {
	if filename == "" {
		filename = "download"
	}
	return `attachment; filename="` + ASCIIFallback(filename) + `"; filename*=UTF-8''` + encodeRFC5987(filename)
}

// ASCIIFallback transliterates name to printable ASCII: accents are stripped
// and anything left outside the safe set becomes '_'.
func ASCIIFallback(name string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, name)
	if err != nil {
		stripped = name
	}
	var b strings.Builder
	for _, r := range stripped {
		switch {
		case r == '"' || r == '\\' || r == '/':
			b.WriteByte('_')
		case r >= 0x20 && r < 0x7f:
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

const upperhex = "0123456789ABCDEF"

func isAttrChar(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	return strings.IndexByte("!#$&+-.^_`|~", c) >= 0
}

func encodeRFC5987(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isAttrChar(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(upperhex[c>>4])
		b.WriteByte(upperhex[c&0x0f])
	}
	return b.String()
}
