package normalize

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// MaxNameLen is the longest canonical column name, in bytes.
const MaxNameLen = 63

// FoldName maps a raw field name to its canonical column name: accents are
// stripped, letters lower-cased, and every run of characters outside
// [a-z0-9] becomes a single "_". Leading and trailing separators are
// dropped. Names that would be empty become "col" and names starting with a
// digit get a "c_" prefix so they remain valid SQL identifiers.
//
//	"Data Series"   -> "data_series"
//	"Prix (€)"      -> "prix"
//	"Année"         -> "annee"
//	"2024 Jan"      -> "c_2024_jan"
func FoldName(raw string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	s, _, err := transform.String(t, raw)
	if err != nil {
		s = raw
	}
	s = strings.ToLower(s)

	var b strings.Builder
	b.Grow(len(s))
	sep := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') {
			if sep && b.Len() > 0 {
				b.WriteByte('_')
			}
			sep = false
			b.WriteByte(c)
			continue
		}
		sep = true
	}

	out := b.String()
	if out == "" {
		return "col"
	}
	if out[0] >= '0' && out[0] <= '9' {
		out = "c_" + out
	}
	if len(out) > MaxNameLen {
		out = strings.TrimRight(out[:MaxNameLen], "_")
	}
	return out
}
