// Package slug turns titles and URL fragments into filesystem-safe names.
package slug

import (
	"path"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// MaxLen caps generated slugs.
const MaxLen = 80

var (
	nonSlug = regexp.MustCompile(`[^a-z0-9-]+`)
	dashes  = regexp.MustCompile(`-+`)
)

// Generate lower-cases s, folds accents to ASCII and joins words with hyphens.
func Generate(s string) string {
	if s == "" {
		return ""
	}
	s = Transliterate(strings.ToLower(s))
	s = strings.NewReplacer(" ", "-", "_", "-", "+", "-", ".", "-").Replace(s)
	s = nonSlug.ReplaceAllString(s, "")
	s = dashes.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if len(s) > MaxLen {
		s = strings.TrimRight(s[:MaxLen], "-")
	}
	return s
}

// WithFallback returns Generate(s), or Generate(fallback) when s yields nothing.
func WithFallback(s, fallback string) string {
	if out := Generate(s); out != "" {
		return out
	}
	return Generate(fallback)
}

// Transliterate strips combining marks so "café" becomes "cafe".
func Transliterate(s string) string {
	t := transform.Chain(norm.NFD, transform.RemoveFunc(isMn), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

func isMn(r rune) bool {
	return unicode.Is(unicode.Mn, r)
}

// FromImageURL slugs the file name of an image URL, without query or extension.
func FromImageURL(raw string) string {
	name := raw
	if i := strings.IndexAny(name, "?#"); i >= 0 {
		name = name[:i]
	}
	if strings.HasSuffix(name, "/") {
		return ""
	}
	name = path.Base(name)
	name = strings.TrimSuffix(name, path.Ext(name))
	return Generate(name)
}
