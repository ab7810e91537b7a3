// Package quality judges whether fetched HTML is real content.
package quality

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const (
	// BodyScanChars bounds how much of the body is scanned for error phrasing.
	BodyScanChars = 5000
	// MinVisibleChars is the visible-text floor below which a page is a soft failure.
	MinVisibleChars = 200
	// DefaultMinContentChars is the extracted-length floor for most strategies.
	DefaultMinContentChars = 500
	// ResurrectionMinContentChars is the lower floor for the last-resort strategy.
	ResurrectionMinContentChars = 200
)

var bodyTag = regexp.MustCompile(`(?i)<body[\s>/]`)

// Gate applies the soft-failure and length checks.
type Gate struct {
	patterns *Patterns
}

// NewGate builds a Gate. A nil pattern set uses the embedded defaults.
func NewGate(p *Patterns) *Gate {
	if p == nil {
		p = DefaultPatterns()
	}
	return &Gate{patterns: p}
}

// Patterns exposes the loaded pattern set.
func (g *Gate) Patterns() *Patterns {
	return g.patterns
}

// ShouldSkip reports whether rawURL matches a skip pattern.
func (g *Gate) ShouldSkip(rawURL string) (bool, string) {
	if re := firstMatch(g.patterns.Skip, rawURL); re != nil {
		return true, fmt.Sprintf("url matches skip pattern %q", re.String())
	}
	return false, ""
}

// IsSoftFailure reports whether html is empty, reads as an error page, or
// carries too little visible text. The reason names the check that fired.
func (g *Gate) IsSoftFailure(html string) (bool, string) {
	if strings.TrimSpace(html) == "" {
		return true, "empty html"
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return true, fmt.Sprintf("unparseable html: %v", err)
	}

	title := strings.TrimSpace(doc.Find("title").First().Text())
	if re := firstMatch(g.patterns.SoftFailure, title); re != nil {
		return true, fmt.Sprintf("title %q matches %q", title, re.String())
	}

	// The parser always synthesizes a body, so look for a real tag first.
	scan := html
	if bodyTag.MatchString(html) {
		scan = doc.Find("body").First().Text()
	}
	scan = truncateRunes(scan, BodyScanChars)
	if re := firstMatch(g.patterns.SoftFailure, scan); re != nil {
		return true, fmt.Sprintf("body matches %q", re.String())
	}

	if n := len([]rune(VisibleText(html))); n < MinVisibleChars {
		reason := fmt.Sprintf("visible text %d < %d chars", n, MinVisibleChars)
		if LooksClientRendered(html) {
			reason += " (client-rendered shell)"
		}
		return true, reason
	}
	return false, ""
}

// IsAcceptable is the full gate: not a soft failure and at least minimum
// characters of extracted content.
func (g *Gate) IsAcceptable(html string, extractedLength, minimum int) bool {
	if soft, _ := g.IsSoftFailure(html); soft {
		return false
	}
	return extractedLength >= minimum
}

func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
