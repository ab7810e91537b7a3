package quality

import (
	"strings"
)

var spaMarkers = []string{
	`id="__next"`,
	`__next_data__`,
	`id="root"`,
	`id="app"`,
	`data-reactroot`,
	`ng-app`,
	`window.__apollo_state__`,
	`window.__nuxt__`,
}

// LooksClientRendered reports whether html is a JavaScript shell that only
// a browser can fill in: a framework mount point or script-dominated markup.
func LooksClientRendered(html string) bool {
	lower := strings.ToLower(html)
	for _, marker := range spaMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return scriptCoverage(lower)*100 >= len(lower)*25 && len(lower) > 0
}

// scriptCoverage counts bytes inside <script> elements of lowercased html.
func scriptCoverage(lower string) int {
	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	total := len(lower)
	covered := 0
	pos := 0
	for {
		rel := strings.Index(lower[pos:], openTag)
		if rel == -1 {
			return covered
		}
		start := pos + rel
		tagClose := strings.IndexByte(lower[start:], '>')
		if tagClose == -1 {
			// Malformed tail; count the rest.
			return covered + total - start
		}
		contentStart := start + tagClose + 1
		end := strings.Index(lower[contentStart:], closeTag)
		next := total
		if end != -1 {
			next = contentStart + end + len(closeTag)
		}
		covered += next - start
		pos = next
	}
}
