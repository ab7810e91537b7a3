// Package resurrect is the last-resort strategy for URLs whose page and
// direct snapshots are gone.
package resurrect

import (
	"net/url"
	"path"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/JakeFAU/resilient-fetch/internal/slug"
)

const minKeywordRunes = 3

var (
	dateSegment = regexp.MustCompile(`^(\d{1,2}|\d{4}|\d{8}|\d{4}-\d{2}(-\d{2})?)$`)
	numericID   = regexp.MustCompile(`^[a-z]{0,3}\d{4,}$`)
	wordSplit   = regexp.MustCompile(`[-_+.\s]+`)
)

var sectionPrefixes = map[string]struct{}{
	"article": {}, "articles": {}, "story": {}, "stories": {}, "news": {}, "blog": {},
	"post": {}, "posts": {}, "p": {}, "amp": {}, "index": {}, "en": {}, "us": {}, "world": {},
}

// Keywords derives search words from the path of rawURL. Date segments,
// numeric ids, file extensions and common section prefixes are dropped.
func Keywords(rawURL string) []string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil
	}
	seen := map[string]struct{}{}
	var out []string
	for _, seg := range strings.Split(u.Path, "/") {
		if unescaped, err := url.PathUnescape(seg); err == nil {
			seg = unescaped
		}
		seg = strings.ToLower(strings.TrimSpace(seg))
		if ext := path.Ext(seg); ext != "" && len(ext) <= 6 {
			seg = strings.TrimSuffix(seg, ext)
		}
		if seg == "" || dateSegment.MatchString(seg) || numericID.MatchString(seg) {
			continue
		}
		if _, ok := sectionPrefixes[seg]; ok {
			continue
		}
		for _, word := range wordSplit.Split(slug.Transliterate(seg), -1) {
			word = strings.Map(keepAlnum, word)
			if utf8.RuneCountInString(word) < minKeywordRunes || isDigits(word) {
				continue
			}
			if _, dup := seen[word]; dup {
				continue
			}
			seen[word] = struct{}{}
			out = append(out, word)
		}
	}
	return out
}

func keepAlnum(r rune) rune {
	if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
		return r
	}
	return -1
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

// Variants lists alternate spellings of rawURL that an archive may have
// indexed instead: query and fragment stripped, trailing slash toggled and
// www toggled. The original itself is never included.
func Variants(rawURL string) []string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return nil
	}
	bare := *u
	bare.RawQuery = ""
	bare.ForceQuery = false
	bare.Fragment = ""
	bare.RawFragment = ""

	candidates := []url.URL{bare, toggleSlash(bare), toggleWWW(bare), toggleWWW(toggleSlash(bare))}
	seen := map[string]struct{}{u.String(): {}}
	var out []string
	for _, c := range candidates {
		s := c.String()
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func toggleSlash(u url.URL) url.URL {
	switch {
	case u.Path == "" || u.Path == "/":
		return u
	case strings.HasSuffix(u.Path, "/"):
		u.Path = strings.TrimSuffix(u.Path, "/")
	default:
		u.Path += "/"
	}
	u.RawPath = ""
	return u
}

func toggleWWW(u url.URL) url.URL {
	if host, ok := strings.CutPrefix(u.Host, "www."); ok {
		u.Host = host
	} else {
		u.Host = "www." + u.Host
	}
	return u
}
