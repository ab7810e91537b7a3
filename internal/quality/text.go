package quality

import (
	"strings"

	"golang.org/x/net/html"
)

var invisibleTags = map[string]struct{}{
	"script":   {},
	"style":    {},
	"noscript": {},
	"template": {},
	"svg":      {},
	"iframe":   {},
}

// VisibleText returns the tag-stripped text of doc with whitespace collapsed.
func VisibleText(doc string) string {
	z := html.NewTokenizer(strings.NewReader(doc))
	var (
		b     strings.Builder
		skip  int
		space bool
	)
	for {
		switch z.Next() {
		case html.ErrorToken:
			// io.EOF or a malformed tail; either way the text so far stands.
			return b.String()
		case html.StartTagToken:
			name, _ := z.TagName()
			if _, ok := invisibleTags[string(name)]; ok {
				skip++
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			if _, ok := invisibleTags[string(name)]; ok && skip > 0 {
				skip--
			}
		case html.TextToken:
			if skip > 0 {
				continue
			}
			for _, f := range strings.Fields(string(z.Text())) {
				if space {
					b.WriteByte(' ')
				}
				b.WriteString(f)
				space = true
			}
		}
	}
}
