package finalize

import (
	"path"
	"strings"
	"time"

	"github.com/JakeFAU/resilient-fetch/internal/fetch"
	"github.com/JakeFAU/resilient-fetch/internal/hash/sha256"
	"github.com/JakeFAU/resilient-fetch/internal/slug"
)

// ContentIDLen is the number of hex characters kept from the URL digest.
const ContentIDLen = 16

var digest = sha256.New()

// ContentID is a stable identifier for rawURL.
func ContentID(rawURL string) string {
	return digest.Prefix(rawURL, ContentIDLen)
}

// Layout is the output directory for a fetch: category/YYYY/MM/DD/id, dated in UTC.
func Layout(category string, t time.Time, id string) string {
	c := slug.Generate(category)
	if c == "" {
		c = fetch.DefaultCategory
	}
	return path.Join(c, t.UTC().Format("2006/01/02"), id)
}

var imageExtensions = map[string]string{
	"image/jpeg":    ".jpg",
	"image/jpg":     ".jpg",
	"image/png":     ".png",
	"image/gif":     ".gif",
	"image/webp":    ".webp",
	"image/avif":    ".avif",
	"image/svg+xml": ".svg",
	"image/bmp":     ".bmp",
}

// imageFilename is <slug>-<hash8><ext>.
func imageFilename(imageURL, contentType string) string {
	name := slug.WithFallback(slug.FromImageURL(imageURL), "image")
	ext, ok := imageExtensions[contentType]
	if !ok {
		ext = strings.ToLower(path.Ext(strings.SplitN(imageURL, "?", 2)[0]))
		if ext == "" || len(ext) > 5 {
			ext = ".img"
		}
	}
	return name + "-" + digest.Prefix(imageURL, 8) + ext
}
