// Package extract turns accepted HTML into clean HTML, markdown and metadata.
package extract

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"github.com/dyatlov/go-opengraph/opengraph"
	readability "github.com/go-shiori/go-readability"

	"github.com/JakeFAU/resilient-fetch/internal/fetch"
)

// Metadata keys set by the extractor.
const (
	KeyTitle       = "title"
	KeyAuthor      = "author"
	KeyDescription = "description"
	KeySiteName    = "sitename"
	KeyDate        = "date"
	KeyLanguage    = "language"
	KeyImage       = "image"
)

// Readability implements fetch.Extractor with go-readability and html-to-markdown.
type Readability struct{}

// New returns a Readability extractor.
func New() *Readability {
	return &Readability{}
}

var _ fetch.Extractor = (*Readability)(nil)

// Extract has no side effects. An error means the HTML carried no readable article.
func (r *Readability) Extract(ctx context.Context, html string, pageURL string) (fetch.Extraction, error) {
	if err := ctx.Err(); err != nil {
		return fetch.Extraction{}, err
	}
	parsed, err := url.Parse(pageURL)
	if err != nil {
		parsed = nil
	}

	article, err := readability.FromReader(strings.NewReader(html), parsed)
	if err != nil {
		return fetch.Extraction{}, fmt.Errorf("%w: %v", fetch.ErrExtraction, err)
	}
	if strings.TrimSpace(article.Content) == "" {
		return fetch.Extraction{}, fmt.Errorf("%w: no readable content", fetch.ErrExtraction)
	}

	domain := ""
	if parsed != nil {
		domain = parsed.Host
	}
	markdown, err := md.NewConverter(domain, true, nil).ConvertString(article.Content)
	if err != nil {
		return fetch.Extraction{}, fmt.Errorf("%w: markdown: %v", fetch.ErrExtraction, err)
	}

	meta := metadata(html, article)
	return fetch.Extraction{
		Title:     meta[KeyTitle],
		Markdown:  strings.TrimSpace(markdown),
		CleanHTML: article.Content,
		Metadata:  meta,
	}, nil
}

// metadata merges readability fields with OpenGraph tags, readability first.
func metadata(html string, article readability.Article) map[string]string {
	meta := map[string]string{}
	set := func(key, value string) {
		value = strings.TrimSpace(value)
		if value != "" && meta[key] == "" {
			meta[key] = value
		}
	}

	set(KeyTitle, article.Title)
	set(KeyAuthor, article.Byline)
	set(KeyDescription, article.Excerpt)
	set(KeySiteName, article.SiteName)
	set(KeyLanguage, article.Language)
	set(KeyImage, article.Image)
	if article.PublishedTime != nil {
		set(KeyDate, article.PublishedTime.UTC().Format(time.RFC3339))
	}

	og := opengraph.NewOpenGraph()
	if err := og.ProcessHTML(strings.NewReader(html)); err == nil {
		set(KeyTitle, og.Title)
		set(KeyDescription, og.Description)
		set(KeySiteName, og.SiteName)
		if og.Article != nil {
			if og.Article.PublishedTime != nil {
				set(KeyDate, og.Article.PublishedTime.UTC().Format(time.RFC3339))
			}
			for _, a := range og.Article.Authors {
				set(KeyAuthor, a)
			}
		}
		if len(og.Images) > 0 && og.Images[0] != nil {
			set(KeyImage, og.Images[0].URL)
		}
	}

	if meta[KeyTitle] == "" || meta[KeyDescription] == "" {
		if doc, err := goquery.NewDocumentFromReader(strings.NewReader(html)); err == nil {
			set(KeyTitle, doc.Find("title").First().Text())
			if desc, ok := doc.Find(`meta[name="description"]`).Attr("content"); ok {
				set(KeyDescription, desc)
			}
		}
	}
	return meta
}
