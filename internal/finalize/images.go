package finalize

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"mime"
	"net/http"
	"net/url"
	"path"
	"slices"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	_ "golang.org/x/image/webp"

	"github.com/JakeFAU/resilient-fetch/internal/fetch"
	"github.com/JakeFAU/resilient-fetch/internal/fetcher/transport"
	"github.com/JakeFAU/resilient-fetch/internal/metrics"
)

var errTrackingPixel = errors.New("1x1 tracking pixel")

// imageRef is one discovered reference: the attribute text as written and
// its resolved absolute URL.
type imageRef struct {
	raw string
	abs string
}

// discoverImages lists image references in document order, de-duplicated by
// absolute URL and capped at limit. data: URIs are skipped.
func discoverImages(doc *goquery.Document, base *url.URL, limit int) []imageRef {
	var refs []imageRef
	seen := map[string]struct{}{}
	add := func(raw string) {
		raw = strings.TrimSpace(raw)
		if raw == "" || strings.HasPrefix(strings.ToLower(raw), "data:") {
			return
		}
		ref, err := url.Parse(raw)
		if err != nil {
			return
		}
		abs := ref
		if base != nil {
			abs = base.ResolveReference(ref)
		}
		if abs.Scheme != "http" && abs.Scheme != "https" {
			return
		}
		key := abs.String()
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		refs = append(refs, imageRef{raw: raw, abs: key})
	}

	doc.Find("img[src]").Each(func(_ int, s *goquery.Selection) {
		add(s.AttrOr("src", ""))
	})
	doc.Find("img[data-src]").Each(func(_ int, s *goquery.Selection) {
		add(s.AttrOr("data-src", ""))
	})
	doc.Find("source[srcset]").Each(func(_ int, s *goquery.Selection) {
		add(firstSrcset(s.AttrOr("srcset", "")))
	})

	if limit > 0 && len(refs) > limit {
		refs = refs[:limit]
	}
	return refs
}

// firstSrcset returns the URL of the first srcset candidate.
func firstSrcset(srcset string) string {
	first, _, _ := strings.Cut(srcset, ",")
	fields := strings.Fields(first)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// downloadedImage is a fetched image ready to store.
type downloadedImage struct {
	data        []byte
	contentType string
	width       int
	height      int
}

func (f *Finalizer) downloadImage(ctx context.Context, imageURL string) (downloadedImage, error) {
	if f.validator != nil {
		if err := f.validator.Validate(ctx, imageURL); err != nil {
			return downloadedImage{}, err
		}
	}
	if f.imageLimiter != nil {
		if err := f.imageLimiter.Wait(ctx); err != nil {
			return downloadedImage{}, err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, f.cfg.ImageTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return downloadedImage{}, fmt.Errorf("build image request: %w", err)
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept", "image/avif,image/webp,image/apng,image/*,*/*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		return downloadedImage{}, fmt.Errorf("fetch image: %w", err)
	}
	if resp.ContentLength > f.cfg.MaxImageBytes {
		_ = resp.Body.Close()
		return downloadedImage{}, fmt.Errorf("image too large: %d bytes (max: %d)", resp.ContentLength, f.cfg.MaxImageBytes)
	}
	data, err := transport.ReadBody(resp, f.cfg.MaxImageBytes)
	if err != nil {
		return downloadedImage{}, err
	}

	ctype, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if !strings.HasPrefix(ctype, "image/") {
		ctype, _, _ = mime.ParseMediaType(http.DetectContentType(data))
	}
	if !strings.HasPrefix(ctype, "image/") {
		return downloadedImage{}, fmt.Errorf("not an image: %s", ctype)
	}

	img := downloadedImage{data: data, contentType: ctype}
	if cfg, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
		img.width, img.height = cfg.Width, cfg.Height
		if cfg.Width <= 1 && cfg.Height <= 1 {
			return downloadedImage{}, errTrackingPixel
		}
	}
	return img, nil
}

// retrieveImages downloads every discoverable image of the clean HTML into
// dir/images and rewrites references to the local copies.
func (f *Finalizer) retrieveImages(ctx context.Context, res *fetch.Result, dir string) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(res.CleanHTML))
	if err != nil {
		f.record(res, fmt.Errorf("parse clean html for images: %w", err))
		return
	}
	base, err := url.Parse(res.FinalURL)
	if err != nil || base.Host == "" {
		base, _ = url.Parse(res.URL)
	}

	local := map[string]string{}
	for _, ref := range discoverImages(doc, base, f.cfg.MaxImagesPerPage) {
		if ctx.Err() != nil {
			f.record(res, fmt.Errorf("image retrieval interrupted: %w", ctx.Err()))
			break
		}
		img, err := f.downloadImage(ctx, ref.abs)
		if errors.Is(err, errTrackingPixel) {
			metrics.ObserveImage("skipped")
			continue
		}
		if err != nil {
			metrics.ObserveImage("failed")
			f.logger.Debug("image download failed", zap.String("image", ref.abs), zap.Error(err))
			f.record(res, fmt.Errorf("image %s: %w", ref.abs, err))
			continue
		}

		name := imageFilename(ref.abs, img.contentType)
		rel := path.Join("images", name)
		if _, err := f.store.PutObject(ctx, path.Join(dir, rel), img.contentType, bytes.NewReader(img.data)); err != nil {
			metrics.ObserveImage("failed")
			f.record(res, fmt.Errorf("store image %s: %w", ref.abs, err))
			continue
		}
		metrics.ObserveImage("stored")
		local[ref.raw] = rel
		local[ref.abs] = rel
		res.Images = append(res.Images, fetch.ImageRecord{
			OriginalURL: ref.abs,
			LocalPath:   path.Join(dir, rel),
			Filename:    name,
			Width:       img.width,
			Height:      img.height,
			Bytes:       len(img.data),
		})
	}
	if len(local) == 0 {
		return
	}

	rewriteImageRefs(doc, local)
	if rewritten, err := renderFragment(doc, res.CleanHTML); err == nil {
		res.CleanHTML = rewritten
	} else {
		f.record(res, fmt.Errorf("render rewritten html: %w", err))
	}
	res.Content = rewriteMarkdown(res.Content, local)
}

func rewriteImageRefs(doc *goquery.Document, local map[string]string) {
	doc.Find("img").Each(func(_ int, s *goquery.Selection) {
		for _, attr := range []string{"src", "data-src"} {
			if v, ok := s.Attr(attr); ok {
				if rel, hit := local[strings.TrimSpace(v)]; hit {
					s.SetAttr("src", rel)
					s.RemoveAttr("srcset")
					break
				}
			}
		}
	})
	doc.Find("source[srcset]").Each(func(_ int, s *goquery.Selection) {
		if rel, hit := local[firstSrcset(s.AttrOr("srcset", ""))]; hit {
			s.SetAttr("srcset", rel)
		}
	})
}

// renderFragment serializes doc, dropping the html/body wrapper the parser
// adds around fragments.
func renderFragment(doc *goquery.Document, original string) (string, error) {
	if strings.Contains(strings.ToLower(original), "<html") {
		return doc.Html()
	}
	return doc.Find("body").Html()
}

// rewriteMarkdown replaces image targets, longest first so a URL is never
// clobbered by a shorter relative form of itself.
func rewriteMarkdown(md string, local map[string]string) string {
	keys := make([]string, 0, len(local))
	for k := range local {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b string) int { return cmp.Compare(len(b), len(a)) })
	for _, k := range keys {
		md = strings.ReplaceAll(md, "("+k+")", "("+local[k]+")")
		md = strings.ReplaceAll(md, "("+k+" ", "("+local[k]+" ")
	}
	return md
}
