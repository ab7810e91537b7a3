package finalize

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/resilient-fetch/internal/clock/system"
	"github.com/JakeFAU/resilient-fetch/internal/fetch"
	"github.com/JakeFAU/resilient-fetch/internal/storage/memory"
)

type fixedIDs struct{}

func (fixedIDs) NewID() (string, error) { return "run-1", nil }

type failingStore struct{}

func (failingStore) PutObject(context.Context, string, string, io.Reader) (string, error) {
	return "", errors.New("disk full")
}

type hostBlocker string

func (h hostBlocker) Validate(_ context.Context, raw string) error {
	if strings.Contains(raw, string(h)) {
		return fmt.Errorf("%w: blocked", fetch.ErrSSRFBlocked)
	}
	return nil
}

var fetchedAt = time.Date(2026, 10, 14, 23, 30, 0, 0, time.FixedZone("EST", -5*3600))

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))))
	return buf.Bytes()
}

func imageServer(t *testing.T) *httptest.Server {
	t.Helper()
	photo := pngBytes(t, 4, 3)
	pixel := pngBytes(t, 1, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/img/a.png", "/img/b.png", "/img/c.png", "/img/d.png":
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write(photo)
		case "/img/pixel.png":
			_, _ = w.Write(pixel)
		case "/img/page.png":
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte("<html>not an image</html>"))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func successResult(finalURL string) *fetch.Result {
	res := fetch.NewResult(fetch.Request{URL: "https://news.example/story", Category: "Tech News"})
	res.AddAttempt(fetch.Attempt{Method: fetch.MethodDirect, Error: "soft failure: empty html"})
	res.AddAttempt(fetch.Attempt{Method: fetch.MethodArchive, Success: true})
	res.Succeed(fetch.MethodArchive,
		fetch.Page{URL: "https://news.example/story", FinalURL: finalURL, HTML: "<html>raw</html>"},
		fetch.Extraction{
			Title:     "Story",
			Markdown:  "# Story\n\nBody",
			CleanHTML: "<div><p>Body</p></div>",
			Metadata:  map[string]string{"author": "A. Writer"},
		},
	)
	return res
}

func newFinalizer(t *testing.T, cfg Config, deps Deps) *Finalizer {
	t.Helper()
	if deps.Clock == nil {
		deps.Clock = system.Fixed(fetchedAt)
	}
	f, err := New(cfg, deps, nil)
	require.NoError(t, err)
	return f
}

func TestContentIDAndLayout(t *testing.T) {
	t.Parallel()

	id := ContentID("https://news.example/story")
	assert.Len(t, id, ContentIDLen)
	assert.Equal(t, id, ContentID("https://news.example/story"))
	assert.NotEqual(t, id, ContentID("https://news.example/other"))

	assert.Equal(t, "tech-news/2026/10/15/"+id, Layout("Tech News", fetchedAt, id))
	assert.Equal(t, "articles/2026/10/15/x", Layout("", fetchedAt, "x"))
}

func TestFinalizeWritesArtifacts(t *testing.T) {
	t.Parallel()

	store := memory.NewBlobStore()
	f := newFinalizer(t, Config{}, Deps{Store: store, IDs: fixedIDs{}})
	res := successResult("https://archive.ph/Ab3dE")

	f.Finalize(context.Background(), res)

	require.Empty(t, res.FinalizeErrors)
	assert.True(t, res.Success)
	dir := "tech-news/2026/10/15/" + ContentID("https://news.example/story")
	assert.Equal(t, dir, res.OutputPath)
	assert.Equal(t, []string{
		dir + "/article.html",
		dir + "/content.md",
		dir + "/metadata.json",
		dir + "/raw.html",
	}, store.Keys())

	raw, _ := store.Get(dir + "/raw.html")
	assert.Equal(t, "<html>raw</html>", string(raw.Data))
	assert.Equal(t, "text/html; charset=utf-8", raw.ContentType)

	obj, ok := store.Get(dir + "/metadata.json")
	require.True(t, ok)
	var meta Metadata
	require.NoError(t, json.Unmarshal(obj.Data, &meta))
	assert.Equal(t, "run-1", meta.FetchID)
	assert.Equal(t, "https://news.example/story", meta.URL)
	assert.Equal(t, "https://archive.ph/Ab3dE", meta.FinalURL)
	assert.Equal(t, fetch.MethodArchive, meta.Method)
	assert.Equal(t, "Tech News", meta.Category)
	assert.Equal(t, res.ContentID, meta.ContentID)
	assert.Len(t, meta.Attempts, 2)
	assert.Zero(t, meta.ImageCount)
	assert.NotNil(t, meta.Images)
	assert.Equal(t, "A. Writer", meta.Metadata["author"])
	assert.True(t, meta.Timestamp.Equal(fetchedAt))
}

func TestFinalizeRetrievesAndRewritesImages(t *testing.T) {
	t.Parallel()

	srv := imageServer(t)
	store := memory.NewBlobStore()
	f := newFinalizer(t, Config{ImagesEnabled: true}, Deps{Store: store, Client: srv.Client()})

	res := successResult(srv.URL + "/news/story")
	res.CleanHTML = `<div>
		<img src="/img/a.png" alt="a">
		<img data-src="../img/b.png">
		<picture><source srcset="/img/c.png 1x, /img/c@2x.png 2x"></picture>
		<img src="/img/a.png">
		<img src="data:image/gif;base64,R0lGOD">
		<img src="/img/pixel.png">
		<img src="/img/missing.png">
	</div>`
	res.Content = "![a](" + srv.URL + "/img/a.png)\n\ntext"

	f.Finalize(context.Background(), res)

	require.Len(t, res.Images, 3)
	names := []string{res.Images[0].Filename, res.Images[1].Filename, res.Images[2].Filename}
	for i, prefix := range []string{"a-", "b-", "c-"} {
		assert.True(t, strings.HasPrefix(names[i], prefix), names[i])
		assert.True(t, strings.HasSuffix(names[i], ".png"), names[i])
	}
	assert.Equal(t, 4, res.Images[0].Width)
	assert.Equal(t, 3, res.Images[0].Height)
	assert.Equal(t, srv.URL+"/img/a.png", res.Images[0].OriginalURL)
	assert.Equal(t, res.OutputPath+"/images/"+names[0], res.Images[0].LocalPath)

	_, stored := store.Get(res.Images[1].LocalPath)
	assert.True(t, stored)

	assert.Contains(t, res.CleanHTML, `src="images/`+names[0]+`"`)
	assert.Contains(t, res.CleanHTML, `src="images/`+names[1]+`"`)
	assert.Contains(t, res.CleanHTML, `srcset="images/`+names[2]+`"`)
	assert.NotContains(t, res.CleanHTML, "<body>")
	assert.Contains(t, res.Content, "![a](images/"+names[0]+")")

	require.Len(t, res.FinalizeErrors, 1)
	assert.Contains(t, res.FinalizeErrors[0], "missing.png")
	assert.True(t, res.Success)

	obj, _ := store.Get(res.OutputPath + "/metadata.json")
	var meta Metadata
	require.NoError(t, json.Unmarshal(obj.Data, &meta))
	assert.Equal(t, 3, meta.ImageCount)
}

func TestFinalizeImageLimitsAndValidation(t *testing.T) {
	t.Parallel()

	srv := imageServer(t)
	store := memory.NewBlobStore()
	f := newFinalizer(t, Config{ImagesEnabled: true, MaxImagesPerPage: 2, ImagesPerSecond: 1000}, Deps{
		Store:     store,
		Client:    srv.Client(),
		Validator: hostBlocker("/img/b.png"),
	})

	res := successResult(srv.URL + "/story")
	res.CleanHTML = `<p><img src="/img/a.png"><img src="/img/b.png"><img src="/img/c.png"><img src="/img/d.png"></p>`
	f.Finalize(context.Background(), res)

	require.Len(t, res.Images, 1)
	assert.True(t, strings.HasPrefix(res.Images[0].Filename, "a-"))
	require.Len(t, res.FinalizeErrors, 1)
	assert.Contains(t, res.FinalizeErrors[0], "ssrf blocked")
}

func TestFinalizeRejectsNonImages(t *testing.T) {
	t.Parallel()

	srv := imageServer(t)
	f := newFinalizer(t, Config{ImagesEnabled: true}, Deps{Store: memory.NewBlobStore(), Client: srv.Client()})
	res := successResult(srv.URL + "/story")
	res.CleanHTML = `<p><img src="/img/page.png"></p>`

	f.Finalize(context.Background(), res)
	assert.Empty(t, res.Images)
	require.Len(t, res.FinalizeErrors, 1)
	assert.Contains(t, res.FinalizeErrors[0], "not an image")
}

func TestFinalizeStoreFailureIsNonFatal(t *testing.T) {
	t.Parallel()

	f := newFinalizer(t, Config{}, Deps{Store: failingStore{}})
	res := successResult("https://news.example/story")

	f.Finalize(context.Background(), res)
	assert.True(t, res.Success)
	assert.Len(t, res.FinalizeErrors, 4)
	for _, msg := range res.FinalizeErrors {
		assert.True(t, strings.HasPrefix(msg, "finalization error: "), msg)
		assert.Contains(t, msg, "disk full")
	}
}

func TestNewRequiresStore(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, Deps{}, nil)
	assert.Error(t, err)
}

func TestDiscoverImagesFirstSrcset(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "/a.jpg", firstSrcset(" /a.jpg 480w, /b.jpg 800w"))
	assert.Equal(t, "", firstSrcset("  "))
}

func TestImageFilename(t *testing.T) {
	t.Parallel()

	name := imageFilename("https://cdn.example/Hero Shot.jpeg?w=1", "image/jpeg")
	assert.True(t, strings.HasPrefix(name, "hero-shot-"), name)
	assert.True(t, strings.HasSuffix(name, ".jpg"), name)
	assert.Len(t, strings.TrimSuffix(strings.TrimPrefix(name, "hero-shot-"), ".jpg"), 8)

	assert.True(t, strings.HasSuffix(imageFilename("https://cdn.example/x.tiff", "image/tiff"), ".tiff"))
	assert.True(t, strings.HasPrefix(imageFilename("https://cdn.example/", "image/png"), "image-"))
}
