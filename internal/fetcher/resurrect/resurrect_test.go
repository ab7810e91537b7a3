package resurrect

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/resilient-fetch/internal/fetch"
	"github.com/JakeFAU/resilient-fetch/internal/fetcher/wayback"
)

func TestKeywords(t *testing.T) {
	t.Parallel()

	cases := []struct {
		url  string
		want []string
	}{
		{
			url:  "https://news.example/2024/03/05/city-council-approves-new-budget.html",
			want: []string{"city", "council", "approves", "new", "budget"},
		},
		{
			url:  "https://blog.example/article/12345/Caf%C3%A9-Owners_Protest+Rent",
			want: []string{"cafe", "owners", "protest", "rent"},
		},
		{
			url:  "https://x.example/news/budget/budget-vote-2024",
			want: []string{"budget", "vote"},
		},
		{url: "https://dead.example/2019/05/12/123456", want: nil},
		{url: "https://x.example/stories/20240305/ab-to-go", want: nil},
		{url: "::bad", want: nil},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Keywords(tc.url), tc.url)
	}
}

func TestVariants(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{
		"https://www.a.example/path/",
		"https://www.a.example/path",
		"https://a.example/path/",
		"https://a.example/path",
	}, Variants("https://www.a.example/path/?utm=1#top"))

	got := Variants("https://dead.example/2019/05/12/123456")
	assert.NotContains(t, got, "https://dead.example/2019/05/12/123456")
	assert.Len(t, got, 3)

	assert.Nil(t, Variants("not a url"))
}

func TestLookupsStartWithOriginal(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{
		"https://dead.example/story",
		"https://dead.example/story/",
		"https://www.dead.example/story",
		"https://www.dead.example/story/",
	}, Lookups("https://dead.example/story"))
}

type cdxFake struct {
	mu      sync.Mutex
	indexed map[string]string // url -> capture timestamp
	bodies  map[string]string // timestamp -> html
	queries []string
}

func (c *cdxFake) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r.URL.Path == "/cdx/search/cdx" {
		q := r.URL.Query()
		c.queries = append(c.queries, q.Get("url")+" limit="+q.Get("limit"))
		rows := [][]string{{"timestamp", "original", "mimetype", "statuscode"}}
		if ts, ok := c.indexed[q.Get("url")]; ok {
			rows = append(rows, []string{ts, q.Get("url"), "text/html", "200"})
		}
		_ = json.NewEncoder(w).Encode(rows)
		return
	}
	ts, _, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/web/"), "id_/")
	body, ok := c.bodies[ts]
	if !ok {
		http.NotFound(w, r)
		return
	}
	_, _ = w.Write([]byte(body))
}

func newStrategy(t *testing.T, fake *cdxFake) *Fetcher {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	client, err := wayback.NewClient(wayback.ClientConfig{BaseURL: srv.URL}, srv.Client(), nil, nil, nil)
	require.NoError(t, err)
	return New(client, nil, 0, nil)
}

func TestAttemptFindsVariantCapture(t *testing.T) {
	t.Parallel()

	body := "<html><body><article>" + strings.Repeat("<p>The story lived on under its old address.</p>", 20) + "</article></body></html>"
	fake := &cdxFake{
		indexed: map[string]string{"https://a.example/story/": "20180101000000"},
		bodies:  map[string]string{"20180101000000": body},
	}
	f := newStrategy(t, fake)

	page, err := f.Attempt(context.Background(), "https://a.example/story?ref=feed")
	require.NoError(t, err)
	assert.Equal(t, "https://a.example/story?ref=feed", page.URL)
	assert.Contains(t, page.FinalURL, "/web/20180101000000id_/")
	assert.Equal(t, body, page.HTML)
	assert.Equal(t, 200, f.MinContentChars())
	require.Len(t, fake.queries, 3)
	assert.Equal(t, "https://a.example/story?ref=feed limit=-5", fake.queries[0])
	for _, q := range fake.queries {
		assert.True(t, strings.HasSuffix(q, "limit=-5"), q)
	}
}

func TestAttemptPrefersCaptureOfOriginalURL(t *testing.T) {
	t.Parallel()

	original := "<html><body><article>" + strings.Repeat("<p>Latest capture of the exact address.</p>", 20) + "</article></body></html>"
	variant := "<html><body><article>" + strings.Repeat("<p>Capture found under a sibling address.</p>", 20) + "</article></body></html>"
	fake := &cdxFake{
		indexed: map[string]string{
			"https://dead.example/story":  "20240601000000",
			"https://dead.example/story/": "20190101000000",
		},
		bodies: map[string]string{"20240601000000": original, "20190101000000": variant},
	}
	f := newStrategy(t, fake)

	page, err := f.Attempt(context.Background(), "https://dead.example/story")
	require.NoError(t, err)
	assert.Equal(t, original, page.HTML)
	assert.Equal(t, []string{"https://dead.example/story limit=-5"}, fake.queries)
}

func TestAttemptDeadURL(t *testing.T) {
	t.Parallel()

	fake := &cdxFake{indexed: map[string]string{}, bodies: map[string]string{}}
	f := newStrategy(t, fake)

	_, err := f.Attempt(context.Background(), "https://dead.example/2019/05/12/123456")
	require.Error(t, err)
	assert.ErrorIs(t, err, fetch.ErrNoSnapshot)
	assert.Contains(t, err.Error(), "keywords: none")
	assert.Contains(t, err.Error(), "no capture of 4 urls")
	assert.Len(t, fake.queries, 4)
}
