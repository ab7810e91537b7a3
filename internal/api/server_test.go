package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/resilient-fetch/internal/dispatcher"
	"github.com/JakeFAU/resilient-fetch/internal/fetch"
)

func TestServer_Fetch_Succeeds(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{}
	server := newTestServer(f, Options{})

	rec := post(t, server, "/v1/fetch", `{"url":"https://news.example/story","category":"Tech"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var res fetch.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.Success)
	assert.Equal(t, "https://news.example/story", res.URL)
	assert.Equal(t, "Tech", res.Category)
	assert.Equal(t, fetch.MethodDirect, res.Method)
	assert.Equal(t, []string{"https://news.example/story"}, f.seen())
}

func TestServer_Fetch_FailureIs422(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeFetcher{fail: map[string]bool{"https://dead.example/": true}}, Options{})

	rec := post(t, server, "/v1/fetch", `{"url":"https://dead.example/"}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "all strategies exhausted")
}

func TestServer_Fetch_InvalidJSON(t *testing.T) {
	t.Parallel()

	rec := post(t, newTestServer(&fakeFetcher{}, Options{}), "/v1/fetch", "{")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid JSON")
}

func TestServer_Fetch_MissingURL(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{}
	rec := post(t, newTestServer(f, Options{}), "/v1/fetch", `{"url":"   "}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, f.seen())
}

func TestServer_Batch_PreservesOrder(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{fail: map[string]bool{"https://b.example/": true}}
	server := newTestServer(f, Options{})

	rec := post(t, server, "/v1/batch",
		`{"requests":[{"url":"https://a.example/"},{"url":"https://b.example/"},{"url":"https://c.example/"}]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Results []fetch.Result `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Results, 3)
	assert.Equal(t, "https://a.example/", body.Results[0].URL)
	assert.False(t, body.Results[1].Success)
	assert.Equal(t, "https://c.example/", body.Results[2].URL)
}

func TestServer_Batch_Limits(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeFetcher{}, Options{MaxBatch: 1})

	rec := post(t, server, "/v1/batch", `{"requests":[]}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = post(t, server, "/v1/batch", `{"requests":[{"url":"https://a.example/"},{"url":"https://b.example/"}]}`)
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	rec = post(t, server, "/v1/batch", `{"requests":[{"url":""}]}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "requests[0]")
}

func TestServer_Probes(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeFetcher{}, Options{Strategies: []string{fetch.MethodDirect, fetch.MethodWayback}})

	rec := get(server, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = get(server, "/readyz")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), fetch.MethodWayback)

	notReady := newTestServer(&fakeFetcher{}, Options{Ready: func(context.Context) error {
		return errors.New("bucket unreachable")
	}})
	rec = get(notReady, "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "bucket unreachable")
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeFetcher{}, Options{})
	_ = get(server, "/healthz")

	rec := get(server, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestServer_Timeout(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{delay: 200 * time.Millisecond}
	server := newTestServer(f, Options{Timeout: 20 * time.Millisecond})

	rec := post(t, server, "/v1/fetch", `{"url":"https://slow.example/"}`)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "request timed out")
}

func TestServer_RecoversPanics(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeFetcher{panicking: true}, Options{})
	rec := post(t, server, "/v1/fetch", `{"url":"https://boom.example/"}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeFetcher{}, Options{})
	rec := get(server, "/healthz")
	require.Equal(t, "req-1", rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "upstream")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, "upstream", rec.Header().Get("X-Request-ID"))
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	if _, _, err := rw.Hijack(); err == nil || err.Error() != "hijacker not supported" {
		t.Fatalf("expected unsupported hijacker error, got %v", err)
	}

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	if err != nil {
		t.Fatalf("expected successful hijack, got %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close hijacked conn: %v", err)
	}
	if err := h.CloseClient(); err != nil {
		t.Fatalf("close hijacked client: %v", err)
	}
	if buf == nil {
		t.Fatal("expected buf to be non-nil")
	}
}

// --- helpers/fakes ---

type fakeFetcher struct {
	mu        sync.Mutex
	urls      []string
	fail      map[string]bool
	delay     time.Duration
	panicking bool
}

func (f *fakeFetcher) Fetch(ctx context.Context, req fetch.Request) fetch.Result {
	if f.panicking {
		panic("strategy exploded")
	}
	f.mu.Lock()
	f.urls = append(f.urls, req.URL)
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
		}
	}
	res := fetch.Result{URL: req.URL, Category: req.CategoryOrDefault(), Attempts: []fetch.Attempt{}}
	if f.fail[req.URL] {
		res.Error = "all strategies exhausted after 4 attempts"
		return res
	}
	res.Success = true
	res.Method = fetch.MethodDirect
	return res
}

func (f *fakeFetcher) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.urls...)
}

type fakeIDs struct {
	mu sync.Mutex
	n  int
}

func (f *fakeIDs) RequestID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	return fmt.Sprintf("req-%d", f.n)
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}

func newTestServer(f *fakeFetcher, opts Options) *Server {
	return NewServer(f, dispatcher.New(f, 2, 4, nil), &fakeIDs{}, opts, zap.NewNop())
}

func post(t *testing.T, s *Server, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func get(s *Server, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

