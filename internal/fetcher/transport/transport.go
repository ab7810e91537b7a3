// Package transport builds the HTTP plumbing shared by the fetch strategies.
package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/JakeFAU/resilient-fetch/internal/fetch"
)

// DefaultUserAgent is a current desktop Chrome user agent.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

// DefaultMaxBodyBytes caps how much of a response body is read.
const DefaultMaxBodyBytes = 10 << 20

// browserHeaders are sent with every page request, in addition to User-Agent.
var browserHeaders = [][2]string{
	{"Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8"},
	{"Accept-Language", "en-US,en;q=0.9"},
	{"Cache-Control", "no-cache"},
	{"Pragma", "no-cache"},
	{"Upgrade-Insecure-Requests", "1"},
	{"Sec-Fetch-Dest", "document"},
	{"Sec-Fetch-Mode", "navigate"},
	{"Sec-Fetch-Site", "none"},
	{"Sec-Fetch-User", "?1"},
}

// ErrBodyTooLarge is returned when a body exceeds the read cap.
var ErrBodyTooLarge = errors.New("response body too large")

// NewTransport returns a pooled transport with conservative timeouts.
func NewTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
	}
}

// ClientConfig controls NewClient.
type ClientConfig struct {
	Timeout       time.Duration
	Jar           http.CookieJar
	CheckRedirect func(req *http.Request, via []*http.Request) error
	// Base overrides the round tripper; nil means NewTransport.
	Base http.RoundTripper
	// Traced wraps the transport with otelhttp.
	Traced bool
}

// NewClient builds an http.Client from cfg.
func NewClient(cfg ClientConfig) *http.Client {
	var rt http.RoundTripper = cfg.Base
	if rt == nil {
		rt = NewTransport()
	}
	if cfg.Traced {
		rt = otelhttp.NewTransport(rt)
	}
	return &http.Client{
		Transport:     rt,
		Timeout:       cfg.Timeout,
		Jar:           cfg.Jar,
		CheckRedirect: cfg.CheckRedirect,
	}
}

// ApplyBrowserHeaders sets a realistic browser header set on h.
func ApplyBrowserHeaders(h http.Header, userAgent string) {
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	h.Set("User-Agent", userAgent)
	for _, kv := range browserHeaders {
		h.Set(kv[0], kv[1])
	}
}

// BrowserHeaders returns the header set as a map, for clients that take one.
func BrowserHeaders(userAgent string) map[string]string {
	h := http.Header{}
	ApplyBrowserHeaders(h, userAgent)
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

// ReadBody reads at most limit bytes of resp.Body and closes it. Non-2xx
// statuses wrap fetch.ErrNetworkFailure.
func ReadBody(resp *http.Response, limit int64) ([]byte, error) {
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("%w: status %d", fetch.ErrNetworkFailure, resp.StatusCode)
	}
	if limit <= 0 {
		limit = DefaultMaxBodyBytes
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", fetch.ErrNetworkFailure, err)
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("%w: %d bytes", ErrBodyTooLarge, limit)
	}
	return body, nil
}
