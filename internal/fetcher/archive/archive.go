// Package archive implements the Archive-Snapshot strategy against archive.today.
package archive

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/resilient-fetch/internal/fetch"
	"github.com/JakeFAU/resilient-fetch/internal/fetcher/transport"
	"github.com/JakeFAU/resilient-fetch/internal/quality"
	"github.com/JakeFAU/resilient-fetch/internal/resilience/circuitbreaker"
)

const (
	// DefaultBaseURL is the archive.today mirror queried by default.
	DefaultBaseURL = "https://archive.ph"
	defaultTimeout = 30 * time.Second
)

var snapshotPath = regexp.MustCompile(`^/([A-Za-z0-9]{4,10})/?$`)

// reservedPaths look like snapshot ids but are service pages.
var reservedPaths = map[string]struct{}{
	"newest": {}, "oldest": {}, "search": {}, "submit": {}, "faq": {},
	"timegate": {}, "timemap": {}, "about": {}, "donate": {}, "robots": {},
}

// Config controls the archive strategy.
type Config struct {
	BaseURL      string
	Timeout      time.Duration
	UserAgent    string
	MaxBodyBytes int64
}

// Fetcher looks up the newest archive.today snapshot of a URL.
type Fetcher struct {
	cfg     Config
	base    *url.URL
	client  *http.Client
	limiter fetch.Limiter
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

var _ fetch.Strategy = (*Fetcher)(nil)

// New builds a Fetcher. client, limiter and breaker may be nil.
func New(
	cfg Config,
	client *http.Client,
	limiter fetch.Limiter,
	breaker *circuitbreaker.CircuitBreaker,
	logger *zap.Logger,
) (*Fetcher, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("invalid archive base url %q", cfg.BaseURL)
	}
	if client == nil {
		client = transport.NewClient(transport.ClientConfig{})
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		cfg:     cfg,
		base:    base,
		client:  client,
		limiter: limiter,
		breaker: breaker,
		logger:  logger.Named("archive"),
	}, nil
}

// Name implements fetch.Strategy.
func (f *Fetcher) Name() string { return fetch.MethodArchive }

// Available implements fetch.Strategy.
func (f *Fetcher) Available() bool { return true }

// MinContentChars implements fetch.Strategy.
func (f *Fetcher) MinContentChars() int { return quality.DefaultMinContentChars }

// Attempt queries /newest/<url>. A redirect onto a snapshot page returns that
// page; otherwise the result links are scanned for a snapshot to fetch.
func (f *Fetcher) Attempt(ctx context.Context, target string) (fetch.Page, error) {
	return circuitbreaker.Do(f.breaker, func() (fetch.Page, error) {
		return f.lookup(ctx, target)
	})
}

func (f *Fetcher) lookup(ctx context.Context, target string) (fetch.Page, error) {
	lookupURL := f.base.String() + "/newest/" + target
	body, finalURL, err := f.get(ctx, lookupURL)
	if err != nil {
		return fetch.Page{}, err
	}
	if f.IsSnapshotURL(finalURL) {
		return fetch.Page{URL: target, FinalURL: finalURL, HTML: body, StatusCode: http.StatusOK}, nil
	}

	link := f.firstSnapshotLink(body, finalURL)
	if link == "" {
		return fetch.Page{}, fmt.Errorf("%w: archive.today has no snapshot of %s", fetch.ErrNoSnapshot, target)
	}
	f.logger.Debug("following archive search result", zap.String("url", target), zap.String("snapshot", link))
	body, finalURL, err = f.get(ctx, link)
	if err != nil {
		return fetch.Page{}, err
	}
	return fetch.Page{URL: target, FinalURL: finalURL, HTML: body, StatusCode: http.StatusOK}, nil
}

func (f *Fetcher) get(ctx context.Context, rawURL string) (string, string, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx, f.base.Host); err != nil {
			return "", "", err
		}
	}
	reqCtx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", "", fmt.Errorf("build archive request: %w", err)
	}
	transport.ApplyBrowserHeaders(req.Header, f.cfg.UserAgent)
	resp, err := f.client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("%w: archive request: %v", fetch.ErrNetworkFailure, err)
	}
	finalURL := resp.Request.URL.String()
	if resp.StatusCode == http.StatusNotFound {
		_ = resp.Body.Close()
		return "", "", fmt.Errorf("%w: archive returned 404", fetch.ErrNoSnapshot)
	}
	body, err := transport.ReadBody(resp, f.cfg.MaxBodyBytes)
	if err != nil {
		return "", "", err
	}
	return string(body), finalURL, nil
}

// IsSnapshotURL reports whether raw points at a snapshot page on the archive host.
func (f *Fetcher) IsSnapshotURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || !strings.EqualFold(u.Host, f.base.Host) {
		return false
	}
	m := snapshotPath.FindStringSubmatch(u.Path)
	if m == nil {
		return false
	}
	_, reserved := reservedPaths[strings.ToLower(m[1])]
	return !reserved
}

func (f *Fetcher) firstSnapshotLink(body, pageURL string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return ""
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		base = f.base
	}
	var found string
	doc.Find("a[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		href, _ := s.Attr("href")
		ref, err := url.Parse(strings.TrimSpace(href))
		if err != nil {
			return true
		}
		abs := base.ResolveReference(ref).String()
		if f.IsSnapshotURL(abs) {
			found = abs
			return false
		}
		return true
	})
	return found
}

// IsNoSnapshot reports whether err means the archive simply had nothing.
func IsNoSnapshot(err error) bool {
	return errors.Is(err, fetch.ErrNoSnapshot)
}
