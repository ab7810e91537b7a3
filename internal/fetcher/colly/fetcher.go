// Package collyfetcher implements the Direct strategy using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/resilient-fetch/internal/fetch"
	"github.com/JakeFAU/resilient-fetch/internal/fetcher/transport"
	"github.com/JakeFAU/resilient-fetch/internal/quality"
)

const defaultTimeout = 30 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent    string
	Timeout      time.Duration
	MaxBodyBytes int
	// Jar carries the session cookies loaded at startup.
	Jar http.CookieJar
	// CheckRedirect validates every redirect hop.
	CheckRedirect func(req *http.Request, via []*http.Request) error
	// Transport overrides the pooled default.
	Transport http.RoundTripper
}

// Fetcher is the Direct strategy: one plain GET with browser-like headers.
type Fetcher struct {
	cfg           Config
	limiter       fetch.Limiter
	logger        *zap.Logger
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

var _ fetch.Strategy = (*Fetcher)(nil)

// New builds a Fetcher. A nil limiter disables politeness waits.
func New(cfg Config, limiter fetch.Limiter, logger *zap.Logger) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = transport.DefaultMaxBodyBytes
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = transport.DefaultUserAgent
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.MaxBodySize(cfg.MaxBodyBytes),
		colly.DetectCharset(),
	)
	rt := cfg.Transport
	if rt == nil {
		rt = transport.NewTransport()
	}
	c.WithTransport(rt)
	if cfg.Jar != nil {
		c.SetCookieJar(cfg.Jar)
	}
	if cfg.CheckRedirect != nil {
		c.SetRedirectHandler(cfg.CheckRedirect)
	}

	return &Fetcher{
		cfg:           cfg,
		limiter:       limiter,
		logger:        logger.Named("direct"),
		baseCollector: c,
	}
}

// Name implements fetch.Strategy.
func (f *Fetcher) Name() string { return fetch.MethodDirect }

// Available implements fetch.Strategy.
func (f *Fetcher) Available() bool { return true }

// MinContentChars implements fetch.Strategy.
func (f *Fetcher) MinContentChars() int { return quality.DefaultMinContentChars }

// Attempt executes a single GET. Non-2xx statuses wrap fetch.ErrNetworkFailure.
func (f *Fetcher) Attempt(ctx context.Context, url string) (fetch.Page, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx, url); err != nil {
			return fetch.Page{}, err
		}
	}

	var (
		page     fetch.Page
		fetchErr error
	)
	collector := f.buildCollector(ctx)
	f.configureCollectorHooks(collector, &page, &fetchErr)

	start := time.Now()
	if err := f.runCollector(ctx, collector, url, &fetchErr); err != nil {
		f.logger.Debug("direct fetch failed", zap.String("url", url), zap.Error(err))
		return fetch.Page{}, err
	}
	page.URL = url
	f.logger.Debug("direct fetch complete",
		zap.String("url", url),
		zap.String("final_url", page.FinalURL),
		zap.Int("status", page.StatusCode),
		zap.Int("bytes", len(page.HTML)),
		zap.Duration("duration", time.Since(start)),
	)
	return page, nil
}

// buildCollector clones the base collector and binds its requests to ctx.
func (f *Fetcher) buildCollector(ctx context.Context) *colly.Collector {
	collector := f.baseCollector.Clone()
	collector.Context = ctx
	collector.UserAgent = f.cfg.UserAgent
	collector.IgnoreRobotsTxt = true
	collector.SetRequestTimeout(f.cfg.Timeout)
	return collector
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, page *fetch.Page, fetchErr *error) {
	hooks.OnRequest(func(r *colly.Request) {
		transport.ApplyBrowserHeaders(*r.Headers, f.cfg.UserAgent)
	})

	hooks.OnResponse(func(r *colly.Response) {
		*page = fetch.Page{
			FinalURL:   r.Request.URL.String(),
			StatusCode: r.StatusCode,
			HTML:       string(r.Body),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			*fetchErr = fmt.Errorf("%w: status %d: %v", fetch.ErrNetworkFailure, r.StatusCode, err)
			return
		}
		*fetchErr = fmt.Errorf("%w: %v", fetch.ErrNetworkFailure, err)
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("direct fetch canceled: %w", ctx.Err())
	case err := <-done:
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("direct fetch canceled: %w", ctxErr)
		}
		if *fetchErr != nil {
			return *fetchErr
		}
		if err != nil {
			return fmt.Errorf("%w: visit: %v", fetch.ErrNetworkFailure, err)
		}
		return nil
	}
}
