// Package headless contains the Browser-Rendered strategy backed by chromedp.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/exec"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/resilient-fetch/internal/fetch"
	"github.com/JakeFAU/resilient-fetch/internal/metrics"
	"github.com/JakeFAU/resilient-fetch/internal/quality"
)

const (
	defaultNavTimeout  = 60 * time.Second
	defaultIdleTimeout = 10 * time.Second
	networkIdleEvent   = "networkIdle"
)

var browserNames = []string{"headless-shell", "chromium", "chromium-browser", "google-chrome", "google-chrome-stable", "chrome"}

// Config controls the behavior of the headless fetcher.
type Config struct {
	// MaxParallel caps live browser tabs when Slots is nil. Defaults to 1.
	MaxParallel int
	// Slots is a process-wide semaphore shared by every Fetcher.
	Slots             *semaphore.Weighted
	UserAgent         string
	NavigationTimeout time.Duration
	// IdleTimeout bounds the wait for network idle; expiry is not an error.
	IdleTimeout time.Duration
	ExecPath    string
}

// Fetcher renders pages in headless Chrome.
type Fetcher struct {
	cfg         Config
	slots       *semaphore.Weighted
	limiter     fetch.Limiter
	logger      *zap.Logger
	allocator   context.Context
	allocCancel context.CancelFunc
}

var _ fetch.Strategy = (*Fetcher)(nil)

// FindBrowser returns the path of a Chrome-compatible executable, or "".
func FindBrowser() string {
	for _, name := range browserNames {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
	}
	return ""
}

// NewChromedp creates a headless fetcher backed by chromedp.
func NewChromedp(cfg Config, limiter fetch.Limiter, logger *zap.Logger) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.MaxParallel == 0 {
		cfg.MaxParallel = 1
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	slots := cfg.Slots
	if slots == nil {
		slots = semaphore.NewWeighted(int64(cfg.MaxParallel))
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Fetcher{
		cfg:         cfg,
		slots:       slots,
		limiter:     limiter,
		logger:      logger.Named("browser"),
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close cancels the allocator context.
func (f *Fetcher) Close() {
	f.allocCancel()
}

// Name implements fetch.Strategy.
func (f *Fetcher) Name() string { return fetch.MethodBrowser }

// Available implements fetch.Strategy.
func (f *Fetcher) Available() bool { return true }

// MinContentChars implements fetch.Strategy.
func (f *Fetcher) MinContentChars() int { return quality.DefaultMinContentChars }

// Attempt navigates, waits for network idle and returns the rendered DOM.
// A browser slot is held for the whole render and always released.
func (f *Fetcher) Attempt(ctx context.Context, url string) (fetch.Page, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx, url); err != nil {
			return fetch.Page{}, err
		}
	}
	if err := f.slots.Acquire(ctx, 1); err != nil {
		return fetch.Page{}, fmt.Errorf("headless slot wait canceled: %w", err)
	}
	metrics.IncBrowserSlots()
	defer func() {
		f.slots.Release(1)
		metrics.DecBrowserSlots()
	}()

	taskCtx, taskCancel := chromedp.NewContext(f.allocator)
	defer taskCancel()
	// The caller's deadline and cancellation also apply to the tab.
	stop := context.AfterFunc(ctx, taskCancel)
	defer stop()

	taskCtx, cancel := context.WithTimeout(taskCtx, f.cfg.NavigationTimeout)
	defer cancel()

	meta := newResponseMeta()
	chromedp.ListenTarget(taskCtx, meta.captureEvent)

	start := time.Now()
	html, finalURL, err := f.runHeadless(taskCtx, url, meta)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fetch.Page{}, fmt.Errorf("browser render canceled: %w", ctxErr)
		}
		return fetch.Page{}, fmt.Errorf("%w: %v", fetch.ErrNetworkFailure, err)
	}

	status, _, responseURL := meta.snapshotWithFallbacks(url, finalURL)
	if status >= http.StatusBadRequest {
		return fetch.Page{}, fmt.Errorf("%w: status %d", fetch.ErrNetworkFailure, status)
	}
	f.logger.Debug("browser render complete",
		zap.String("url", url),
		zap.String("final_url", responseURL),
		zap.Int("status", status),
		zap.Duration("duration", time.Since(start)),
	)
	return fetch.Page{
		URL:        url,
		FinalURL:   responseURL,
		StatusCode: status,
		HTML:       html,
	}, nil
}

func (f *Fetcher) runHeadless(ctx context.Context, url string, meta *responseMeta) (string, string, error) {
	var (
		html     string
		finalURL string
	)
	actions := []chromedp.Action{
		f.networkSetupAction(),
		chromedp.ActionFunc(func(context.Context) error {
			meta.resetIdle()
			return nil
		}),
		chromedp.Navigate(url),
		f.waitNetworkIdle(meta),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(ctx, actions...); err != nil {
		return "", "", fmt.Errorf("chromedp run: %w", err)
	}
	return html, finalURL, nil
}

func (f *Fetcher) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if err := page.SetLifecycleEventsEnabled(true).Do(ctx); err != nil {
			return fmt.Errorf("enable lifecycle events: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

// waitNetworkIdle blocks until Chrome reports networkIdle or IdleTimeout passes.
func (f *Fetcher) waitNetworkIdle(meta *responseMeta) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		timer := time.NewTimer(f.cfg.IdleTimeout)
		defer timer.Stop()
		select {
		case <-meta.idle:
			return nil
		case <-timer.C:
			f.logger.Debug("network idle not reached, using current DOM")
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

type responseMeta struct {
	mu      sync.RWMutex
	status  int
	headers http.Header
	url     string
	idle    chan struct{}
}

func newResponseMeta() *responseMeta {
	return &responseMeta{
		headers: http.Header{},
		idle:    make(chan struct{}, 1),
	}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range event.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []string:
			for _, entry := range v {
				headers.Add(key, entry)
			}
		case []interface{}:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	m.status = int(event.Response.Status)
	m.headers = headers
	m.url = event.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) markIdle() {
	select {
	case m.idle <- struct{}{}:
	default:
	}
}

func (m *responseMeta) resetIdle() {
	select {
	case <-m.idle:
	default:
	}
}

func (m *responseMeta) snapshot() (int, http.Header, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status, m.headers.Clone(), m.url
}

func (m *responseMeta) captureEvent(ev any) {
	switch e := ev.(type) {
	case *network.EventResponseReceived:
		m.capture(e)
	case *page.EventLifecycleEvent:
		if e.Name == networkIdleEvent {
			m.markIdle()
		}
	}
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, http.Header, string) {
	status, headers, url := m.snapshot()
	switch {
	case finalURL != "" && finalURL != "about:blank":
		url = finalURL
	case url != "":
	default:
		url = requestURL
	}

	if status == 0 {
		status = http.StatusOK
	}
	return status, headers, url
}

// Noop stands in when no browser is configured. It is never attempted.
type Noop struct{}

var _ fetch.Strategy = Noop{}

// NewNoop creates a new Noop strategy.
func NewNoop() Noop {
	return Noop{}
}

// Name implements fetch.Strategy.
func (Noop) Name() string { return fetch.MethodBrowser }

// Available reports false so the pipeline skips this strategy.
func (Noop) Available() bool { return false }

// MinContentChars implements fetch.Strategy.
func (Noop) MinContentChars() int { return quality.DefaultMinContentChars }

// Attempt always fails.
func (Noop) Attempt(context.Context, string) (fetch.Page, error) {
	return fetch.Page{}, errors.Join(fetch.ErrUnavailable, errors.New("headless browser not configured"))
}
