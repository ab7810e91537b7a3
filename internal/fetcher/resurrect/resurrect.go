package resurrect

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/resilient-fetch/internal/fetch"
	"github.com/JakeFAU/resilient-fetch/internal/fetcher/wayback"
	"github.com/JakeFAU/resilient-fetch/internal/quality"
	"github.com/JakeFAU/resilient-fetch/internal/resilience/circuitbreaker"
)

// VariantLimit is how many recent captures are checked per URL variant.
const VariantLimit = 5

// Fetcher is the URL-Resurrection strategy. It re-queries the CDX index for
// the newest captures of the URL and then of its variants; the derived
// keywords are reported but no keyword search is performed.
type Fetcher struct {
	client   *wayback.Client
	detector fetch.SoftFailureDetector
	minChars int
	logger   *zap.Logger
}

var _ fetch.Strategy = (*Fetcher)(nil)

// New builds the strategy. minChars overrides the extracted-length floor
// when positive.
func New(client *wayback.Client, detector fetch.SoftFailureDetector, minChars int, logger *zap.Logger) *Fetcher {
	if detector == nil {
		detector = quality.NewGate(nil)
	}
	if minChars <= 0 {
		minChars = quality.ResurrectionMinContentChars
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{client: client, detector: detector, minChars: minChars, logger: logger.Named("resurrect")}
}

// Name implements fetch.Strategy.
func (f *Fetcher) Name() string { return fetch.MethodResurrection }

// Available implements fetch.Strategy.
func (f *Fetcher) Available() bool { return f.client != nil }

// MinContentChars implements fetch.Strategy.
func (f *Fetcher) MinContentChars() int { return f.minChars }

// Lookups is the order URLs are queried in: target, then its variants.
func Lookups(target string) []string {
	return append([]string{target}, Variants(target)...)
}

// Attempt returns the newest usable capture of the first lookup URL that has one.
func (f *Fetcher) Attempt(ctx context.Context, target string) (fetch.Page, error) {
	keywords := Keywords(target)
	lookups := Lookups(target)
	f.logger.Debug("resurrecting url",
		zap.String("url", target),
		zap.Strings("keywords", keywords),
		zap.Int("lookups", len(lookups)),
	)

	for _, v := range lookups {
		snaps, err := f.client.Latest(ctx, v, VariantLimit)
		if err != nil {
			if abort(err) {
				return fetch.Page{}, err
			}
			continue
		}
		page, err := wayback.FirstUsable(ctx, f.client, f.detector, snaps, 0, f.logger)
		if err != nil {
			if abort(err) {
				return fetch.Page{}, err
			}
			continue
		}
		page.URL = target
		return page, nil
	}

	kw := "none"
	if len(keywords) > 0 {
		kw = strings.Join(keywords, ", ")
	}
	return fetch.Page{}, fmt.Errorf("%w: no capture of %d urls (keywords: %s)", fetch.ErrNoSnapshot, len(lookups), kw)
}

func abort(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, circuitbreaker.ErrOpen)
}
