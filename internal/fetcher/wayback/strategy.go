package wayback

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/JakeFAU/resilient-fetch/internal/fetch"
	"github.com/JakeFAU/resilient-fetch/internal/quality"
)

// MinSnapshotChars is the raw HTML floor for accepting a capture.
const MinSnapshotChars = 2000

// Fetcher is the Wayback-Snapshot strategy.
type Fetcher struct {
	client   *Client
	detector fetch.SoftFailureDetector
	limit    int
	minChars int
	logger   *zap.Logger
}

var _ fetch.Strategy = (*Fetcher)(nil)

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithMinSnapshotChars overrides the raw HTML floor. Non-positive values are ignored.
func WithMinSnapshotChars(n int) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.minChars = n
		}
	}
}

// New wraps a CDX client as a strategy. detector screens each capture.
func New(client *Client, detector fetch.SoftFailureDetector, limit int, logger *zap.Logger, opts ...Option) *Fetcher {
	if detector == nil {
		detector = quality.NewGate(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Fetcher{
		client:   client,
		detector: detector,
		limit:    limit,
		minChars: MinSnapshotChars,
		logger:   logger.Named("wayback"),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Name implements fetch.Strategy.
func (f *Fetcher) Name() string { return fetch.MethodWayback }

// Available implements fetch.Strategy.
func (f *Fetcher) Available() bool { return f.client != nil }

// MinContentChars implements fetch.Strategy.
func (f *Fetcher) MinContentChars() int { return quality.DefaultMinContentChars }

// Attempt tries the selected captures in order and returns the first one
// that is long enough and does not read as an error page.
func (f *Fetcher) Attempt(ctx context.Context, target string) (fetch.Page, error) {
	snaps, err := f.client.Snapshots(ctx, target, f.limit)
	if err != nil {
		return fetch.Page{}, err
	}
	return FirstUsable(ctx, f.client, f.detector, SelectCandidates(snaps), f.minChars, f.logger)
}

// FirstUsable downloads candidates in order and returns the first that passes
// the detector and holds at least minChars characters of HTML.
func FirstUsable(
	ctx context.Context,
	client *Client,
	detector fetch.SoftFailureDetector,
	candidates []fetch.Snapshot,
	minChars int,
	logger *zap.Logger,
) (fetch.Page, error) {
	var errs []error
	for _, snap := range candidates {
		if err := ctx.Err(); err != nil {
			return fetch.Page{}, err
		}
		page, err := client.Download(ctx, snap)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return fetch.Page{}, err
			}
			errs = append(errs, err)
			continue
		}
		if soft, reason := detector.IsSoftFailure(page.HTML); soft {
			logger.Debug("rejected wayback capture", zap.String("timestamp", snap.Timestamp), zap.String("reason", reason))
			errs = append(errs, fmt.Errorf("%w: capture %s: %s", fetch.ErrSoftFailure, snap.Timestamp, reason))
			continue
		}
		if n := utf8.RuneCountInString(page.HTML); n < minChars {
			errs = append(errs, fmt.Errorf("%w: capture %s has %d chars", fetch.ErrQualityTooLow, snap.Timestamp, n))
			continue
		}
		return page, nil
	}
	if len(errs) == 0 {
		return fetch.Page{}, fmt.Errorf("%w: no captures to try", fetch.ErrNoSnapshot)
	}
	return fetch.Page{}, fmt.Errorf("%w: no usable capture among %d: %w", fetch.ErrNoSnapshot, len(candidates), errors.Join(errs...))
}
