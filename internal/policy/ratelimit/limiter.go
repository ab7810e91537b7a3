// Package ratelimit spaces out requests to the same domain by a randomized delay.
package ratelimit

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/resilient-fetch/internal/metrics"
)

// Config holds the politeness window.
type Config struct {
	MinDelay time.Duration
	MaxDelay time.Duration
}

// Limiter tracks the last request time per domain. Safe for concurrent use;
// callers targeting the same domain are spaced out in arrival order.
type Limiter struct {
	cfg Config

	mu   sync.Mutex
	last map[string]time.Time

	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(n int64) int64
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithSleeper overrides how the limiter blocks.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(l *Limiter) { l.sleep = sleep }
}

// WithJitter overrides the random source; it must return a value in [0, n).
func WithJitter(jitter func(n int64) int64) Option {
	return func(l *Limiter) { l.jitter = jitter }
}

// New creates a Limiter. MaxDelay below MinDelay is raised to MinDelay.
func New(cfg Config, opts ...Option) *Limiter {
	if cfg.MinDelay < 0 {
		cfg.MinDelay = 0
	}
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = cfg.MinDelay
	}
	l := &Limiter{
		cfg:    cfg,
		last:   make(map[string]time.Time),
		now:    time.Now,
		sleep:  sleepContext,
		jitter: rand.Int64N,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Wait blocks until a request to domain is polite, then claims the slot.
// Domain may also be a URL.
func (l *Limiter) Wait(ctx context.Context, domain string) error {
	key := DomainOf(domain)
	delay := l.reserve(key)
	if delay <= 0 {
		return nil
	}
	if err := l.sleep(ctx, delay); err != nil {
		return fmt.Errorf("rate limit wait for %s: %w", key, err)
	}
	metrics.ObserveRateLimitDelay(key, delay)
	return nil
}

// reserve computes the wait for key and records the slot it will use.
func (l *Limiter) reserve(key string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	last, seen := l.last[key]
	if !seen {
		l.last[key] = now
		return 0
	}
	target := last.Add(l.spacing())
	if !target.After(now) {
		l.last[key] = now
		return 0
	}
	l.last[key] = target
	return target.Sub(now)
}

// spacing draws a delay uniformly from [MinDelay, MaxDelay].
func (l *Limiter) spacing() time.Duration {
	span := int64(l.cfg.MaxDelay - l.cfg.MinDelay)
	if span <= 0 {
		return l.cfg.MinDelay
	}
	return l.cfg.MinDelay + time.Duration(l.jitter(span+1))
}

// DomainOf lowercases the host of raw (a URL or bare host) and drops "www.".
func DomainOf(raw string) string {
	host := strings.TrimSpace(raw)
	if strings.Contains(host, "://") {
		if u, err := url.Parse(host); err == nil {
			host = u.Hostname()
		}
	} else if i := strings.IndexAny(host, "/:"); i >= 0 {
		host = host[:i]
	}
	host = strings.TrimPrefix(strings.ToLower(host), "www.")
	if host == "" {
		return "unknown"
	}
	return host
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
