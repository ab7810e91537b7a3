// Package pipeline runs the fetch chain for one URL: skip check, redirect
// decoding, safety validation and then each strategy in priority order until
// one yields content that passes the quality gate.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/resilient-fetch/internal/clock/system"
	"github.com/JakeFAU/resilient-fetch/internal/fetch"
	"github.com/JakeFAU/resilient-fetch/internal/logging"
	"github.com/JakeFAU/resilient-fetch/internal/metrics"
	"github.com/JakeFAU/resilient-fetch/internal/quality"
	"github.com/JakeFAU/resilient-fetch/internal/telemetry"
)

// URLDecoder unwraps tracking and shortener URLs.
type URLDecoder interface {
	Decode(ctx context.Context, rawURL string) string
}

// URLValidator rejects URLs that must not be fetched.
type URLValidator interface {
	Validate(ctx context.Context, rawURL string) error
}

// Finalizer persists a successful result. Problems are recorded on the
// result, never returned.
type Finalizer interface {
	Finalize(ctx context.Context, res *fetch.Result)
}

// Config tunes the chain.
type Config struct {
	// ChainTimeout bounds the whole strategy chain. Zero means no bound
	// beyond the caller's context.
	ChainTimeout time.Duration
	// MinContentChars overrides a strategy's floor, keyed by method name.
	MinContentChars map[string]int
	// Topic receives a Completion event per successful fetch.
	Topic string
}

// Deps are the collaborators of a Pipeline. Strategies run in slice order.
type Deps struct {
	Strategies []fetch.Strategy
	Gate       *quality.Gate
	Decoder    URLDecoder
	Validator  URLValidator
	Extractor  fetch.Extractor
	Finalizer  Finalizer
	Publisher  fetch.Publisher
	Clock      fetch.Clock
}

// Completion is published after a successful fetch is finalized.
type Completion struct {
	URL        string    `json:"url"`
	FinalURL   string    `json:"final_url"`
	Title      string    `json:"title"`
	Method     string    `json:"method"`
	Category   string    `json:"category"`
	ContentID  string    `json:"content_id"`
	OutputPath string    `json:"output_path"`
	FetchedAt  time.Time `json:"fetched_at"`
}

// Pipeline is safe for concurrent use when its dependencies are.
type Pipeline struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
}

// New validates deps and builds a Pipeline.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Pipeline, error) {
	if deps.Extractor == nil {
		return nil, errors.New("pipeline: extractor is required")
	}
	if len(deps.Strategies) == 0 {
		return nil, errors.New("pipeline: at least one strategy is required")
	}
	if deps.Gate == nil {
		deps.Gate = quality.NewGate(nil)
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{cfg: cfg, deps: deps, logger: logger.Named("pipeline")}, nil
}

// Strategies lists the configured strategy names in chain order.
func (p *Pipeline) Strategies() []string {
	out := make([]string, 0, len(p.deps.Strategies))
	for _, s := range p.deps.Strategies {
		out = append(out, s.Name())
	}
	return out
}

// Fetch runs the chain for req and always returns a Result.
func (p *Pipeline) Fetch(ctx context.Context, req fetch.Request) fetch.Result {
	started := p.deps.Clock.Now()
	res := fetch.NewResult(req)
	res.FetchedAt = started.UTC()

	ctx, span := telemetry.Tracer().Start(ctx, "pipeline.fetch",
		trace.WithAttributes(
			attribute.String("fetch.url", req.URL),
			attribute.String("fetch.category", res.Category),
		),
	)
	defer span.End()

	p.run(ctx, res, strings.TrimSpace(req.URL))

	if res.Success {
		p.finish(ctx, res)
		span.SetAttributes(attribute.String("fetch.method", res.Method))
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, res.Error)
	}
	span.SetAttributes(attribute.Int("fetch.attempts", len(res.Attempts)))

	elapsed := p.deps.Clock.Now().Sub(started)
	metrics.ObserveResult(res.Method, res.Success, elapsed)
	fields := []zap.Field{
		zap.String("url", req.URL),
		zap.Int("attempts", len(res.Attempts)),
		zap.Duration("duration", elapsed),
	}
	if res.Success {
		p.logger.Info("fetch succeeded", append(fields, zap.String("method", res.Method), zap.String("content_id", res.ContentID))...)
	} else {
		p.logger.Warn("fetch failed", append(fields, zap.String("reason", res.Error))...)
	}
	return *res
}

func (p *Pipeline) run(ctx context.Context, res *fetch.Result, target string) {
	if p.skipped(res, target) {
		return
	}
	if p.deps.Decoder != nil {
		if decoded := p.deps.Decoder.Decode(ctx, target); decoded != target {
			p.logger.Debug("decoded redirect url", zap.String("url", target), zap.String("decoded", decoded))
			target = decoded
			if p.skipped(res, target) {
				return
			}
		}
	}
	if p.deps.Validator != nil {
		if err := p.deps.Validator.Validate(ctx, target); err != nil {
			res.Fail(err)
			return
		}
	}

	chainCtx := ctx
	if p.cfg.ChainTimeout > 0 {
		var cancel context.CancelFunc
		chainCtx, cancel = context.WithTimeout(ctx, p.cfg.ChainTimeout)
		defer cancel()
	}
	p.chain(chainCtx, res, target)
}

func (p *Pipeline) skipped(res *fetch.Result, target string) bool {
	skip, reason := p.deps.Gate.ShouldSkip(target)
	if !skip {
		return false
	}
	res.AddAttempt(fetch.Attempt{Method: fetch.MethodSkipCheck, Error: reason})
	metrics.ObserveAttempt(fetch.MethodSkipCheck, false)
	res.Fail(fmt.Errorf("%w: %s", fetch.ErrSkippedByPattern, reason))
	return true
}

func (p *Pipeline) chain(ctx context.Context, res *fetch.Result, target string) {
	for _, s := range p.deps.Strategies {
		if !s.Available() {
			p.logger.Debug("strategy unavailable", zap.String("strategy", s.Name()))
			continue
		}
		if err := ctx.Err(); err != nil {
			res.Fail(interrupted(err, len(res.Attempts)))
			return
		}
		if p.attempt(ctx, res, s, target) {
			return
		}
		if err := ctx.Err(); err != nil {
			res.Fail(interrupted(err, len(res.Attempts)))
			return
		}
	}
	res.Fail(fmt.Errorf("%w after %d attempts", fetch.ErrAllStrategiesExhausted, len(res.Attempts)))
}

func interrupted(err error, attempts int) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w after %d attempts: %v", fetch.ErrTimeout, attempts, err)
	}
	return fmt.Errorf("canceled after %d attempts: %w", attempts, err)
}

// attempt runs one strategy and records the outcome. It reports whether
// the result is now successful.
func (p *Pipeline) attempt(ctx context.Context, res *fetch.Result, s fetch.Strategy, target string) bool {
	name := s.Name()
	ctx, span := telemetry.Tracer().Start(ctx, "strategy."+name)
	defer span.End()

	started := p.deps.Clock.Now()
	page, ext, reason := p.evaluate(ctx, s, target)
	ok := reason == ""
	res.AddAttempt(fetch.Attempt{
		Method:     name,
		Success:    ok,
		Error:      reason,
		DurationMS: p.deps.Clock.Now().Sub(started).Milliseconds(),
	})
	metrics.ObserveAttempt(name, ok)

	if !ok {
		span.SetStatus(codes.Error, reason)
		logging.ForStrategy(p.logger, name).Debug("strategy rejected", zap.String("url", target), zap.String("reason", reason))
		return false
	}
	span.SetStatus(codes.Ok, "")
	res.Succeed(name, page, ext)
	return true
}

// evaluate returns a non-empty reason when the strategy's output is rejected.
func (p *Pipeline) evaluate(ctx context.Context, s fetch.Strategy, target string) (fetch.Page, fetch.Extraction, string) {
	page, err := s.Attempt(ctx, target)
	if err != nil {
		return page, fetch.Extraction{}, err.Error()
	}
	if soft, why := p.deps.Gate.IsSoftFailure(page.HTML); soft {
		return page, fetch.Extraction{}, fmt.Sprintf("%v: %s", fetch.ErrSoftFailure, why)
	}

	pageURL := page.FinalURL
	if pageURL == "" {
		pageURL = target
	}
	ext, err := p.deps.Extractor.Extract(ctx, page.HTML, pageURL)
	if err != nil {
		return page, fetch.Extraction{}, fmt.Sprintf("%v: %v", fetch.ErrExtraction, err)
	}
	minimum := p.minimumFor(s)
	if n := ext.Length(); n < minimum {
		return page, ext, fmt.Sprintf("%v: %d < %d", fetch.ErrQualityTooLow, n, minimum)
	}
	return page, ext, ""
}

func (p *Pipeline) minimumFor(s fetch.Strategy) int {
	if n, ok := p.cfg.MinContentChars[s.Name()]; ok && n > 0 {
		return n
	}
	return s.MinContentChars()
}

// finish finalizes and announces a successful result. Neither step can flip
// success.
func (p *Pipeline) finish(ctx context.Context, res *fetch.Result) {
	if p.deps.Finalizer != nil {
		p.deps.Finalizer.Finalize(ctx, res)
	}
	if p.deps.Publisher == nil || p.cfg.Topic == "" {
		return
	}
	event := Completion{
		URL:        res.URL,
		FinalURL:   res.FinalURL,
		Title:      res.Title,
		Method:     res.Method,
		Category:   res.Category,
		ContentID:  res.ContentID,
		OutputPath: res.OutputPath,
		FetchedAt:  res.FetchedAt,
	}
	if _, err := p.deps.Publisher.Publish(ctx, p.cfg.Topic, event); err != nil {
		err = fmt.Errorf("%w: publish: %v", fetch.ErrFinalization, err)
		p.logger.Warn("publish completion failed", zap.String("url", res.URL), zap.Error(err))
		res.AddFinalizeError(err)
	}
}
