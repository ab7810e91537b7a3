// Package server builds the application graph from configuration and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/resilient-fetch/internal/api"
	"github.com/JakeFAU/resilient-fetch/internal/clock/system"
	"github.com/JakeFAU/resilient-fetch/internal/config"
	"github.com/JakeFAU/resilient-fetch/internal/dispatcher"
	"github.com/JakeFAU/resilient-fetch/internal/extract"
	"github.com/JakeFAU/resilient-fetch/internal/fetch"
	"github.com/JakeFAU/resilient-fetch/internal/fetcher/archive"
	collyfetcher "github.com/JakeFAU/resilient-fetch/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/resilient-fetch/internal/fetcher/headless"
	"github.com/JakeFAU/resilient-fetch/internal/fetcher/resurrect"
	"github.com/JakeFAU/resilient-fetch/internal/fetcher/transport"
	"github.com/JakeFAU/resilient-fetch/internal/fetcher/wayback"
	"github.com/JakeFAU/resilient-fetch/internal/finalize"
	"github.com/JakeFAU/resilient-fetch/internal/id/uuid"
	"github.com/JakeFAU/resilient-fetch/internal/metrics"
	"github.com/JakeFAU/resilient-fetch/internal/pipeline"
	"github.com/JakeFAU/resilient-fetch/internal/policy/ratelimit"
	gcppublisher "github.com/JakeFAU/resilient-fetch/internal/publisher/pubsub"
	"github.com/JakeFAU/resilient-fetch/internal/quality"
	"github.com/JakeFAU/resilient-fetch/internal/redirect"
	"github.com/JakeFAU/resilient-fetch/internal/resilience/circuitbreaker"
	"github.com/JakeFAU/resilient-fetch/internal/safety"
	"github.com/JakeFAU/resilient-fetch/internal/session"
	"github.com/JakeFAU/resilient-fetch/internal/storage"
	"github.com/JakeFAU/resilient-fetch/internal/telemetry"
)

// Breaker names, also used as metric labels.
const (
	ArchiveBreaker = "archive-is"
	WaybackBreaker = "wayback-cdx"
)

// App contains the application's dependencies.
type App struct {
	cfg        config.Config
	logger     *zap.Logger
	pipeline   *pipeline.Pipeline
	dispatch   *dispatcher.Dispatcher
	apiServer  *api.Server
	browser    *headlessfetcher.Fetcher
	store      io.Closer
	publisher  *gcppublisher.Publisher
	tracerStop func(context.Context) error
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	app := &App{cfg: cfg, logger: logger}

	if cfg.Tracing.Enabled {
		tp, err := telemetry.InitTracerProvider(ctx, cfg.Tracing.ServiceName)
		if err != nil {
			return nil, fmt.Errorf("tracer init failed: %w", err)
		}
		app.tracerStop = tp.Shutdown
	}

	patterns, err := loadPatterns(cfg.Patterns.File)
	if err != nil {
		return nil, err
	}
	gate := quality.NewGate(patterns)

	cookies, err := session.Load(cfg.Session.CookieDir)
	if err != nil {
		return nil, fmt.Errorf("session cookies: %w", err)
	}
	if cookies.Len() > 0 {
		logger.Info("loaded session cookies", zap.Strings("sessions", cookies.Names()))
	}

	validator := safety.New(safety.Config{BlockedHosts: cfg.Safety.BlockedHosts})
	limiter := ratelimit.New(ratelimit.Config{MinDelay: cfg.RateLimit.MinDelay, MaxDelay: cfg.RateLimit.MaxDelay})

	pageClient := transport.NewClient(transport.ClientConfig{
		Timeout:       cfg.HTTP.Timeout,
		Jar:           cookies.Jar(),
		CheckRedirect: validator.CheckRedirect,
		Traced:        cfg.Tracing.Enabled,
	})

	strategies, err := app.buildStrategies(cfg, gate, limiter, pageClient, cookies, validator)
	if err != nil {
		app.Close(ctx)
		return nil, err
	}

	blobs, closer, err := storage.Open(ctx, storage.Config{
		Backend:   cfg.Output.Backend,
		BaseDir:   cfg.Output.BaseDir,
		GCSBucket: cfg.Output.GCSBucket,
		S3:        cfg.Output.S3,
	}, logger)
	if err != nil {
		app.Close(ctx)
		return nil, fmt.Errorf("storage init failed: %w", err)
	}
	app.store = closer

	finalizer, err := finalize.New(finalize.Config{
		ImagesEnabled:    cfg.Images.Enabled,
		MaxImageBytes:    cfg.Images.MaxBytes,
		ImageTimeout:     cfg.Images.Timeout,
		MaxImagesPerPage: cfg.Images.MaxPerPage,
		ImagesPerSecond:  cfg.Images.PerSecond,
		UserAgent:        cfg.HTTP.UserAgent,
	}, finalize.Deps{
		Store: blobs,
		Client: transport.NewClient(transport.ClientConfig{
			Timeout:       cfg.Images.Timeout,
			CheckRedirect: validator.CheckRedirect,
			Traced:        cfg.Tracing.Enabled,
		}),
		Validator: validator,
		Clock:     system.New(),
		IDs:       uuid.New(),
	}, logger)
	if err != nil {
		app.Close(ctx)
		return nil, err
	}

	var publisher fetch.Publisher
	if cfg.PubSub.Topic != "" {
		app.publisher, err = gcppublisher.Dial(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			app.Close(ctx)
			return nil, fmt.Errorf("pubsub init failed: %w", err)
		}
		publisher = app.publisher
	}

	methods := make([]string, 0, len(strategies))
	for _, s := range strategies {
		methods = append(methods, s.Name())
	}
	app.pipeline, err = pipeline.New(pipeline.Config{
		ChainTimeout:    cfg.Pipeline.ChainTimeout,
		MinContentChars: cfg.MinContentOverrides(methods, fetch.MethodResurrection),
		Topic:           cfg.PubSub.Topic,
	}, pipeline.Deps{
		Strategies: strategies,
		Gate:       gate,
		Decoder: redirect.New(redirect.Config{
			Services: gate.Patterns().RedirectServices,
			Client: transport.NewClient(transport.ClientConfig{
				Timeout:       cfg.HTTP.Timeout,
				CheckRedirect: validator.CheckRedirect,
			}),
			Validator: validator,
			UserAgent: cfg.HTTP.UserAgent,
		}, logger.Named("redirect")),
		Validator: validator,
		Extractor: extract.New(),
		Finalizer: finalizer,
		Publisher: publisher,
		Clock:     system.New(),
	}, logger)
	if err != nil {
		app.Close(ctx)
		return nil, err
	}

	app.dispatch = dispatcher.New(app.pipeline, cfg.Dispatcher.Concurrency, cfg.Dispatcher.QueueDepth, logger)
	app.apiServer = api.NewServer(app.pipeline, app.dispatch, uuid.New(), api.Options{
		Timeout:    cfg.RequestTimeout(),
		MaxBatch:   cfg.Server.MaxBatch,
		Strategies: app.pipeline.Strategies(),
	}, logger)

	logger.Info("application built",
		zap.Strings("strategies", app.pipeline.Strategies()),
		zap.String("output_backend", cfg.Output.Backend),
		zap.Int("patterns_version", gate.Patterns().Version),
	)
	return app, nil
}

func loadPatterns(path string) (*quality.Patterns, error) {
	if path == "" {
		return quality.DefaultPatterns(), nil
	}
	p, err := quality.LoadPatterns(path)
	if err != nil {
		return nil, fmt.Errorf("load patterns: %w", err)
	}
	return p, nil
}

// buildStrategies assembles the chain in priority order. A disabled browser
// stays in the chain as an unavailable link.
func (a *App) buildStrategies(
	cfg config.Config,
	gate *quality.Gate,
	limiter fetch.Limiter,
	pageClient *http.Client,
	cookies *session.Store,
	validator *safety.Validator,
) ([]fetch.Strategy, error) {
	strategies := []fetch.Strategy{
		collyfetcher.New(collyfetcher.Config{
			UserAgent:     cfg.HTTP.UserAgent,
			Timeout:       cfg.HTTP.Timeout,
			MaxBodyBytes:  int(cfg.HTTP.MaxBodyBytes),
			Jar:           cookies.Jar(),
			CheckRedirect: validator.CheckRedirect,
		}, limiter, a.logger),
	}

	if cfg.Headless.Enabled {
		execPath := cfg.Headless.ExecPath
		if execPath == "" {
			execPath = headlessfetcher.FindBrowser()
		}
		if execPath == "" {
			a.logger.Warn("headless enabled but no browser found; browser strategy disabled")
			strategies = append(strategies, headlessfetcher.NewNoop())
		} else {
			browser, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
				MaxParallel:       cfg.Headless.MaxParallel,
				UserAgent:         cfg.HTTP.UserAgent,
				NavigationTimeout: cfg.Headless.NavTimeout,
				IdleTimeout:       cfg.Headless.IdleTimeout,
				ExecPath:          execPath,
			}, limiter, a.logger)
			if err != nil {
				return nil, fmt.Errorf("headless init failed: %w", err)
			}
			a.browser = browser
			strategies = append(strategies, browser)
		}
	} else {
		strategies = append(strategies, headlessfetcher.NewNoop())
	}

	if cfg.Archive.Enabled {
		archiveFetcher, err := archive.New(archive.Config{
			BaseURL:      cfg.Archive.BaseURL,
			Timeout:      cfg.Archive.Timeout,
			UserAgent:    cfg.HTTP.UserAgent,
			MaxBodyBytes: cfg.HTTP.MaxBodyBytes,
		}, pageClient, limiter, circuitbreaker.New(circuitbreaker.ArchiveConfig(ArchiveBreaker), a.logger), a.logger)
		if err != nil {
			return nil, fmt.Errorf("archive init failed: %w", err)
		}
		strategies = append(strategies, archiveFetcher)
	}

	if cfg.Wayback.Enabled || cfg.Resurrect.Enabled {
		cdx, err := wayback.NewClient(wayback.ClientConfig{
			BaseURL:      cfg.Wayback.BaseURL,
			Timeout:      cfg.Wayback.Timeout,
			UserAgent:    cfg.HTTP.UserAgent,
			MaxBodyBytes: cfg.HTTP.MaxBodyBytes,
		}, pageClient, limiter, circuitbreaker.New(circuitbreaker.ArchiveConfig(WaybackBreaker), a.logger), a.logger)
		if err != nil {
			return nil, fmt.Errorf("wayback init failed: %w", err)
		}
		if cfg.Wayback.Enabled {
			strategies = append(strategies, wayback.New(cdx, gate, cfg.Wayback.CDXLimit, a.logger,
				wayback.WithMinSnapshotChars(cfg.Wayback.MinSnapshotChars)))
		}
		if cfg.Resurrect.Enabled {
			strategies = append(strategies, resurrect.New(cdx, gate, cfg.Pipeline.ResurrectionMinChars, a.logger))
		}
	}
	return strategies, nil
}

// Pipeline exposes the fetch chain.
func (a *App) Pipeline() *pipeline.Pipeline {
	return a.pipeline
}

// FetchAll runs reqs through the dispatcher and returns results in input order.
func (a *App) FetchAll(ctx context.Context, reqs []fetch.Request) []fetch.Result {
	return a.dispatch.Run(ctx, reqs)
}

// Serve runs the HTTP API until ctx is canceled, then drains in-flight requests.
func (a *App) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

// Close releases every resource Build acquired. It is safe on a partial App.
func (a *App) Close(ctx context.Context) {
	if a.browser != nil {
		a.browser.Close()
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("blob store close failed", zap.Error(err))
		}
	}
	if a.tracerStop != nil {
		if err := a.tracerStop(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	a.logger.Info("shutdown complete")
}
