// Package dispatcher fans a batch of fetch requests out to a bounded pool of
// workers. Each URL's strategy chain still runs sequentially inside one
// worker.
package dispatcher

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/resilient-fetch/internal/fetch"
	"github.com/JakeFAU/resilient-fetch/internal/queue/memory"
)

// DefaultConcurrency is the worker count when none is configured.
const DefaultConcurrency = 4

// Fetcher runs the chain for one request.
type Fetcher interface {
	Fetch(ctx context.Context, req fetch.Request) fetch.Result
}

// Dispatcher runs batches through a Fetcher.
type Dispatcher struct {
	fetcher     Fetcher
	concurrency int
	queueDepth  int
	logger      *zap.Logger
}

type job struct {
	index int
	req   fetch.Request
}

// New creates a Dispatcher. Non-positive sizes fall back to defaults.
func New(f Fetcher, concurrency, queueDepth int, logger *zap.Logger) *Dispatcher {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if queueDepth <= 0 {
		queueDepth = concurrency * 2
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		fetcher:     f,
		concurrency: concurrency,
		queueDepth:  queueDepth,
		logger:      logger.Named("dispatcher"),
	}
}

// Run fetches every request and returns results in input order. Requests
// that never started because ctx ended get a failed result.
func (d *Dispatcher) Run(ctx context.Context, reqs []fetch.Request) []fetch.Result {
	results := make([]fetch.Result, len(reqs))
	if len(reqs) == 0 {
		return results
	}
	done := make([]bool, len(reqs))
	workers := min(d.concurrency, len(reqs))
	q := memory.NewQueue[job](d.queueDepth)

	d.logger.Info("dispatcher started", zap.Int("requests", len(reqs)), zap.Int("workers", workers))

	var g errgroup.Group
	g.Go(func() error {
		defer q.Close()
		for i, req := range reqs {
			if err := q.Enqueue(ctx, job{index: i, req: req}); err != nil {
				return err
			}
		}
		return nil
	})
	for range workers {
		g.Go(func() error {
			for {
				j, err := q.Dequeue(ctx)
				if errors.Is(err, memory.ErrClosed) {
					return nil
				}
				if err != nil {
					return err
				}
				results[j.index] = d.fetcher.Fetch(ctx, j.req)
				done[j.index] = true
			}
		})
	}
	if err := g.Wait(); err != nil {
		d.logger.Warn("batch interrupted", zap.Error(err))
	}

	for i, ok := range done {
		if ok {
			continue
		}
		res := fetch.NewResult(reqs[i])
		res.Fail(fmt.Errorf("not started: %w", context.Cause(ctx)))
		results[i] = *res
	}
	return results
}
