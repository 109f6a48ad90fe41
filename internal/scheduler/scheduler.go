// Package scheduler bounds parallelism for the download and upload stages:
// one pool per stage, one work unit per dispatch, inter-dispatch pacing,
// and drain-before-exit semantics (spec §4.6).
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Unit is one independent piece of work (one message, or one
// folder-listing call). Units never work-steal from one another (spec
// §4.6).
type Unit func(ctx context.Context) error

// Scheduler dispatches Units to a bounded pool of workers, pacing
// dispatches by an inter-request delay and draining all completions before
// a Run call returns.
type Scheduler struct {
	workers      int
	requestDelay time.Duration
	limiter      *rate.Limiter
}

// New builds a Scheduler with the given worker-pool size and inter-dispatch
// delay (spec §4.6's max_parallel_downloads / max_parallel_uploads and
// REQUEST_DELAY).
func New(workers int, requestDelay time.Duration) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	var limiter *rate.Limiter
	if requestDelay > 0 {
		limiter = rate.NewLimiter(rate.Every(requestDelay), 1)
	}
	return &Scheduler{workers: workers, requestDelay: requestDelay, limiter: limiter}
}

// Result pairs a dispatched unit's index with its outcome.
type Result struct {
	Index int
	Err   error
}

// Run dispatches every unit in units across the bounded worker pool,
// pacing each dispatch by the configured REQUEST_DELAY, and returns once
// all units have completed (spec §4.6: "Completions are drained before
// terminating the stage"). Results are returned in dispatch order; a
// canceled context stops new dispatches but still drains in-flight units.
func (s *Scheduler) Run(ctx context.Context, units []Unit) []Result {
	results := make([]Result, len(units))
	var wg sync.WaitGroup
	sem := make(chan struct{}, s.workers)
	var dispatched int32

	for i, unit := range units {
		if ctx.Err() != nil {
			results[i] = Result{Index: i, Err: ctx.Err()}
			continue
		}
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				results[i] = Result{Index: i, Err: err}
				continue
			}
		}

		sem <- struct{}{}
		wg.Add(1)
		atomic.AddInt32(&dispatched, 1)
		go func(idx int, u Unit) {
			defer wg.Done()
			defer func() { <-sem }()
			results[idx] = Result{Index: idx, Err: u(ctx)}
		}(i, unit)
	}

	wg.Wait()
	return results
}
