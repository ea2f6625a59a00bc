// Package workerpool implements a bounded goroutine pool. The engine
// submits pipeline items to it in Parallel mode; fetchers, middleware,
// and Sequential-mode stages run on the engine's own goroutines and do
// not use it. Built around a semaphore-guarded goroutine
// idiom, generalized into a standalone reusable pool.
package workerpool

import (
	"context"
	"log/slog"
)

// Pool bounds the number of goroutines executing submitted work at
// once, via a buffered channel used as a counting semaphore.
type Pool struct {
	sem    chan struct{}
	logger *slog.Logger
}

// New creates a Pool allowing up to size concurrent tasks. size <= 0
// falls back to 1.
func New(size int, logger *slog.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		sem:    make(chan struct{}, size),
		logger: logger.With("component", "workerpool"),
	}
}

// Submit runs fn on a pool goroutine and blocks until it completes or
// ctx is cancelled. A panic inside fn is recovered and logged rather
// than crashing the caller, matching the engine's fault-tolerance
// policy for offloaded synchronous work.
func (p *Pool) Submit(ctx context.Context, fn func()) {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-p.sem }()

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("worker pool task panicked", "recovered", r)
			}
		}()
		fn()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// fn keeps running in the background goroutine until it
		// returns; the caller proceeds without waiting further, since
		// its context has already been cancelled.
	}
}

// Size reports the pool's configured concurrency limit.
func (p *Pool) Size() int { return cap(p.sem) }

// InUse reports how many slots are currently occupied.
func (p *Pool) InUse() int { return len(p.sem) }
