// Package downloader implements the bounded-concurrency wrapper that
// sits between the engine's worker loop and a Fetcher: semaphore
// admission, request/response middleware, politeness delay, timeout
// translation, and retry-as-reschedule, as a standalone package a
// worker loop calls once per dequeued request.
package downloader

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/crawlkit/crawlkit/internal/fetcher"
	"github.com/crawlkit/crawlkit/internal/middleware"
	"github.com/crawlkit/crawlkit/internal/signalbus"
	"github.com/crawlkit/crawlkit/internal/types"
)

// Outcome is what a worker loop should do with a downloaded request.
type Outcome int

const (
	// Delivered means a Response is ready for the spider callback.
	Delivered Outcome = iota
	// Rescheduled means the fetch timed out and the worker loop should
	// re-submit the request to its scheduler (retry-as-reschedule)
	// without invoking any callback.
	Rescheduled
	// Dropped means the request was abandoned (retries exhausted, a
	// non-timeout fetch error, cancellation, or an ignored status) and
	// the worker loop should move on.
	Dropped
)

// Downloader wraps a single Fetcher with the admission pipeline spec
// §4.8 describes. One Downloader is shared by every worker goroutine;
// its semaphore is what actually bounds fetch concurrency.
type Downloader struct {
	fetcher         fetcher.Fetcher
	sem             chan struct{}
	registry        *middleware.Registry
	spider          middleware.Spider
	requestTimeout  time.Duration
	requestDelay    time.Duration
	defaultHeaders  map[string]string
	ignoredStatuses map[int]bool
	logger          *slog.Logger
	bus             *signalbus.Bus
}

// Options configures a Downloader.
type Options struct {
	Concurrency     int
	RequestTimeout  time.Duration
	RequestDelay    time.Duration
	DefaultHeaders  map[string]string
	IgnoredStatuses []int
}

// New creates a Downloader over f, admitting at most opts.Concurrency
// fetches at once. A nil registry runs no middleware; a nil bus falls
// back to signalbus.Default().
func New(f fetcher.Fetcher, spider middleware.Spider, registry *middleware.Registry, opts Options, logger *slog.Logger, bus *signalbus.Bus) *Downloader {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	if bus == nil {
		bus = signalbus.Default()
	}
	if registry == nil {
		registry = middleware.New(logger)
	}
	ignored := make(map[int]bool, len(opts.IgnoredStatuses))
	for _, code := range opts.IgnoredStatuses {
		ignored[code] = true
	}
	return &Downloader{
		fetcher:         f,
		sem:             make(chan struct{}, opts.Concurrency),
		registry:        registry,
		spider:          spider,
		requestTimeout:  opts.RequestTimeout,
		requestDelay:    opts.RequestDelay,
		defaultHeaders:  opts.DefaultHeaders,
		ignoredStatuses: ignored,
		logger:          logger.With("component", "downloader"),
		bus:             bus,
	}
}

// Download runs req through the full admission pipeline: drop on
// exhausted retries, resolve headers/timeout, acquire the concurrency
// semaphore, run request middleware, apply the politeness delay, fetch
// with retry-as-reschedule on a timeout error, short-circuit
// on an ignored status, run response middleware, and hand off.
//
// On Rescheduled, the caller must re-submit req to its Scheduler; on
// Delivered, resp is non-nil and ready for the spider callback; on
// Dropped, the request is abandoned and nothing further happens.
func (d *Downloader) Download(ctx context.Context, req *types.Request) (*types.Response, Outcome, error) {
	logger := d.logger.With("url", req.URLString(), "depth", req.Depth)

	// Step 1: drop on exhausted retries.
	if req.RetryCount >= req.MaxRetries {
		logger.Error("retries exhausted, dropping request")
		d.bus.Emit(ctx, signalbus.RequestDropped, signalbus.Payload{"request": req, "reason": "max_retries"})
		return nil, Dropped, types.ErrMaxRetries
	}

	// Step 2: increment the attempt counter unconditionally, before the
	// fetch is even attempted, then resolve headers and timeout. This
	// is what lets the filter tell a retried attempt apart from its
	// predecessor (the fingerprint includes RetryCount) without the
	// downloader needing to re-increment only on failure.
	req.RetryCount++
	for k, v := range d.defaultHeaders {
		if req.Headers.Get(k) == "" {
			req.Headers.Set(k, v)
		}
	}
	timeout := d.requestTimeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}

	// Step 3: acquire the concurrency semaphore.
	select {
	case d.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, Dropped, ctx.Err()
	}
	defer func() { <-d.sem }()

	// Step 4: request middleware.
	d.registry.RunRequest(d.spider, req)

	// Step 5: politeness delay.
	if d.requestDelay > 0 {
		select {
		case <-time.After(d.requestDelay):
		case <-ctx.Done():
			return nil, Dropped, ctx.Err()
		}
	}

	// Step 6: fetch, translating transport timeouts, retrying as a
	// reschedule rather than inline.
	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := d.fetcher.Fetch(fetchCtx, req)
	if err != nil {
		return d.handleFetchError(ctx, logger, req, err)
	}
	if resp == nil {
		logger.Error("fetcher returned no error but a nil response, dropping request")
		return nil, Dropped, &types.ComponentError{Kind: "fetcher", Name: d.fetcher.Type(), Err: types.ErrNoFetcher}
	}

	// Step 7: ignored-status short-circuit. This is distinct from a
	// drop: no RequestDropped signal fires, since the request wasn't
	// rejected by admission or retry exhaustion, its response was just
	// deliberately discarded.
	if d.ignoredStatuses[resp.StatusCode] {
		logger.Debug("ignored status, discarding response", "status", resp.StatusCode)
		return nil, Dropped, nil
	}

	// Step 8: response middleware.
	d.registry.RunResponse(d.spider, req, resp)

	// Step 9: handoff.
	d.bus.Emit(ctx, signalbus.ResponseReceived, signalbus.Payload{"request": req, "response": resp})
	return resp, Delivered, nil
}

// handleFetchError applies the per-kind propagation policy:
// Cancelled is silent (no log, no signal, no reschedule); FetchTimeout
// re-schedules the same request (RetryCount was already bumped in step
// 2, which is what lets the filter admit the reattempt); any other
// FetchTransportError is logged and the current attempt is dropped
// with no reschedule — it does not consume a second retry slot beyond
// the one already spent on this attempt.
func (d *Downloader) handleFetchError(ctx context.Context, logger *slog.Logger, req *types.Request, err error) (*types.Response, Outcome, error) {
	if ctx.Err() != nil {
		return nil, Dropped, types.ErrCancelled
	}

	if isTimeout(err) {
		logger.Warn("fetch timed out, rescheduling", "retry", req.RetryCount, "max_retries", req.MaxRetries)
		if fetchErr, ok := err.(*types.FetchError); ok && fetchErr.RetryAfter > 0 {
			select {
			case <-time.After(fetchErr.RetryAfter):
			case <-ctx.Done():
				return nil, Dropped, types.ErrCancelled
			}
		}
		return nil, Rescheduled, types.ErrTimeout
	}

	logger.Error("fetch failed, dropping attempt", "error", err, "retries", req.RetryCount)
	return nil, Dropped, err
}

// isTimeout unwraps err looking for a context deadline or a net.Error
// reporting Timeout(), the two shapes a Fetcher implementation uses to
// signal a transport-level timeout.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	type timeouter interface{ Timeout() bool }
	var t timeouter
	if errors.As(err, &t) {
		return t.Timeout()
	}
	return false
}
