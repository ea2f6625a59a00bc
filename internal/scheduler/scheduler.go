// Package scheduler implements the engine's single admission
// choke-point: every request the engine will ever dispatch passes
// through Scheduler.Schedule before it reaches the container, and
// through Scheduler.Next on its way out.
package scheduler

import (
	"context"
	"log/slog"

	"github.com/crawlkit/crawlkit/internal/container"
	"github.com/crawlkit/crawlkit/internal/filter"
	"github.com/crawlkit/crawlkit/internal/signalbus"
	"github.com/crawlkit/crawlkit/internal/types"
)

// Scheduler pairs a duplicate Filter with a scheduler Container.
type Scheduler struct {
	filter    filter.Filter
	container container.Container
	logger    *slog.Logger
	bus       *signalbus.Bus
}

// New creates a Scheduler over the given filter and container. A nil
// bus falls back to signalbus.Default().
func New(f filter.Filter, c container.Container, logger *slog.Logger, bus *signalbus.Bus) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if bus == nil {
		bus = signalbus.Default()
	}
	return &Scheduler{
		filter:    f,
		container: c,
		logger:    logger.With("component", "scheduler"),
		bus:       bus,
	}
}

// Schedule is the sole admission choke-point. A request with
// AllowDuplicate=false whose fingerprint has already been recorded is
// dropped (emitting RequestDropped) rather than enqueued; otherwise
// its fingerprint is recorded and it is pushed onto the container.
// The returned bool reports whether the request was accepted.
func (s *Scheduler) Schedule(ctx context.Context, req *types.Request) (bool, error) {
	if !req.AllowDuplicate {
		fp := req.Fingerprint()
		seen, err := s.filter.Contains(ctx, fp)
		if err != nil {
			return false, err
		}
		if seen {
			s.logger.Debug("dropping duplicate request", "url", req.URLString())
			s.bus.Emit(ctx, signalbus.RequestDropped, signalbus.Payload{"request": req, "reason": "duplicate"})
			return false, nil
		}
		if err := s.filter.Add(ctx, fp); err != nil {
			return false, err
		}
	}

	if err := s.container.Push(ctx, req); err != nil {
		return false, err
	}
	s.bus.Emit(ctx, signalbus.RequestScheduled, signalbus.Payload{"request": req})
	return true, nil
}

// Next pops the next request to dispatch, or (nil, nil) if the
// container has been closed and drained.
func (s *Scheduler) Next(ctx context.Context) (*types.Request, error) {
	return s.container.Pop(ctx)
}

// Size reports the number of requests currently held in the container.
func (s *Scheduler) Size(ctx context.Context) (int, error) {
	return s.container.Size(ctx)
}
