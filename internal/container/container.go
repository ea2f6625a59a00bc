// Package container implements the scheduler container: the holding
// area for admitted requests between Schedule and Next.
package container

import (
	"context"
	"time"

	"github.com/crawlkit/crawlkit/internal/types"
)

// Container holds admitted requests awaiting dispatch. Like Filter,
// the interface is uniformly asynchronous so a local and a shared
// backend are interchangeable from the scheduler's point of view.
type Container interface {
	Push(ctx context.Context, req *types.Request) error
	// Pop blocks until a request is available or ctx is cancelled, in
	// which case it returns ctx.Err(). Once the container has been
	// closed and holds nothing, Pop returns (nil, nil). Implementations poll rather than
	// spawn a notifying goroutine per waiter, so a cancelled Pop never
	// leaks a goroutine.
	Pop(ctx context.Context) (*types.Request, error)
	Size(ctx context.Context) (int, error)
}

const pollInterval = 50 * time.Millisecond
