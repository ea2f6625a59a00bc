package container

import (
	"context"
	"sync"
	"time"

	"github.com/crawlkit/crawlkit/internal/types"
)

// LocalDeque is the default scheduler container: a strict FIFO queue
// backed by a ring-buffered slice, for single-process crawls and as
// the fallback store a RedisQueue keeps non-serializable requests in.
type LocalDeque struct {
	mu     sync.Mutex
	items  []*types.Request
	head   int
	closed bool
}

// NewLocalDeque creates an empty local FIFO container.
func NewLocalDeque() *LocalDeque {
	return &LocalDeque{items: make([]*types.Request, 0, 1024)}
}

func (d *LocalDeque) Push(_ context.Context, req *types.Request) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.items = append(d.items, req)
	return nil
}

func (d *LocalDeque) tryPop() *types.Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.head >= len(d.items) {
		if d.head > 0 {
			d.items = d.items[:0]
			d.head = 0
		}
		return nil
	}
	req := d.items[d.head]
	d.items[d.head] = nil
	d.head++
	if d.head > 256 && d.head*2 >= len(d.items) {
		d.items = append(d.items[:0], d.items[d.head:]...)
		d.head = 0
	}
	return req
}

func (d *LocalDeque) Pop(ctx context.Context) (*types.Request, error) {
	for {
		if req := d.tryPop(); req != nil {
			return req, nil
		}
		d.mu.Lock()
		closed := d.closed
		d.mu.Unlock()
		if closed {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (d *LocalDeque) Size(_ context.Context) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.items) - d.head, nil
}

// Close unblocks any waiting Pop calls, which then return (nil, nil).
func (d *LocalDeque) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
}
