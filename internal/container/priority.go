package container

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/crawlkit/crawlkit/internal/types"
)

// PriorityDeque is a supplemental container variant ordering requests
// by Request.Priority (lower value dequeues first) instead of the
// default container's strict FIFO order. Opt in via
// scheduler_container_impl=priority.
type PriorityDeque struct {
	mu     sync.Mutex
	pq     priorityQueue
	closed bool
}

// NewPriorityDeque creates an empty priority-ordered container.
func NewPriorityDeque() *PriorityDeque {
	pd := &PriorityDeque{pq: make(priorityQueue, 0, 1024)}
	heap.Init(&pd.pq)
	return pd
}

func (d *PriorityDeque) Push(_ context.Context, req *types.Request) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	heap.Push(&d.pq, &pqItem{request: req, priority: req.Priority})
	return nil
}

func (d *PriorityDeque) tryPop() *types.Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pq.Len() == 0 {
		return nil
	}
	item := heap.Pop(&d.pq).(*pqItem)
	return item.request
}

func (d *PriorityDeque) Pop(ctx context.Context) (*types.Request, error) {
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

func (d *PriorityDeque) Size(_ context.Context) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pq.Len(), nil
}

// Close unblocks any waiting Pop calls, which then return (nil, nil).
func (d *PriorityDeque) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
}

type pqItem struct {
	request  *types.Request
	priority int
	index    int
}

type priorityQueue []*pqItem

func (pq priorityQueue) Len() int { return len(pq) }

func (pq priorityQueue) Less(i, j int) bool {
	return pq[i].priority < pq[j].priority
}

func (pq priorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index = i
	pq[j].index = j
}

func (pq *priorityQueue) Push(x any) {
	n := len(*pq)
	item := x.(*pqItem)
	item.index = n
	*pq = append(*pq, item)
}

func (pq *priorityQueue) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*pq = old[:n-1]
	return item
}
