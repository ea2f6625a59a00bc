package container

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/go-redis/redis"

	"github.com/crawlkit/crawlkit/internal/types"
)

// bufferSize bounds the background buffering goroutine's in-memory
// channel, amortizing the BRPOP round trip across several requests
// instead of paying it once per Pop.
const bufferSize = 64

// RedisQueue is the shared scheduler container for distributed mode,
// backed by an LPUSH/BRPOP Redis list. Requests that fail
// Request.MarshalBinary (a live session handle in Extras) cannot cross
// the wire; they are retained in a local fallback deque that Pop
// always drains first, so in-process work is never silently lost to a
// backend that cannot hold it.
type RedisQueue struct {
	client *redis.Client
	key    string
	logger *slog.Logger

	fallback *LocalDeque

	buf      chan *types.Request
	bufOnce  sync.Once
	stopBuf  chan struct{}
	closedMu sync.Mutex
	closed   bool
}

// NewRedisQueue creates a Container backed by client, namespacing its
// list under key (e.g. "crawlkit:queue").
func NewRedisQueue(client *redis.Client, key string, logger *slog.Logger) *RedisQueue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &RedisQueue{
		client:   client,
		key:      key,
		logger:   logger.With("component", "container.redis"),
		fallback: NewLocalDeque(),
		buf:      make(chan *types.Request, bufferSize),
		stopBuf:  make(chan struct{}),
	}
	return q
}

func (q *RedisQueue) Push(ctx context.Context, req *types.Request) error {
	data, err := req.MarshalBinary()
	if err != nil {
		return q.fallback.Push(ctx, req)
	}
	if err := q.client.LPush(q.key, data).Err(); err != nil {
		return &types.ComponentError{Kind: "container", Name: "redis", Err: err}
	}
	return nil
}

// Pop prefers the local fallback deque (non-serializable requests
// pushed from this process) before consulting the shared backend, per
// the scheduler container contract.
func (q *RedisQueue) Pop(ctx context.Context) (*types.Request, error) {
	q.bufOnce.Do(func() { go q.fill() })

	if size, _ := q.fallback.Size(ctx); size > 0 {
		return q.fallback.Pop(ctx)
	}

	select {
	case req, ok := <-q.buf:
		if !ok {
			return nil, nil
		}
		return req, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *RedisQueue) fill() {
	for {
		select {
		case <-q.stopBuf:
			close(q.buf)
			return
		default:
		}

		result, err := q.client.BRPop(1*time.Second, q.key).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			q.logger.Warn("redis queue buffer fill failed", "error", err)
			time.Sleep(pollInterval)
			continue
		}
		// BRPop returns [key, value].
		if len(result) < 2 {
			continue
		}
		req := new(types.Request)
		if err := req.UnmarshalBinary([]byte(result[1])); err != nil {
			q.logger.Warn("dropping undecodable queued request", "error", err)
			continue
		}
		select {
		case q.buf <- req:
		case <-q.stopBuf:
			close(q.buf)
			return
		}
	}
}

func (q *RedisQueue) Size(ctx context.Context) (int, error) {
	fbSize, _ := q.fallback.Size(ctx)
	n, err := q.client.LLen(q.key).Result()
	if err != nil {
		return fbSize, &types.ComponentError{Kind: "container", Name: "redis", Err: err}
	}
	return int(n) + fbSize + len(q.buf), nil
}

// Close stops the background buffering goroutine and the local
// fallback deque.
func (q *RedisQueue) Close() {
	q.closedMu.Lock()
	defer q.closedMu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.stopBuf)
	q.fallback.Close()
}
