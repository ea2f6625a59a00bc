// Package engine implements the core crawl orchestrator: three
// cooperating loops (producer, worker, pipeline) sharing a Scheduler,
// quiescence detection across all sources of pending work, and a
// pause/resume/stop control surface, driving a generator-style Spider:
// one Engine drives exactly one Spider, and a internal/runner.Runner
// owns one Engine per spider.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/crawlkit/crawlkit/internal/config"
	"github.com/crawlkit/crawlkit/internal/downloader"
	"github.com/crawlkit/crawlkit/internal/pipeline"
	"github.com/crawlkit/crawlkit/internal/scheduler"
	"github.com/crawlkit/crawlkit/internal/signalbus"
	"github.com/crawlkit/crawlkit/internal/spider"
	"github.com/crawlkit/crawlkit/internal/types"
	"github.com/crawlkit/crawlkit/internal/workerpool"
)

// State represents the engine's current lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StatePaused
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Stats tracks crawl statistics for one Engine.
type Stats struct {
	RequestsSent   atomic.Int64
	RequestsFailed atomic.Int64
	ResponsesOK    atomic.Int64
	ResponsesError atomic.Int64
	ItemsScraped   atomic.Int64
	ItemsDropped   atomic.Int64
	StartTime      time.Time
}

// Snapshot returns a point-in-time copy of the stats, safe for reading
// (e.g. from internal/metrics or internal/apiserver).
func (s *Stats) Snapshot() map[string]any {
	return map[string]any{
		"requests_sent":   s.RequestsSent.Load(),
		"requests_failed": s.RequestsFailed.Load(),
		"responses_ok":    s.ResponsesOK.Load(),
		"responses_error": s.ResponsesError.Load(),
		"items_scraped":   s.ItemsScraped.Load(),
		"items_dropped":   s.ItemsDropped.Load(),
		"elapsed":         time.Since(s.StartTime).String(),
	}
}

// Engine drives a single Spider: a producer loop pulls its Seed
// iterator onto the Scheduler, worker loops pop and dispatch through
// the Downloader and Parse callback, and a pipeline loop drains
// yielded Items through the Pipeline.
type Engine struct {
	spider     spider.Spider
	cfg        *config.Config
	sched      *scheduler.Scheduler
	downloader *downloader.Downloader
	pipe       *pipeline.Pipeline
	pool       *workerpool.Pool
	logger     *slog.Logger
	bus        *signalbus.Bus

	itemCh chan *types.Item

	state            atomic.Int32
	producing        atomic.Bool
	inFlight         atomic.Int64
	pipelineInFlight atomic.Int64

	pauseMu  sync.Mutex
	pauseCh  chan struct{}
	resumeCh chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stats *Stats
}

// New creates an Engine for sp, wiring the already-constructed
// Scheduler, Downloader, and Pipeline it will drive. A nil pipe runs
// no item processing (items are simply counted and dropped); a nil
// bus falls back to signalbus.Default().
func New(cfg *config.Config, sp spider.Spider, sched *scheduler.Scheduler, dl *downloader.Downloader, pipe *pipeline.Pipeline, pool *workerpool.Pool, logger *slog.Logger, bus *signalbus.Bus) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if bus == nil {
		bus = signalbus.Default()
	}
	if pool == nil {
		pool = workerpool.New(cfg.Engine.WorkerPoolSize, logger)
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		spider:     sp,
		cfg:        cfg,
		sched:      sched,
		downloader: dl,
		pipe:       pipe,
		pool:       pool,
		logger:     logger.With("component", "engine", "spider", sp.Name()),
		bus:        bus,
		itemCh:     make(chan *types.Item, cfg.Engine.Concurrency*10),
		pauseCh:    make(chan struct{}),
		resumeCh:   make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
		stats:      &Stats{},
	}
	return e
}

// Start transitions the engine from Idle to Running and launches the
// producer, worker, and pipeline loops plus the quiescence monitor.
func (e *Engine) Start() error {
	if !e.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return fmt.Errorf("engine is in state %s, cannot start", State(e.state.Load()))
	}

	if err := e.spider.OnStart(e.ctx); err != nil {
		e.state.Store(int32(StateStopped))
		return fmt.Errorf("spider OnStart: %w", err)
	}

	e.stats.StartTime = time.Now()
	e.bus.Emit(e.ctx, signalbus.SpiderStart, signalbus.Payload{"sender": e.spider.Name()})
	e.bus.Emit(e.ctx, signalbus.EngineStart, signalbus.Payload{"sender": e.spider.Name()})

	e.producing.Store(true)
	e.wg.Add(1)
	go e.produce()

	workers := e.cfg.Engine.Concurrency
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		e.wg.Add(1)
		go e.work(i)
	}

	e.wg.Add(1)
	go e.pipelineLoop()

	e.wg.Add(1)
	go e.quiesceMonitor()

	return nil
}

// Wait blocks until the engine reaches StateStopped.
func (e *Engine) Wait() {
	e.wg.Wait()
	e.state.Store(int32(StateStopped))
	e.bus.Emit(context.Background(), signalbus.SpiderClose, signalbus.Payload{"sender": e.spider.Name()})
	e.bus.Emit(context.Background(), signalbus.EngineClose, signalbus.Payload{"sender": e.spider.Name()})
	if err := e.spider.OnClose(context.Background()); err != nil {
		e.logger.Error("spider OnClose failed", "error", err)
	}
	e.logger.Info("engine stopped", "stats", e.stats.Snapshot())
}

// Stop cancels the engine's own context tree, unblocking every loop
// waiting on it. This affects only this engine's tasks, never a
// sibling engine owned by the same Runner.
func (e *Engine) Stop() {
	for {
		s := State(e.state.Load())
		if s == StateStopping || s == StateStopped {
			return
		}
		if e.state.CompareAndSwap(int32(s), int32(StateStopping)) {
			break
		}
	}
	e.logger.Info("engine stopping")
	e.cancel()
}

// Pause suspends the worker loops between requests; in-flight fetches
// are not interrupted.
func (e *Engine) Pause() {
	if e.state.CompareAndSwap(int32(StateRunning), int32(StatePaused)) {
		e.logger.Info("engine paused")
	}
}

// Resume unblocks paused worker loops.
func (e *Engine) Resume() {
	e.pauseMu.Lock()
	defer e.pauseMu.Unlock()
	if e.state.CompareAndSwap(int32(StatePaused), int32(StateRunning)) {
		close(e.resumeCh)
		e.resumeCh = make(chan struct{})
		e.logger.Info("engine resumed")
	}
}

// State reports the engine's current lifecycle state.
func (e *Engine) State() State { return State(e.state.Load()) }

// Stats returns the engine's live statistics.
func (e *Engine) Stats() *Stats { return e.stats }

// waitIfPaused blocks the calling loop while the engine is paused.
func (e *Engine) waitIfPaused() {
	for State(e.state.Load()) == StatePaused {
		e.pauseMu.Lock()
		ch := e.resumeCh
		e.pauseMu.Unlock()
		select {
		case <-ch:
		case <-e.ctx.Done():
			return
		}
	}
}

// produce drains the spider's Seed iterator onto the Scheduler. Once
// exhausted, producing is cleared so the quiescence monitor can
// consider the generator-stack condition satisfied.
func (e *Engine) produce() {
	defer e.wg.Done()
	defer e.producing.Store(false)

	for req := range e.spider.Seed(e.ctx) {
		e.waitIfPaused()
		if e.ctx.Err() != nil {
			return
		}
		req.SetSpider(e.spider.Name())
		if _, err := e.sched.Schedule(e.ctx, req); err != nil {
			e.logger.Error("failed to schedule seed request", "url", req.URLString(), "error", err)
		}
	}
}

// work is one worker loop: pop, dispatch through the downloader,
// invoke the spider's Parse callback, and fan its yields back into the
// scheduler (Requests) or item channel (Items).
func (e *Engine) work(id int) {
	defer e.wg.Done()
	logger := e.logger.With("worker", id)

	for {
		e.waitIfPaused()
		if e.ctx.Err() != nil {
			return
		}

		req, err := e.sched.Next(e.ctx)
		if err != nil {
			if e.ctx.Err() != nil {
				return
			}
			logger.Warn("scheduler Next failed", "error", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		if req == nil {
			select {
			case <-e.ctx.Done():
				return
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}

		e.inFlight.Add(1)
		e.stats.RequestsSent.Add(1)
		e.dispatch(logger, req)
		e.inFlight.Add(-1)
	}
}

func (e *Engine) dispatch(logger *slog.Logger, req *types.Request) {
	resp, outcome, err := e.downloader.Download(e.ctx, req)
	switch outcome {
	case downloader.Rescheduled:
		if _, serr := e.sched.Schedule(e.ctx, req); serr != nil {
			logger.Error("failed to reschedule request", "url", req.URLString(), "error", serr)
		}
		return
	case downloader.Dropped:
		e.stats.RequestsFailed.Add(1)
		if err != nil && err != types.ErrMaxRetries {
			e.stats.ResponsesError.Add(1)
		}
		return
	}

	e.stats.ResponsesOK.Add(1)
	e.bus.Emit(e.ctx, signalbus.ResponseDownloaded, signalbus.Payload{"sender": e.spider.Name(), "request": req, "response": resp})

	e.runCallback(logger, resp)
}

func (e *Engine) runCallback(logger *slog.Logger, resp *types.Response) {
	defer func() {
		if r := recover(); r != nil {
			cbErr := &types.CallbackError{Spider: e.spider.Name(), Callback: resp.Request.CallbackName, Err: fmt.Errorf("%v", r)}
			logger.Error("spider callback panicked", "error", cbErr)
			e.spider.OnException(cbErr)
			e.bus.Emit(e.ctx, signalbus.SpiderException, signalbus.Payload{"sender": e.spider.Name(), "error": cbErr})
		}
	}()

	for y := range e.spider.Parse(e.ctx, resp) {
		if y.Request != nil {
			y.Request.Depth = resp.Request.Depth + 1
			y.Request.ParentURL = resp.Request.URLString()
			y.Request.SetSpider(e.spider.Name())
			if _, err := e.sched.Schedule(e.ctx, y.Request); err != nil {
				logger.Error("failed to schedule yielded request", "url", y.Request.URLString(), "error", err)
			}
		}
		if y.Item != nil {
			y.Item.SpiderName = e.spider.Name()
			y.Item.Depth = resp.Request.Depth
			select {
			case e.itemCh <- y.Item:
			case <-e.ctx.Done():
				return
			}
		}
	}
}

// pipelineLoop drains the item channel through the Pipeline. In
// Sequential mode one item is fully processed before the next begins;
// in Parallel mode items are submitted to the shared worker pool, so
// many may be in flight at once (bounded by the pool's concurrency).
func (e *Engine) pipelineLoop() {
	defer e.wg.Done()
	for {
		select {
		case item, ok := <-e.itemCh:
			if !ok {
				return
			}
			if e.pipe != nil && e.pipe.Mode() == pipeline.Parallel {
				e.pipelineInFlight.Add(1)
				e.pool.Submit(e.ctx, func() {
					defer e.pipelineInFlight.Add(-1)
					e.processItem(item)
				})
			} else {
				e.pipelineInFlight.Add(1)
				e.processItem(item)
				e.pipelineInFlight.Add(-1)
			}
		case <-e.ctx.Done():
			e.drainItemsOnStop()
			return
		}
	}
}

// drainItemsOnStop processes whatever items are already buffered in
// itemCh without blocking, once the engine's context is cancelled.
func (e *Engine) drainItemsOnStop() {
	for {
		select {
		case item, ok := <-e.itemCh:
			if !ok {
				return
			}
			e.processItem(item)
		default:
			return
		}
	}
}

func (e *Engine) processItem(item *types.Item) {
	if e.pipe == nil {
		e.stats.ItemsScraped.Add(1)
		return
	}
	processed, err := e.pipe.Process(item)
	if err != nil {
		e.stats.ItemsDropped.Add(1)
		e.bus.Emit(e.ctx, signalbus.ItemDropped, signalbus.Payload{"sender": e.spider.Name(), "item": item, "error": err})
		e.logger.Warn("pipeline dropped item", "url", item.URL, "error", err)
		return
	}
	if processed == nil {
		e.stats.ItemsDropped.Add(1)
		e.bus.Emit(e.ctx, signalbus.ItemDropped, signalbus.Payload{"sender": e.spider.Name(), "item": item})
		return
	}
	e.stats.ItemsScraped.Add(1)
}

// quiesceMonitor watches for quiescence: once every source of pending
// work — the generator stack (producing), the scheduler container, the
// in-flight request set, the item channel, and the pipeline in-flight
// set — holds empty for a sustained grace window, the engine commits to
// stopping. EngineIdle is emitted once, on entering the grace window.
func (e *Engine) quiesceMonitor() {
	defer e.wg.Done()
	grace := e.cfg.Engine.QuiescenceGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	if e.cfg.Distributed.Enabled {
		grace = grace * 2
	}

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	var idleSince time.Time
	emittedIdle := false

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			if e.state.Load() != int32(StateRunning) {
				idleSince = time.Time{}
				emittedIdle = false
				continue
			}
			if e.isQuiescent() {
				if idleSince.IsZero() {
					idleSince = time.Now()
				}
				if !emittedIdle {
					e.bus.Emit(e.ctx, signalbus.EngineIdle, signalbus.Payload{"sender": e.spider.Name()})
					emittedIdle = true
				}
				if time.Since(idleSince) >= grace {
					e.logger.Info("engine quiescent, stopping")
					e.Stop()
					return
				}
			} else {
				idleSince = time.Time{}
				emittedIdle = false
			}
		}
	}
}

func (e *Engine) isQuiescent() bool {
	if e.producing.Load() {
		return false
	}
	if e.inFlight.Load() != 0 {
		return false
	}
	if e.pipelineInFlight.Load() != 0 {
		return false
	}
	if len(e.itemCh) != 0 {
		return false
	}
	size, err := e.sched.Size(e.ctx)
	if err != nil || size != 0 {
		return false
	}
	return true
}
