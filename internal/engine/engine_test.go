package engine

import (
	"context"
	"fmt"
	"iter"
	"sync/atomic"
	"testing"
	"time"

	"github.com/crawlkit/crawlkit/internal/config"
	"github.com/crawlkit/crawlkit/internal/container"
	"github.com/crawlkit/crawlkit/internal/downloader"
	"github.com/crawlkit/crawlkit/internal/filter"
	"github.com/crawlkit/crawlkit/internal/middleware"
	"github.com/crawlkit/crawlkit/internal/pipeline"
	"github.com/crawlkit/crawlkit/internal/scheduler"
	"github.com/crawlkit/crawlkit/internal/spider"
	"github.com/crawlkit/crawlkit/internal/types"
)

type stubFetcher struct {
	fetched atomic.Int64
}

func (f *stubFetcher) Fetch(ctx context.Context, req *types.Request) (*types.Response, error) {
	f.fetched.Add(1)
	return &types.Response{StatusCode: 200, Request: req, Body: []byte("ok")}, nil
}
func (f *stubFetcher) Close() error { return nil }
func (f *stubFetcher) Type() string { return "stub" }

// linkSpider seeds one URL and yields one item plus one follow-up
// request per page, up to a fixed link depth, so a run terminates.
type linkSpider struct {
	spider.Base
	maxPages int
	served   atomic.Int64
}

func (s *linkSpider) Name() string        { return "linkspider" }
func (s *linkSpider) StartURLs() []string { return []string{"http://seed.test/0"} }

func (s *linkSpider) Seed(ctx context.Context) iter.Seq[*types.Request] {
	return func(yield func(*types.Request) bool) {
		req, _ := types.NewRequest("http://seed.test/0")
		yield(req)
	}
}

func (s *linkSpider) Parse(ctx context.Context, resp *types.Response) iter.Seq[spider.Yield] {
	return func(yield func(spider.Yield) bool) {
		n := s.served.Add(1)
		item := types.NewItem(resp.Request.URLString())
		item.Set("n", n)
		if !yield(spider.ItemYield(item)) {
			return
		}
		if int(n) < s.maxPages {
			next, _ := types.NewRequest(fmt.Sprintf("http://seed.test/%d", n))
			yield(spider.RequestYield(next))
		}
	}
}

func newTestEngine(t *testing.T, sp spider.Spider) (*Engine, *stubFetcher) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Engine.Concurrency = 2
	cfg.Engine.WorkerPoolSize = 2
	cfg.Engine.QuiescenceGrace = 150 * time.Millisecond

	sched := scheduler.New(filter.NewMemoryFilter(), container.NewLocalDeque(), nil, nil)
	f := &stubFetcher{}
	dl := downloader.New(f, sp, middleware.New(nil), downloader.Options{
		Concurrency:    2,
		RequestTimeout: time.Second,
	}, nil, nil)
	pipe := pipeline.New(nil)

	e := New(cfg, sp, sched, dl, pipe, nil, nil, nil)
	return e, f
}

func TestEngineRunsToQuiescenceAndStops(t *testing.T) {
	sp := &linkSpider{maxPages: 3}
	e, f := newTestEngine(t, sp)

	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	done := make(chan struct{})
	go func() {
		e.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not reach quiescence in time")
	}

	if e.State() != StateStopped {
		t.Fatalf("expected StateStopped, got %v", e.State())
	}
	if f.fetched.Load() < 3 {
		t.Fatalf("expected at least 3 fetches, got %d", f.fetched.Load())
	}
	if e.Stats().ItemsScraped.Load() < 3 {
		t.Fatalf("expected at least 3 items scraped, got %d", e.Stats().ItemsScraped.Load())
	}
}

func TestEnginePauseBlocksDispatch(t *testing.T) {
	sp := &linkSpider{maxPages: 0}
	e, f := newTestEngine(t, sp)

	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	e.Pause()
	if e.State() != StatePaused {
		t.Fatalf("expected StatePaused, got %v", e.State())
	}
	fetchedAtPause := f.fetched.Load()
	time.Sleep(100 * time.Millisecond)
	if f.fetched.Load() != fetchedAtPause {
		t.Fatal("expected no new fetches while paused")
	}
	e.Resume()
	if e.State() != StateRunning {
		t.Fatalf("expected StateRunning after resume, got %v", e.State())
	}
	e.Stop()
	e.Wait()
}

func TestEngineStopIsIdempotentAndBounded(t *testing.T) {
	sp := &linkSpider{maxPages: 0}
	e, _ := newTestEngine(t, sp)
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	e.Stop()
	e.Stop() // must not panic or block
	done := make(chan struct{})
	go func() {
		e.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop after Stop()")
	}
}
