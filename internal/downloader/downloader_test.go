package downloader

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/crawlkit/crawlkit/internal/middleware"
	"github.com/crawlkit/crawlkit/internal/types"
)

type stubSpider struct{}

func (stubSpider) Name() string { return "stub" }

type stubFetcher struct {
	fetch func(ctx context.Context, req *types.Request) (*types.Response, error)
}

func (f *stubFetcher) Fetch(ctx context.Context, req *types.Request) (*types.Response, error) {
	return f.fetch(ctx, req)
}
func (f *stubFetcher) Close() error { return nil }
func (f *stubFetcher) Type() string { return "stub" }

func mustRequest(t *testing.T) *types.Request {
	t.Helper()
	req, err := types.NewRequest("http://example.test")
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	return req
}

func TestDownloadDeliversSuccess(t *testing.T) {
	f := &stubFetcher{fetch: func(ctx context.Context, req *types.Request) (*types.Response, error) {
		return &types.Response{StatusCode: 200, Request: req}, nil
	}}
	d := New(f, stubSpider{}, nil, Options{Concurrency: 2, RequestTimeout: time.Second}, nil, nil)

	resp, outcome, err := d.Download(context.Background(), mustRequest(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != Delivered {
		t.Fatalf("expected Delivered, got %v", outcome)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}
}

func TestDownloadDropsExhaustedRetries(t *testing.T) {
	f := &stubFetcher{fetch: func(ctx context.Context, req *types.Request) (*types.Response, error) {
		t.Fatal("fetch should not be called once retries are exhausted")
		return nil, nil
	}}
	d := New(f, stubSpider{}, nil, Options{Concurrency: 1, RequestTimeout: time.Second}, nil, nil)

	req := mustRequest(t)
	req.MaxRetries = 1
	req.RetryCount = 2

	_, outcome, err := d.Download(context.Background(), req)
	if outcome != Dropped || err != types.ErrMaxRetries {
		t.Fatalf("expected Dropped/ErrMaxRetries, got %v/%v", outcome, err)
	}
}

func TestDownloadReschedulesTimeoutError(t *testing.T) {
	f := &stubFetcher{fetch: func(ctx context.Context, req *types.Request) (*types.Response, error) {
		return nil, &types.FetchError{URL: req.URLString(), Err: context.DeadlineExceeded, Retryable: true}
	}}
	d := New(f, stubSpider{}, nil, Options{Concurrency: 1, RequestTimeout: time.Second}, nil, nil)

	req := mustRequest(t)
	_, outcome, _ := d.Download(context.Background(), req)
	if outcome != Rescheduled {
		t.Fatalf("expected Rescheduled, got %v", outcome)
	}
	if req.RetryCount != 1 {
		t.Fatalf("expected RetryCount incremented to 1, got %d", req.RetryCount)
	}
}

func TestDownloadIgnoredStatusShortCircuits(t *testing.T) {
	f := &stubFetcher{fetch: func(ctx context.Context, req *types.Request) (*types.Response, error) {
		return &types.Response{StatusCode: 404, Request: req}, nil
	}}
	d := New(f, stubSpider{}, nil, Options{Concurrency: 1, RequestTimeout: time.Second, IgnoredStatuses: []int{404}}, nil, nil)

	_, outcome, err := d.Download(context.Background(), mustRequest(t))
	if outcome != Dropped || err != nil {
		t.Fatalf("expected Dropped/nil, got %v/%v", outcome, err)
	}
}

func TestDownloadBoundsConcurrency(t *testing.T) {
	var active, maxActive atomic.Int32
	block := make(chan struct{})
	f := &stubFetcher{fetch: func(ctx context.Context, req *types.Request) (*types.Response, error) {
		n := active.Add(1)
		for {
			old := maxActive.Load()
			if n <= old || maxActive.CompareAndSwap(old, n) {
				break
			}
		}
		<-block
		active.Add(-1)
		return &types.Response{StatusCode: 200, Request: req}, nil
	}}
	d := New(f, stubSpider{}, nil, Options{Concurrency: 2, RequestTimeout: 5 * time.Second}, nil, nil)

	done := make(chan struct{})
	for i := 0; i < 4; i++ {
		go func() {
			d.Download(context.Background(), mustRequest(t))
			done <- struct{}{}
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(block)
	for i := 0; i < 4; i++ {
		<-done
	}

	if maxActive.Load() > 2 {
		t.Fatalf("expected at most 2 concurrent fetches, saw %d", maxActive.Load())
	}
}

func TestDownloadRunsRequestMiddleware(t *testing.T) {
	f := &stubFetcher{fetch: func(ctx context.Context, req *types.Request) (*types.Response, error) {
		if req.Headers.Get("X-Injected") != "yes" {
			t.Fatal("expected request middleware to run before fetch")
		}
		return &types.Response{StatusCode: 200, Request: req}, nil
	}}
	reg := middleware.New(nil)
	reg.UseRequest(1, "inject", func(_ middleware.Spider, req *types.Request) error {
		req.Headers.Set("X-Injected", "yes")
		return nil
	})
	d := New(f, stubSpider{}, reg, Options{Concurrency: 1, RequestTimeout: time.Second}, nil, nil)

	_, _, err := d.Download(context.Background(), mustRequest(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDownloadAppliesDefaultHeaders(t *testing.T) {
	f := &stubFetcher{fetch: func(ctx context.Context, req *types.Request) (*types.Response, error) {
		if req.Headers.Get("User-Agent") != "crawlkit-test" {
			t.Fatalf("expected default header applied, got %q", req.Headers.Get("User-Agent"))
		}
		return &types.Response{StatusCode: 200, Request: req}, nil
	}}
	d := New(f, stubSpider{}, nil, Options{
		Concurrency:    1,
		RequestTimeout: time.Second,
		DefaultHeaders: map[string]string{"User-Agent": "crawlkit-test"},
	}, nil, nil)

	_, _, err := d.Download(context.Background(), mustRequest(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
