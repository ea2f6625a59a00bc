package container

import (
	"context"
	"testing"
	"time"

	"github.com/crawlkit/crawlkit/internal/types"
)

func mustRequest(t *testing.T, rawURL string) *types.Request {
	t.Helper()
	req, err := types.NewRequest(rawURL)
	if err != nil {
		t.Fatalf("NewRequest(%q): %v", rawURL, err)
	}
	return req
}

func TestLocalDequeFIFOOrder(t *testing.T) {
	d := NewLocalDeque()
	ctx := context.Background()

	urls := []string{"http://a.test", "http://b.test", "http://c.test"}
	for _, u := range urls {
		if err := d.Push(ctx, mustRequest(t, u)); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}

	for _, want := range urls {
		req, err := d.Pop(ctx)
		if err != nil {
			t.Fatalf("Pop: %v", err)
		}
		if req == nil || req.URLString() != want {
			t.Fatalf("expected %q, got %v", want, req)
		}
	}
}

func TestLocalDequeClosePop(t *testing.T) {
	d := NewLocalDeque()
	ctx := context.Background()
	d.Close()

	req, err := d.Pop(ctx)
	if err != nil {
		t.Fatalf("Pop on closed empty deque returned error: %v", err)
	}
	if req != nil {
		t.Fatalf("expected nil request from closed empty deque")
	}
}

func TestLocalDequePopContextCancel(t *testing.T) {
	d := NewLocalDeque()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := d.Pop(ctx)
	if err == nil {
		t.Fatalf("expected context deadline error from Pop on empty open deque")
	}
}

func TestLocalDequeSize(t *testing.T) {
	d := NewLocalDeque()
	ctx := context.Background()
	_ = d.Push(ctx, mustRequest(t, "http://a.test"))
	_ = d.Push(ctx, mustRequest(t, "http://b.test"))

	n, err := d.Size(ctx)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected size 2, got %d", n)
	}

	if _, err := d.Pop(ctx); err != nil {
		t.Fatalf("Pop: %v", err)
	}
	n, _ = d.Size(ctx)
	if n != 1 {
		t.Fatalf("expected size 1 after one pop, got %d", n)
	}
}

func TestPriorityDequeOrdersByPriority(t *testing.T) {
	d := NewPriorityDeque()
	ctx := context.Background()

	low := mustRequest(t, "http://low.test")
	low.Priority = types.PriorityLow
	high := mustRequest(t, "http://high.test")
	high.Priority = types.PriorityHigh

	_ = d.Push(ctx, low)
	_ = d.Push(ctx, high)

	first, err := d.Pop(ctx)
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if first.URLString() != "http://high.test" {
		t.Fatalf("expected high-priority request first, got %s", first.URLString())
	}
}

func BenchmarkLocalDequePushPop(b *testing.B) {
	d := NewLocalDeque()
	ctx := context.Background()
	req, err := types.NewRequest("http://bench.test")
	if err != nil {
		b.Fatalf("NewRequest: %v", err)
	}

	b.ResetTimer()
	b.Run("push-pop", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			_ = d.Push(ctx, req)
			_, _ = d.Pop(ctx)
		}
	})
}
