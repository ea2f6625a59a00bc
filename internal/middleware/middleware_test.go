package middleware

import (
	"testing"

	"github.com/crawlkit/crawlkit/internal/types"
)

type testSpider struct{ name string }

func (s testSpider) Name() string { return s.name }

func mustRequest(t *testing.T, rawURL string) *types.Request {
	t.Helper()
	req, err := types.NewRequest(rawURL)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	return req
}

func TestRequestMiddlewareRunsAscendingOrder(t *testing.T) {
	r := New(nil)
	var order []int
	r.UseRequest(20, "second", func(_ Spider, req *types.Request) error {
		order = append(order, 20)
		return nil
	})
	r.UseRequest(10, "first", func(_ Spider, req *types.Request) error {
		order = append(order, 10)
		return nil
	})

	r.RunRequest(testSpider{"s"}, mustRequest(t, "http://example.test"))

	if len(order) != 2 || order[0] != 10 || order[1] != 20 {
		t.Fatalf("expected ascending order [10 20], got %v", order)
	}
}

func TestResponseMiddlewareRunsDescendingOrder(t *testing.T) {
	r := New(nil)
	var order []int
	r.UseResponse(10, "first", func(_ Spider, req *types.Request, resp *types.Response) error {
		order = append(order, 10)
		return nil
	})
	r.UseResponse(20, "second", func(_ Spider, req *types.Request, resp *types.Response) error {
		order = append(order, 20)
		return nil
	})

	req := mustRequest(t, "http://example.test")
	resp := &types.Response{Request: req}
	r.RunResponse(testSpider{"s"}, req, resp)

	if len(order) != 2 || order[0] != 20 || order[1] != 10 {
		t.Fatalf("expected descending order [20 10], got %v", order)
	}
}

func TestFaultingMiddlewareDoesNotAbortChain(t *testing.T) {
	r := New(nil)
	secondRan := false
	r.UseRequest(1, "panics", func(_ Spider, req *types.Request) error {
		panic("boom")
	})
	r.UseRequest(2, "errors", func(_ Spider, req *types.Request) error {
		return types.ErrBlocked
	})
	r.UseRequest(3, "runs", func(_ Spider, req *types.Request) error {
		secondRan = true
		return nil
	})

	r.RunRequest(testSpider{"s"}, mustRequest(t, "http://example.test"))

	if !secondRan {
		t.Fatal("a panicking/erroring middleware must not abort the chain")
	}
}

func TestMergePreservesDirectionPerSide(t *testing.T) {
	a := New(nil)
	a.UseRequest(1, "a1", func(_ Spider, req *types.Request) error { return nil })
	a.UseResponse(1, "a1", func(_ Spider, req *types.Request, resp *types.Response) error { return nil })

	b := New(nil)
	b.UseRequest(2, "b1", func(_ Spider, req *types.Request) error { return nil })
	b.UseResponse(2, "b1", func(_ Spider, req *types.Request, resp *types.Response) error { return nil })

	merged := a.Merge(b)
	if merged.RequestLen() != 2 || merged.ResponseLen() != 2 {
		t.Fatalf("expected 2 entries per side, got req=%d resp=%d", merged.RequestLen(), merged.ResponseLen())
	}
	if merged.requests[0].order != 1 || merged.requests[1].order != 2 {
		t.Fatalf("expected ascending request order after merge, got %+v", merged.requests)
	}
	if merged.responses[0].order != 2 || merged.responses[1].order != 1 {
		t.Fatalf("expected descending response order after merge, got %+v", merged.responses)
	}
}
