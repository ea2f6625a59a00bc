package workerpool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSubmitBoundsConcurrency(t *testing.T) {
	p := New(2, nil)
	var active atomic.Int32
	var maxActive atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Submit(context.Background(), func() {
				n := active.Add(1)
				for {
					old := maxActive.Load()
					if n <= old || maxActive.CompareAndSwap(old, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				active.Add(-1)
			})
		}()
	}
	wg.Wait()

	if maxActive.Load() > 2 {
		t.Fatalf("expected at most 2 concurrent tasks, saw %d", maxActive.Load())
	}
}

func TestSubmitRecoversPanic(t *testing.T) {
	p := New(1, nil)
	done := make(chan struct{})
	p.Submit(context.Background(), func() {
		defer close(done)
		panic("boom")
	})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task never ran to completion")
	}

	// Pool must still accept work after a panic.
	ran := false
	p.Submit(context.Background(), func() { ran = true })
	if !ran {
		t.Fatal("pool should remain usable after a panicking task")
	}
}

func TestSubmitRespectsCancelledContext(t *testing.T) {
	p := New(1, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	returned := make(chan struct{})
	go func() {
		p.Submit(ctx, func() { time.Sleep(time.Hour) })
		close(returned)
	}()

	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("Submit did not return promptly on a cancelled context")
	}
}
