package filter

import (
	"context"
	"testing"
)

func TestMemoryFilterAddContains(t *testing.T) {
	f := NewMemoryFilter()
	ctx := context.Background()

	ok, err := f.Contains(ctx, "fp1")
	if err != nil {
		t.Fatalf("Contains returned error: %v", err)
	}
	if ok {
		t.Fatalf("expected fp1 not seen yet")
	}

	if err := f.Add(ctx, "fp1"); err != nil {
		t.Fatalf("Add returned error: %v", err)
	}

	ok, err = f.Contains(ctx, "fp1")
	if err != nil {
		t.Fatalf("Contains returned error: %v", err)
	}
	if !ok {
		t.Fatalf("expected fp1 to be seen after Add")
	}
}

func TestMemoryFilterSize(t *testing.T) {
	f := NewMemoryFilter()
	ctx := context.Background()

	for _, fp := range []string{"a", "b", "c", "a"} {
		if err := f.Add(ctx, fp); err != nil {
			t.Fatalf("Add(%q): %v", fp, err)
		}
	}

	n, err := f.Size(ctx)
	if err != nil {
		t.Fatalf("Size returned error: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 distinct fingerprints, got %d", n)
	}
}

func TestMemoryFilterReset(t *testing.T) {
	f := NewMemoryFilter()
	ctx := context.Background()
	_ = f.Add(ctx, "x")

	f.Reset()

	n, err := f.Size(ctx)
	if err != nil {
		t.Fatalf("Size returned error: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected empty filter after Reset, got %d entries", n)
	}
}

func TestMemoryFilterConcurrentAccess(t *testing.T) {
	f := NewMemoryFilter()
	ctx := context.Background()
	done := make(chan struct{})

	for i := 0; i < 10; i++ {
		go func(n int) {
			defer func() { done <- struct{}{} }()
			_ = f.Add(ctx, string(rune('a'+n)))
		}(i)
	}
	for i := 0; i < 10; i++ {
		<-done
	}

	n, err := f.Size(ctx)
	if err != nil {
		t.Fatalf("Size returned error: %v", err)
	}
	if n != 10 {
		t.Fatalf("expected 10 entries after concurrent adds, got %d", n)
	}
}
