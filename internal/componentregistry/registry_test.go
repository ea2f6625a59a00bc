package componentregistry

import (
	"errors"
	"log/slog"
	"testing"

	"github.com/crawlkit/crawlkit/internal/config"
	"github.com/crawlkit/crawlkit/internal/filter"
	"github.com/crawlkit/crawlkit/internal/types"
)

func TestDefaultRegistryResolvesBuiltins(t *testing.T) {
	cfg := config.DefaultConfig()
	if _, err := Default().ResolveFilter("memory", cfg, nil); err != nil {
		t.Fatalf("resolve memory filter: %v", err)
	}
	if _, err := Default().ResolveContainer("local", cfg, nil); err != nil {
		t.Fatalf("resolve local container: %v", err)
	}
	if _, err := Default().ResolveContainer("priority", cfg, nil); err != nil {
		t.Fatalf("resolve priority container: %v", err)
	}
}

func TestResolveUnregisteredNameIsComponentError(t *testing.T) {
	r := New()
	_, err := r.ResolveFilter("does-not-exist", config.DefaultConfig(), nil)
	if err == nil {
		t.Fatal("expected an error for an unregistered name")
	}
	var compErr *types.ComponentError
	if !errors.As(err, &compErr) {
		t.Fatalf("expected *types.ComponentError, got %T", err)
	}
	if compErr.Kind != "filter" || compErr.Name != "does-not-exist" {
		t.Fatalf("unexpected ComponentError %+v", compErr)
	}
}

func TestRegisterCustomFilter(t *testing.T) {
	r := New()
	called := false
	r.RegisterFilter("custom", func(cfg *config.Config, logger *slog.Logger) (filter.Filter, error) {
		called = true
		return filter.NewMemoryFilter(), nil
	})
	_, err := r.ResolveFilter("custom", config.DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("resolve custom filter: %v", err)
	}
	if !called {
		t.Fatal("expected custom constructor to be invoked")
	}
}
