// Package runner implements multi-spider orchestration: one
// engine.Engine per spider, a pre-flight healthcheck, and
// Pause/Resume/Stop fan-out across every owned engine. Spiders run by
// name resolve their constructor out of a name->constructor table
// rather than introspecting installed packages.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/crawlkit/crawlkit/internal/componentregistry"
	"github.com/crawlkit/crawlkit/internal/config"
	"github.com/crawlkit/crawlkit/internal/downloader"
	"github.com/crawlkit/crawlkit/internal/engine"
	"github.com/crawlkit/crawlkit/internal/middleware"
	"github.com/crawlkit/crawlkit/internal/pipeline"
	"github.com/crawlkit/crawlkit/internal/scheduler"
	"github.com/crawlkit/crawlkit/internal/spider"
	"github.com/crawlkit/crawlkit/internal/workerpool"
)

// Constructor builds a fresh Spider instance, the unit RunByRegistry
// resolves by name.
type Constructor func() spider.Spider

// Runner owns one Engine per running spider and forwards lifecycle
// commands to all of them.
type Runner struct {
	cfg      *config.Config
	registry *componentregistry.Registry
	logger   *slog.Logger

	mu      sync.RWMutex
	engines map[string]*engine.Engine
}

// New creates a Runner. A nil registry falls back to
// componentregistry.Default().
func New(cfg *config.Config, registry *componentregistry.Registry, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if registry == nil {
		registry = componentregistry.Default()
	}
	return &Runner{
		cfg:      cfg,
		registry: registry,
		logger:   logger.With("component", "runner"),
		engines:  make(map[string]*engine.Engine),
	}
}

// Healthcheck probes cfg.Engine.HealthcheckURL, if set, before any
// spider starts. A non-2xx response or transport failure aborts the
// run.
func (r *Runner) Healthcheck(ctx context.Context) error {
	url := r.cfg.Engine.HealthcheckURL
	if url == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("healthcheck request: %w", err)
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("healthcheck %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("healthcheck %s returned status %d", url, resp.StatusCode)
	}
	return nil
}

// buildEngine resolves the configured filter/container/fetcher
// implementations from the component registry and assembles the
// Scheduler, Downloader, and Pipeline an Engine needs, honoring any
// per-spider Overrides.
func (r *Runner) buildEngine(sp spider.Spider) (*engine.Engine, error) {
	f, err := r.registry.ResolveFilter(r.cfg.Scheduler.DuplicateFilterImpl, r.cfg, r.logger)
	if err != nil {
		return nil, err
	}
	c, err := r.registry.ResolveContainer(r.cfg.Scheduler.SchedulerContainerImpl, r.cfg, r.logger)
	if err != nil {
		return nil, err
	}
	fetcherImpl := r.cfg.Fetcher.Type
	fe, err := r.registry.ResolveFetcher(fetcherImpl, r.cfg, r.logger)
	if err != nil {
		return nil, err
	}

	sched := scheduler.New(f, c, r.logger, nil)

	mwReg := middleware.New(r.logger)
	pipe := pipeline.New(r.logger)
	pipe.SetMode(modeFromString(r.cfg.Pipeline.Mode))

	if ov, ok := sp.(spider.Overridable); ok {
		if overrides := ov.Overrides(); overrides != nil {
			if overrides.Middleware != nil {
				mwReg = mwReg.Merge(overrides.Middleware)
			}
			if overrides.Pipeline != nil {
				pipe = overrides.Pipeline
			}
			if overrides.Mode != nil {
				pipe.SetMode(*overrides.Mode)
			}
		}
	}

	pool := workerpool.New(r.cfg.Engine.WorkerPoolSize, r.logger)
	dl := downloader.New(fe, sp, mwReg, downloader.Options{
		Concurrency:     r.cfg.Engine.Concurrency,
		RequestTimeout:  r.cfg.Engine.RequestTimeout,
		RequestDelay:    r.cfg.Engine.RequestDelay,
		DefaultHeaders:  r.cfg.Engine.DefaultHeaders,
		IgnoredStatuses: r.cfg.Engine.IgnoredStatuses,
	}, r.logger, nil)

	return engine.New(r.cfg, sp, sched, dl, pipe, pool, r.logger, nil), nil
}

func modeFromString(s string) pipeline.Mode {
	if s == "parallel" {
		return pipeline.Parallel
	}
	return pipeline.Sequential
}

// RunSingle starts sp's Engine and returns it without waiting for
// completion; call Wait on the returned Engine, or use Stop/Pause/
// Resume below to control it as part of this Runner.
func (r *Runner) RunSingle(ctx context.Context, sp spider.Spider) (*engine.Engine, error) {
	e, err := r.buildEngine(sp)
	if err != nil {
		return nil, &componentregistryError{spider: sp.Name(), err: err}
	}
	if err := e.Start(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.engines[sp.Name()] = e
	r.mu.Unlock()
	return e, nil
}

// RunMany starts one Engine per spider concurrently and blocks until
// every one of them reaches quiescence.
func (r *Runner) RunMany(ctx context.Context, spiders []spider.Spider) error {
	if err := r.Healthcheck(ctx); err != nil {
		return err
	}

	var wg sync.WaitGroup
	errCh := make(chan error, len(spiders))
	for _, sp := range spiders {
		e, err := r.buildEngine(sp)
		if err != nil {
			return &componentregistryError{spider: sp.Name(), err: err}
		}
		r.mu.Lock()
		r.engines[sp.Name()] = e
		r.mu.Unlock()

		if err := e.Start(); err != nil {
			return err
		}
		wg.Add(1)
		go func(e *engine.Engine) {
			defer wg.Done()
			e.Wait()
		}(e)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return nil
}

// RunByRegistry starts the spiders whose names are registered in
// ctors, optionally filtered to names. An empty names list runs every
// registered spider.
func (r *Runner) RunByRegistry(ctx context.Context, ctors map[string]Constructor, names []string) error {
	selected := names
	if len(selected) == 0 {
		selected = make([]string, 0, len(ctors))
		for name := range ctors {
			selected = append(selected, name)
		}
	}

	spiders := make([]spider.Spider, 0, len(selected))
	for _, name := range selected {
		ctor, ok := ctors[name]
		if !ok {
			return fmt.Errorf("no spider registered under name %q", name)
		}
		spiders = append(spiders, ctor())
	}
	return r.RunMany(ctx, spiders)
}

// Pause forwards Pause to every owned engine.
func (r *Runner) Pause() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.engines {
		e.Pause()
	}
}

// Resume forwards Resume to every owned engine.
func (r *Runner) Resume() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.engines {
		e.Resume()
	}
}

// Stop forwards Stop to every owned engine.
func (r *Runner) Stop() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.engines {
		e.Stop()
	}
}

// Stats reports a per-spider snapshot of engine statistics.
func (r *Runner) Stats() map[string]map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]map[string]any, len(r.engines))
	for name, e := range r.engines {
		out[name] = e.Stats().Snapshot()
	}
	return out
}

// State reports the lifecycle state of the named spider's engine.
func (r *Runner) State(name string) (engine.State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.engines[name]
	if !ok {
		return engine.StateIdle, false
	}
	return e.State(), true
}

type componentregistryError struct {
	spider string
	err    error
}

func (e *componentregistryError) Error() string {
	return fmt.Sprintf("spider %q: %v", e.spider, e.err)
}

func (e *componentregistryError) Unwrap() error { return e.err }
