// Package componentregistry implements spec §9's replacement for the
// original implementation's dynamic class loading: filter, container,
// and fetcher implementations register a named constructor at
// process start, and the duplicate_filter_impl/scheduler_container_impl/
// fetcher_impl configuration keys resolve against those names at
// engine startup. An unresolved name yields a *types.ComponentError,
// which aborts startup per spec §7.
package componentregistry

import (
	"log/slog"
	"sync"

	goredis "github.com/go-redis/redis"

	"github.com/crawlkit/crawlkit/internal/config"
	"github.com/crawlkit/crawlkit/internal/container"
	"github.com/crawlkit/crawlkit/internal/fetcher"
	"github.com/crawlkit/crawlkit/internal/filter"
	"github.com/crawlkit/crawlkit/internal/types"
)

// FilterConstructor builds a filter.Filter from the full crawl config,
// so a backend (e.g. Redis) can reach its own configuration section.
type FilterConstructor func(cfg *config.Config, logger *slog.Logger) (filter.Filter, error)

// ContainerConstructor builds a container.Container from the full
// crawl config.
type ContainerConstructor func(cfg *config.Config, logger *slog.Logger) (container.Container, error)

// FetcherConstructor builds a fetcher.Fetcher from the full crawl config.
type FetcherConstructor func(cfg *config.Config, logger *slog.Logger) (fetcher.Fetcher, error)

// Registry is the process-wide (or test-scoped) table of named
// component constructors. The zero value is not usable; use New or
// the package-level Default.
type Registry struct {
	mu         sync.RWMutex
	filters    map[string]FilterConstructor
	containers map[string]ContainerConstructor
	fetchers   map[string]FetcherConstructor
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		filters:    make(map[string]FilterConstructor),
		containers: make(map[string]ContainerConstructor),
		fetchers:   make(map[string]FetcherConstructor),
	}
}

var defaultRegistry = newDefaultRegistry()

// Default returns the process-wide registry, pre-populated with this
// module's built-in implementations ("memory"/"redis" filters,
// "local"/"priority"/"redis" containers, "http"/"browser" fetchers).
// Out-of-tree implementations call Register* at init() time.
func Default() *Registry { return defaultRegistry }

func newDefaultRegistry() *Registry {
	r := New()
	r.RegisterFilter("memory", func(*config.Config, *slog.Logger) (filter.Filter, error) {
		return filter.NewMemoryFilter(), nil
	})
	r.RegisterContainer("local", func(*config.Config, *slog.Logger) (container.Container, error) {
		return container.NewLocalDeque(), nil
	})
	r.RegisterContainer("priority", func(*config.Config, *slog.Logger) (container.Container, error) {
		return container.NewPriorityDeque(), nil
	})
	r.RegisterFetcher("http", func(cfg *config.Config, logger *slog.Logger) (fetcher.Fetcher, error) {
		return fetcher.NewHTTPFetcher(cfg, logger)
	})
	r.RegisterFetcher("browser", func(cfg *config.Config, logger *slog.Logger) (fetcher.Fetcher, error) {
		return fetcher.NewBrowserFetcher(cfg, logger)
	})
	r.RegisterFilter("redis", func(cfg *config.Config, logger *slog.Logger) (filter.Filter, error) {
		client, err := newRedisClient(cfg)
		if err != nil {
			return nil, err
		}
		return filter.NewRedisFilter(client, "crawlkit:seen"), nil
	})
	r.RegisterContainer("redis", func(cfg *config.Config, logger *slog.Logger) (container.Container, error) {
		client, err := newRedisClient(cfg)
		if err != nil {
			return nil, err
		}
		return container.NewRedisQueue(client, "crawlkit:queue", logger), nil
	})
	return r
}

// newRedisClient dials the Redis instance backing distributed mode,
// shared by the "redis" filter and container constructors.
func newRedisClient(cfg *config.Config) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Distributed.RedisAddr,
		Password: cfg.Distributed.RedisPassword,
		DB:       cfg.Distributed.RedisDB,
	})
	if err := client.Ping().Err(); err != nil {
		return nil, &types.ComponentError{Kind: "redis", Name: "dial", Err: err}
	}
	return client, nil
}

// RegisterFilter registers a named Filter constructor.
func (r *Registry) RegisterFilter(name string, ctor FilterConstructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.filters[name] = ctor
}

// RegisterContainer registers a named Container constructor.
func (r *Registry) RegisterContainer(name string, ctor ContainerConstructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.containers[name] = ctor
}

// RegisterFetcher registers a named Fetcher constructor.
func (r *Registry) RegisterFetcher(name string, ctor FetcherConstructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetchers[name] = ctor
}

// ResolveFilter builds the filter registered under name, or returns a
// *types.ComponentError wrapping errUnresolved if name is unresolved.
func (r *Registry) ResolveFilter(name string, cfg *config.Config, logger *slog.Logger) (filter.Filter, error) {
	r.mu.RLock()
	ctor, ok := r.filters[name]
	r.mu.RUnlock()
	if !ok {
		return nil, &types.ComponentError{Kind: "filter", Name: name, Err: errUnresolved}
	}
	return ctor(cfg, logger)
}

// ResolveContainer builds the container registered under name.
func (r *Registry) ResolveContainer(name string, cfg *config.Config, logger *slog.Logger) (container.Container, error) {
	r.mu.RLock()
	ctor, ok := r.containers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, &types.ComponentError{Kind: "container", Name: name, Err: errUnresolved}
	}
	return ctor(cfg, logger)
}

// ResolveFetcher builds the fetcher registered under name.
func (r *Registry) ResolveFetcher(name string, cfg *config.Config, logger *slog.Logger) (fetcher.Fetcher, error) {
	r.mu.RLock()
	ctor, ok := r.fetchers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, &types.ComponentError{Kind: "fetcher", Name: name, Err: errUnresolved}
	}
	return ctor(cfg, logger)
}

var errUnresolved = unresolvedError{}

type unresolvedError struct{}

func (unresolvedError) Error() string { return "no component registered under this name" }
