// Package middleware implements the engine's request-side and
// response-side hook chains (spec §4.5): two ordered lists the
// downloader runs around every fetch, kept separate from the item
// pipeline in internal/pipeline.
package middleware

import (
	"log/slog"
	"sort"

	"github.com/crawlkit/crawlkit/internal/types"
)

// Spider is the minimal identity a middleware function needs; the
// full contract lives in internal/spider to avoid an import cycle.
type Spider interface {
	Name() string
}

// RequestFunc runs before a fetch and may mutate req in place.
type RequestFunc func(spider Spider, req *types.Request) error

// ResponseFunc runs after a fetch and may mutate resp in place.
type ResponseFunc func(spider Spider, req *types.Request, resp *types.Response) error

type requestEntry struct {
	order int
	name  string
	fn    RequestFunc
}

type responseEntry struct {
	order int
	name  string
	fn    ResponseFunc
}

// Registry holds the two ordered middleware chains: request-side
// ascending by order key, response-side descending. Build one with
// New: the zero value has no logger, and a failing or panicking hook
// is reported through that logger.
type Registry struct {
	requests  []requestEntry
	responses []responseEntry
	logger    *slog.Logger
}

// New creates an empty Registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger.With("component", "middleware")}
}

// UseRequest registers a request-side hook at the given order. Lower
// orders run first.
func (r *Registry) UseRequest(order int, name string, fn RequestFunc) {
	r.requests = append(r.requests, requestEntry{order: order, name: name, fn: fn})
	sort.SliceStable(r.requests, func(i, j int) bool { return r.requests[i].order < r.requests[j].order })
}

// UseResponse registers a response-side hook at the given order.
// Higher orders run first (the mirror of the request-side direction),
// so a middleware registered symmetrically sees requests outbound and
// responses inbound in opposite order, matching the onion model.
func (r *Registry) UseResponse(order int, name string, fn ResponseFunc) {
	r.responses = append(r.responses, responseEntry{order: order, name: name, fn: fn})
	sort.SliceStable(r.responses, func(i, j int) bool { return r.responses[i].order > r.responses[j].order })
}

// RunRequest executes every request-side hook in order. A hook that
// panics or errors is logged and skipped; it never aborts the
// request (spec §4.5).
func (r *Registry) RunRequest(spider Spider, req *types.Request) {
	for _, e := range r.requests {
		r.callRequest(e, spider, req)
	}
}

func (r *Registry) callRequest(e requestEntry, spider Spider, req *types.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("request middleware panicked", "name", e.name, "recovered", rec)
		}
	}()
	if err := e.fn(spider, req); err != nil {
		r.logger.Warn("request middleware fault", "name", e.name, "error", &types.MiddlewareError{Name: e.name, Err: err})
	}
}

// RunResponse executes every response-side hook in order, same
// fault-tolerance policy as RunRequest.
func (r *Registry) RunResponse(spider Spider, req *types.Request, resp *types.Response) {
	for _, e := range r.responses {
		r.callResponse(e, spider, req, resp)
	}
}

func (r *Registry) callResponse(e responseEntry, spider Spider, req *types.Request, resp *types.Response) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("response middleware panicked", "name", e.name, "recovered", rec)
		}
	}()
	if err := e.fn(spider, req, resp); err != nil {
		r.logger.Warn("response middleware fault", "name", e.name, "error", &types.MiddlewareError{Name: e.name, Err: err})
	}
}

// Merge returns a new Registry holding the union of r and other's
// entries, each side re-sorted per its own direction. Associativity
// follows from stable sort composing correctly regardless of
// grouping: Merge(Merge(a, b), c) orders identically to
// Merge(a, Merge(b, c)) since both reduce to one stable sort over the
// same multiset of (order, entry) pairs.
func (r *Registry) Merge(other *Registry) *Registry {
	merged := New(r.logger)
	merged.requests = append(append([]requestEntry{}, r.requests...), other.requests...)
	merged.responses = append(append([]responseEntry{}, r.responses...), other.responses...)
	sort.SliceStable(merged.requests, func(i, j int) bool { return merged.requests[i].order < merged.requests[j].order })
	sort.SliceStable(merged.responses, func(i, j int) bool { return merged.responses[i].order > merged.responses[j].order })
	return merged
}

// RequestLen reports the number of request-side hooks registered.
func (r *Registry) RequestLen() int { return len(r.requests) }

// ResponseLen reports the number of response-side hooks registered.
func (r *Registry) ResponseLen() int { return len(r.responses) }
