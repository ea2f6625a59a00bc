// Package spider defines the author-facing surface the engine drives:
// the Spider interface and the per-spider configuration overrides it
// may opt into.
package spider

import (
	"context"
	"iter"

	"github.com/crawlkit/crawlkit/internal/middleware"
	"github.com/crawlkit/crawlkit/internal/pipeline"
	"github.com/crawlkit/crawlkit/internal/types"
)

// Yield is what a Parse callback produces for each response: either a
// follow-up Request to schedule or an Item to push through the
// pipeline, never both at once.
type Yield struct {
	Request *types.Request
	Item    *types.Item
}

// RequestYield wraps req as a Yield.
func RequestYield(req *types.Request) Yield { return Yield{Request: req} }

// ItemYield wraps item as a Yield.
func ItemYield(item *types.Item) Yield { return Yield{Item: item} }

// Spider is the unit of crawl logic the Runner and Engine drive; each
// Engine drives one Spider. Seed and Parse are pull-based iterators
// (Go 1.23 iter.Seq) rather than callback-accepting generators: the
// engine's producer loop ranges over Seed and each worker loop ranges
// over Parse, so the spider manages no goroutine of its own.
type Spider interface {
	// Name identifies the spider for logging, metrics, and
	// Runner.RunByRegistry's constructor lookup.
	Name() string

	// StartURLs returns the seed URLs to wrap as initial Requests when
	// Seed is not overridden with custom request construction.
	StartURLs() []string

	// Seed produces the initial batch of Requests. Most spiders build
	// this from StartURLs; Seed exists separately so a spider can
	// attach custom headers, cookies, or priorities to its seeds.
	Seed(ctx context.Context) iter.Seq[*types.Request]

	// Parse handles a fetched Response, yielding follow-up Requests
	// and/or Items.
	Parse(ctx context.Context, resp *types.Response) iter.Seq[Yield]

	// OnStart runs once before the engine begins scheduling this
	// spider's seeds.
	OnStart(ctx context.Context) error

	// OnClose runs once after the spider's last in-flight request
	// and the resulting items have drained.
	OnClose(ctx context.Context) error

	// OnException is invoked when the Parse callback panics while
	// processing this spider's work. Middleware and pipeline-stage
	// faults do not reach it.
	OnException(err error)
}

// Config carries per-spider overrides of the engine's global
// configuration: a dedicated middleware registry, pipeline registry,
// and pipeline mode. A nil field means "use the engine's global one";
// a non-nil Mode takes precedence over the global pipeline mode
// (per-spider beats global).
type Config struct {
	Middleware *middleware.Registry
	Pipeline   *pipeline.Pipeline
	Mode       *pipeline.Mode
}

// Overridable is implemented by a Spider that wants to customize its
// Config. A Spider that does not implement this interface runs
// entirely under the engine's global configuration.
type Overridable interface {
	Overrides() *Config
}

// Base is an embeddable no-op implementation of the optional Spider
// lifecycle hooks, letting a concrete spider only implement the
// methods it cares about.
type Base struct{}

func (Base) OnStart(context.Context) error { return nil }
func (Base) OnClose(context.Context) error { return nil }
func (Base) OnException(error)             {}
