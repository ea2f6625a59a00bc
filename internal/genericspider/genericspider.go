// Package genericspider implements the rule-driven spider cmd/crawlkit
// runs when a user hands it seed URLs and a config file rather than a
// hand-written Spider: it follows links discovered by
// parser.CompositeParser, filtered by the engine config's domain/depth/
// pattern limits, and emits one Item per page via the same parser.
package genericspider

import (
	"context"
	"iter"
	"log/slog"
	"net/url"
	"regexp"
	"slices"
	"strings"

	"github.com/crawlkit/crawlkit/internal/config"
	"github.com/crawlkit/crawlkit/internal/parser"
	"github.com/crawlkit/crawlkit/internal/pipeline"
	"github.com/crawlkit/crawlkit/internal/spider"
	"github.com/crawlkit/crawlkit/internal/storage"
	"github.com/crawlkit/crawlkit/internal/types"
)

// Spider is a rule-driven crawl over a fixed set of seed URLs. It has
// no extraction logic of its own; config.ParserConfig.Rules and
// parser.CompositeParser supply that.
type Spider struct {
	spider.Base

	name       string
	seeds      []string
	cfg        *config.Config
	parser     *parser.CompositeParser
	logger     *slog.Logger
	patternRes []*regexp.Regexp
	overrides  *spider.Config
}

// New builds a Spider named name, seeded with seeds, extracting per
// cfg.Parser.Rules and following links within cfg.Engine's domain and
// depth limits. backend, if non-nil, is appended to the pipeline as a
// terminal storage.SinkMiddleware via Overrides, so items this spider
// yields are written to it without runner needing to know about
// storage at all.
func New(name string, seeds []string, cfg *config.Config, backend storage.Storage, logger *slog.Logger) *Spider {
	if logger == nil {
		logger = slog.Default()
	}
	patterns := make([]*regexp.Regexp, 0, len(cfg.Engine.AllowedURLPatterns))
	for _, p := range cfg.Engine.AllowedURLPatterns {
		if re, err := regexp.Compile(p); err == nil {
			patterns = append(patterns, re)
		} else {
			logger.Warn("invalid allowed_url_pattern, ignoring", "pattern", p, "error", err)
		}
	}

	s := &Spider{
		name:       name,
		seeds:      seeds,
		cfg:        cfg,
		parser:     parser.NewCompositeParser(logger),
		logger:     logger.With("component", "genericspider", "spider", name),
		patternRes: patterns,
	}

	if backend != nil {
		pipe := pipeline.New(logger)
		pipe.Use(&pipeline.TrimMiddleware{})
		for _, mwCfg := range cfg.Pipeline.Middlewares {
			if mw := builtinMiddleware(mwCfg); mw != nil {
				pipe.Use(mw)
			}
		}
		pipe.Use(storage.NewSinkMiddleware(backend))
		s.overrides = &spider.Config{Pipeline: pipe}
	}

	return s
}

// Overrides implements spider.Overridable.
func (s *Spider) Overrides() *spider.Config { return s.overrides }

// builtinMiddleware resolves a config.MiddlewareConfig entry to one of
// the pipeline package's built-in stages by name, the config-driven
// analogue of a direct pipe.Use(&pipeline.TrimMiddleware{}) call.
func builtinMiddleware(mwCfg config.MiddlewareConfig) pipeline.Middleware {
	switch mwCfg.Type {
	case "required_fields":
		fields, _ := mwCfg.Options["fields"].([]string)
		return &pipeline.RequiredFieldsMiddleware{Fields: fields}
	case "dedup":
		key, _ := mwCfg.Options["key"].(string)
		return pipeline.NewDedupMiddleware(key)
	case "default_values":
		return &pipeline.DefaultValueMiddleware{Defaults: mwCfg.Options}
	case "html_sanitize":
		return pipeline.NewHTMLSanitizeMiddleware()
	case "date_normalize":
		fields, _ := mwCfg.Options["fields"].([]string)
		format, _ := mwCfg.Options["format"].(string)
		return pipeline.NewDateNormalizeMiddleware(fields, format)
	case "currency_normalize":
		fields, _ := mwCfg.Options["fields"].([]string)
		return pipeline.NewCurrencyNormalizeMiddleware(fields)
	case "type_coercion":
		coercions := make(map[string]string, len(mwCfg.Options))
		for k, v := range mwCfg.Options {
			if s, ok := v.(string); ok {
				coercions[k] = s
			}
		}
		return pipeline.NewTypeCoercionMiddleware(coercions)
	case "pii_redact":
		return pipeline.NewPIIRedactMiddleware(slog.Default())
	case "word_count":
		fields, _ := mwCfg.Options["fields"].([]string)
		return pipeline.NewWordCountMiddleware(fields)
	case "field_validate":
		patterns := make(map[string]string, len(mwCfg.Options))
		for k, v := range mwCfg.Options {
			if s, ok := v.(string); ok {
				patterns[k] = s
			}
		}
		dropInvalid, _ := mwCfg.Options["_drop_invalid"].(bool)
		mw, err := pipeline.NewFieldValidateMiddleware(patterns, dropInvalid)
		if err != nil {
			slog.Default().Warn("invalid field_validate config, skipping", "error", err)
			return nil
		}
		return mw
	default:
		return nil
	}
}

func (s *Spider) Name() string        { return s.name }
func (s *Spider) StartURLs() []string { return s.seeds }

func (s *Spider) Seed(ctx context.Context) iter.Seq[*types.Request] {
	return func(yield func(*types.Request) bool) {
		for _, raw := range s.seeds {
			req, err := types.NewRequest(raw)
			if err != nil {
				s.logger.Warn("invalid seed URL, skipping", "url", raw, "error", err)
				continue
			}
			req.MaxRetries = s.cfg.Engine.MaxRetries
			if !yield(req) {
				return
			}
		}
	}
}

func (s *Spider) Parse(ctx context.Context, resp *types.Response) iter.Seq[spider.Yield] {
	return func(yield func(spider.Yield) bool) {
		items, links, err := s.parser.Parse(resp, s.cfg.Parser.Rules)
		if err != nil {
			s.logger.Warn("parse error", "url", resp.Request.URLString(), "error", err)
		}
		for _, item := range items {
			if !yield(spider.ItemYield(item)) {
				return
			}
		}

		if s.cfg.Engine.MaxDepth > 0 && resp.Request.Depth >= s.cfg.Engine.MaxDepth {
			return
		}
		for _, link := range links {
			if !s.allowed(link) {
				continue
			}
			req, err := types.NewRequest(link)
			if err != nil {
				continue
			}
			req.MaxRetries = s.cfg.Engine.MaxRetries
			if !yield(spider.RequestYield(req)) {
				return
			}
		}
	}
}

// allowed applies the AllowedDomains/DisallowedDomains/
// AllowedURLPatterns config to a discovered link. The engine itself
// applies no domain or pattern limits when it fetches.
func (s *Spider) allowed(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := u.Hostname()

	if len(s.cfg.Engine.DisallowedDomains) > 0 && matchesAny(host, s.cfg.Engine.DisallowedDomains) {
		return false
	}
	if len(s.cfg.Engine.AllowedDomains) > 0 && !matchesAny(host, s.cfg.Engine.AllowedDomains) {
		return false
	}
	if len(s.patternRes) > 0 {
		matched := false
		for _, re := range s.patternRes {
			if re.MatchString(rawURL) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

func matchesAny(host string, domains []string) bool {
	return slices.ContainsFunc(domains, func(d string) bool {
		return host == d || strings.HasSuffix(host, "."+d)
	})
}
