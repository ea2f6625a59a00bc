package parser

import (
	"log/slog"

	"github.com/crawlkit/crawlkit/internal/config"
	"github.com/crawlkit/crawlkit/internal/types"
)

// CompositeParser combines multiple parser implementations.
// It delegates to the appropriate parser based on rule type.
type CompositeParser struct {
	css        *CSSParser
	regex      *RegexParser
	xpath      *XPathParser
	structured *StructuredDataExtractor
	dom        *DOMTraverser
	logger     *slog.Logger
}

// NewCompositeParser creates a parser that handles CSS, regex, XPath,
// table, and list rules.
func NewCompositeParser(logger *slog.Logger) *CompositeParser {
	return &CompositeParser{
		css:        NewCSSParser(logger),
		regex:      NewRegexParser(logger),
		xpath:      NewXPathParser(logger),
		structured: NewStructuredDataExtractor(logger),
		dom:        NewDOMTraverser(logger),
		logger:     logger.With("component", "composite_parser"),
	}
}

// Name implements Parser.
func (p *CompositeParser) Name() string { return "composite" }

// Parse implements Parser by delegating to sub-parsers.
func (p *CompositeParser) Parse(resp *types.Response, rules []config.ParseRule) ([]*types.Item, []string, error) {
	var allItems []*types.Item
	var allLinks []string

	// Separate rules by type
	var cssRules []config.ParseRule
	var regexRules []config.ParseRule
	var xpathRules []config.ParseRule
	var tableRules []config.ParseRule
	var listRules []config.ParseRule

	for _, rule := range rules {
		switch rule.Type {
		case "regex":
			regexRules = append(regexRules, rule)
		case "xpath":
			xpathRules = append(xpathRules, rule)
		case "table":
			tableRules = append(tableRules, rule)
		case "list":
			listRules = append(listRules, rule)
		default: // "css" or empty defaults to CSS
			cssRules = append(cssRules, rule)
		}
	}

	// CSS parsing (always runs for link discovery)
	cssItems, links, err := p.css.Parse(resp, cssRules)
	if err != nil {
		p.logger.Warn("parser error", "parser", p.css.Name(), "error", err)
	}
	allItems = append(allItems, cssItems...)
	allLinks = append(allLinks, links...)

	// Regex parsing
	if len(regexRules) > 0 {
		regexItems, _, err := p.regex.Parse(resp, regexRules)
		if err != nil {
			p.logger.Warn("parser error", "parser", p.regex.Name(), "error", err)
		}
		allItems = append(allItems, regexItems...)
	}

	// XPath parsing
	if len(xpathRules) > 0 {
		xpathItems, _, err := p.xpath.Parse(resp, xpathRules)
		if err != nil {
			p.logger.Warn("parser error", "parser", p.xpath.Name(), "error", err)
		}
		allItems = append(allItems, xpathItems...)
	}

	// Table/list rules go through the DOM traverser rather than a
	// Parser implementation: each produces a single named field
	// (a 2D array or a flat list) instead of one value per match.
	if len(tableRules) > 0 || len(listRules) > 0 {
		if domItem := p.extractDOMRules(resp, tableRules, listRules); domItem != nil {
			allItems = append(allItems, domItem)
		}
	}

	// Auto-extract structured data (JSON-LD, OpenGraph, etc.)
	sdResults, err := p.structured.Extract(resp)
	if err != nil {
		p.logger.Warn("parser error", "parser", p.structured.Name(), "error", err)
	}
	if sdItem := StructuredDataToItem(sdResults, resp.Request.URLString()); sdItem != nil {
		allItems = append(allItems, sdItem)
	}

	// Merge items from different parsers targeting the same page
	if len(allItems) > 1 {
		merged := types.NewItem(resp.Request.URLString())
		for _, item := range allItems {
			for k, v := range item.Fields {
				merged.Set(k, v)
			}
		}
		allItems = []*types.Item{merged}
	}

	return allItems, dedupLinks(allLinks), nil
}

// extractDOMRules runs table/list rules through the DOM traverser and
// collects their results onto a single item, keyed by rule name.
func (p *CompositeParser) extractDOMRules(resp *types.Response, tableRules, listRules []config.ParseRule) *types.Item {
	item := types.NewItem(resp.Request.URLString())

	for _, rule := range tableRules {
		table, err := p.dom.ExtractTable(resp, rule.Selector)
		if err != nil {
			p.logger.Warn("parser error", "parser", p.dom.Name(), "rule", rule.Name, "error", err)
			continue
		}
		if len(table) > 0 {
			item.Set(rule.Name, table)
		}
	}

	for _, rule := range listRules {
		list, err := p.dom.ExtractList(resp, rule.Selector)
		if err != nil {
			p.logger.Warn("parser error", "parser", p.dom.Name(), "rule", rule.Name, "error", err)
			continue
		}
		if len(list) > 0 {
			item.Set(rule.Name, list)
		}
	}

	if len(item.Fields) == 0 {
		return nil
	}
	return item
}

// dedupLinks removes duplicate URLs while preserving first-seen order,
// since table/list and CSS link discovery can surface the same URL.
func dedupLinks(links []string) []string {
	if len(links) < 2 {
		return links
	}
	seen := make(map[string]bool, len(links))
	out := links[:0:0]
	for _, l := range links {
		if !seen[l] {
			seen[l] = true
			out = append(out, l)
		}
	}
	return out
}
