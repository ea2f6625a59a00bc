package parser

import (
	"log/slog"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/crawlkit/crawlkit/internal/config"
	"github.com/crawlkit/crawlkit/internal/types"
)

// CSSParser extracts data using CSS selectors via goquery. It keeps a
// SmartTracker so a named rule whose selector stops matching (a site
// redesign) can be relocated against the element's last known
// snapshot instead of silently returning nothing.
type CSSParser struct {
	logger  *slog.Logger
	tracker *SmartTracker
}

// NewCSSParser creates a new CSS selector parser.
func NewCSSParser(logger *slog.Logger) *CSSParser {
	return &CSSParser{
		logger:  logger.With("component", "css_parser"),
		tracker: NewSmartTracker(logger),
	}
}

// Name implements Parser.
func (p *CSSParser) Name() string { return "css" }

// Parse implements Parser.
func (p *CSSParser) Parse(resp *types.Response, rules []config.ParseRule) ([]*types.Item, []string, error) {
	doc, err := resp.Document()
	if err != nil {
		return nil, nil, &types.ParseError{
			URL: resp.Request.URLString(),
			Err: err,
		}
	}

	var items []*types.Item
	var links []string

	// Extract links from the page
	links = p.extractLinks(doc, resp.FinalURL)

	// If no rules, just return links (discovery mode)
	if len(rules) == 0 {
		return nil, links, nil
	}

	// Apply extraction rules
	item := types.NewItem(resp.Request.URLString())

	for _, rule := range rules {
		if rule.Type != "css" && rule.Type != "" {
			continue // Skip non-CSS rules
		}

		values := p.extractCSS(resp, doc, rule)
		if len(values) == 1 {
			item.Set(rule.Name, values[0])
		} else if len(values) > 1 {
			item.Set(rule.Name, values)
		}
	}

	if len(item.Fields) > 0 {
		items = append(items, item)
	}

	return items, links, nil
}

// extractCSS applies a single CSS rule and returns matched values. A
// named rule that stops matching is handed to the tracker for
// relocation before being given up on; a named rule that does match
// has its snapshot refreshed so a later relocation has something
// current to work from.
func (p *CSSParser) extractCSS(resp *types.Response, doc *goquery.Document, rule config.ParseRule) []string {
	var values []string

	sel := doc.Find(rule.Selector)
	if sel.Length() == 0 && rule.Name != "" {
		if newSelector, relocated, err := p.tracker.Relocate(resp, rule.Name); err == nil && relocated != nil && relocated.Length() > 0 {
			p.logger.Warn("css selector drifted, relocated via tracker",
				"rule", rule.Name, "old_selector", rule.Selector, "new_selector", newSelector)
			sel = relocated
		}
	} else if sel.Length() > 0 && rule.Name != "" {
		if err := p.tracker.TakeSnapshot(resp, rule.Selector, rule.Name); err != nil {
			p.logger.Debug("tracker snapshot failed", "rule", rule.Name, "error", err)
		}
	}

	sel.Each(func(i int, sel *goquery.Selection) {
		var val string

		switch rule.Attribute {
		case "", "text":
			val = strings.TrimSpace(sel.Text())
		case "html", "innerHTML":
			val, _ = sel.Html()
		case "outerHTML":
			val, _ = goquery.OuterHtml(sel)
		default:
			val, _ = sel.Attr(rule.Attribute)
		}

		if val != "" {
			values = append(values, val)
		}
	})

	return values
}

// extractLinks finds all <a href> links in the document.
func (p *CSSParser) extractLinks(doc *goquery.Document, baseURL string) []string {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil
	}

	seen := make(map[string]bool)
	var links []string

	doc.Find("a[href]").Each(func(i int, sel *goquery.Selection) {
		href, exists := sel.Attr("href")
		if !exists || href == "" {
			return
		}

		// Skip anchors, javascript:, mailto:, tel:
		href = strings.TrimSpace(href)
		if strings.HasPrefix(href, "#") ||
			strings.HasPrefix(href, "javascript:") ||
			strings.HasPrefix(href, "mailto:") ||
			strings.HasPrefix(href, "tel:") ||
			strings.HasPrefix(href, "data:") {
			return
		}

		// Resolve relative URLs
		parsedHref, err := url.Parse(href)
		if err != nil {
			return
		}
		resolved := base.ResolveReference(parsedHref)

		// Only follow HTTP/HTTPS links
		if resolved.Scheme != "http" && resolved.Scheme != "https" {
			return
		}

		// Remove fragment
		resolved.Fragment = ""

		absURL := resolved.String()
		if !seen[absURL] {
			seen[absURL] = true
			links = append(links, absURL)
		}
	})

	return links
}
