package parser

import (
	"github.com/crawlkit/crawlkit/internal/config"
	"github.com/crawlkit/crawlkit/internal/types"
)

// Parser extracts data and links from a fetched response.
type Parser interface {
	// Name identifies the parser in logs and diagnostics.
	Name() string

	// Parse extracts items and follow-up URLs from a response.
	// It returns scraped items, discovered links, and any error.
	Parse(resp *types.Response, rules []config.ParseRule) ([]*types.Item, []string, error)
}
