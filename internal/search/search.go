// Package search defines the web search abstraction used by the search plugin.
package search

import (
	"context"
	"errors"
	"strings"
)

// ErrEmptyQuery is returned when a search is issued without a query.
var ErrEmptyQuery = errors.New("search query must not be empty")

// Result is a single web page hit.
type Result struct {
	Name    string `json:"name"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// Options narrows a search. Zero values use engine defaults.
type Options struct {
	Count  int
	Offset int
	Site   string
}

// Engine runs web searches.
type Engine interface {
	Search(ctx context.Context, query string, opts Options) ([]Result, error)
}

// Normalize validates query and clamps opts to maxCount. Site restrictions
// are folded into the query the way both engines expect.
func Normalize(query string, opts Options, maxCount int) (string, Options, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return "", opts, ErrEmptyQuery
	}
	if opts.Count <= 0 {
		opts.Count = 1
	}
	if opts.Count > maxCount {
		opts.Count = maxCount
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	if site := strings.TrimSpace(opts.Site); site != "" {
		query = "site:" + site + " " + query
	}
	return query, opts, nil
}
