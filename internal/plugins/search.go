package plugins

import (
	"context"
	"errors"

	"gokernel/internal/kernel"
	"gokernel/internal/search"
)

const defaultSearchCount = 3

type webSearchArgs struct {
	Query string `json:"query" jsonschema:"the search query"`
	Count int    `json:"count,omitempty" jsonschema:"number of results to return, default 3"`
}

// Search returns the web search plugin backed by engine.
func Search(engine search.Engine) (*kernel.Plugin, error) {
	if engine == nil {
		return nil, errors.New("search engine must not be nil")
	}
	fn, err := kernel.NewFunction("web_search", "Searches the web and returns the top results with title, url and snippet.",
		func(ctx context.Context, args webSearchArgs) (any, error) {
			count := args.Count
			if count <= 0 {
				count = defaultSearchCount
			}
			results, err := engine.Search(ctx, args.Query, search.Options{Count: count})
			if err != nil {
				return nil, err
			}
			if len(results) == 0 {
				return "No results found.", nil
			}
			return results, nil
		})
	if err != nil {
		return nil, err
	}
	return kernel.NewPlugin("search", "Web search.", fn)
}
