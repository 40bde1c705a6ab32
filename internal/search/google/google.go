// Package google queries the Google Custom Search JSON API.
package google

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"gokernel/internal/provider"
	"gokernel/internal/search"
)

const (
	DefaultBaseURL = "https://www.googleapis.com"
	maxCount       = 10
)

type Engine struct {
	baseURL  string
	apiKey   string
	engineID string
	client   *http.Client
}

func New(baseURL, apiKey, engineID string, client *http.Client) (*Engine, error) {
	if apiKey == "" {
		return nil, errors.New("google api key must not be empty")
	}
	if engineID == "" {
		return nil, errors.New("google search engine id must not be empty")
	}
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Engine{baseURL: strings.TrimRight(baseURL, "/"), apiKey: apiKey, engineID: engineID, client: client}, nil
}

type response struct {
	Items []struct {
		Title   string `json:"title"`
		Link    string `json:"link"`
		Snippet string `json:"snippet"`
	} `json:"items"`
}

func (e *Engine) Search(ctx context.Context, query string, opts search.Options) ([]search.Result, error) {
	query, opts, err := search.Normalize(query, opts, maxCount)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("key", e.apiKey)
	params.Set("cx", e.engineID)
	params.Set("q", query)
	params.Set("num", strconv.Itoa(opts.Count))
	// start is 1-based
	params.Set("start", strconv.Itoa(opts.Offset+1))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/customsearch/v1?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build google request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("google request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, provider.ParseAPIError("google", resp)
	}

	var payload response
	if err := provider.DecodeJSON(resp.Body, &payload); err != nil {
		return nil, err
	}

	results := make([]search.Result, 0, len(payload.Items))
	for _, item := range payload.Items {
		results = append(results, search.Result{Name: item.Title, URL: item.Link, Snippet: item.Snippet})
	}
	return results, nil
}
