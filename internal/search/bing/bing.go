// Package bing queries the Bing Web Search v7 API.
package bing

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
	DefaultBaseURL = "https://api.bing.microsoft.com"
	maxCount       = 50
)

type Engine struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func New(baseURL, apiKey string, client *http.Client) (*Engine, error) {
	if apiKey == "" {
		return nil, errors.New("bing api key must not be empty")
	}
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Engine{baseURL: strings.TrimRight(baseURL, "/"), apiKey: apiKey, client: client}, nil
}

type response struct {
	WebPages struct {
		Value []struct {
			Name    string `json:"name"`
			URL     string `json:"url"`
			Snippet string `json:"snippet"`
		} `json:"value"`
	} `json:"webPages"`
}

func (e *Engine) Search(ctx context.Context, query string, opts search.Options) ([]search.Result, error) {
	query, opts, err := search.Normalize(query, opts, maxCount)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("q", query)
	params.Set("count", strconv.Itoa(opts.Count))
	params.Set("offset", strconv.Itoa(opts.Offset))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/v7.0/search?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build bing request: %w", err)
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", e.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, provider.ParseAPIError("bing", resp)
	}

	var payload response
	if err := provider.DecodeJSON(resp.Body, &payload); err != nil {
		return nil, err
	}

	results := make([]search.Result, 0, len(payload.WebPages.Value))
	for _, v := range payload.WebPages.Value {
		results = append(results, search.Result{Name: v.Name, URL: v.URL, Snippet: v.Snippet})
	}
	return results, nil
}
