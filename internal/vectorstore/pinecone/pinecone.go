// Package pinecone implements vectorstore.Store on the Pinecone data plane
// REST API. Collections map to namespaces of a single index.
package pinecone

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"gokernel/internal/vectorstore"
)

const (
	apiVersion = "2024-07"
	textKey    = "_text"
)

type Store struct {
	host   string
	apiKey string
	client *http.Client
}

// New targets the index data plane host, e.g. https://my-index-abc.svc.pinecone.io.
func New(indexHost, apiKey string, client *http.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}
	indexHost = strings.TrimRight(indexHost, "/")
	if indexHost == "" {
		return nil, errors.New("pinecone index host must not be empty")
	}
	if apiKey == "" {
		return nil, errors.New("pinecone api key must not be empty")
	}
	return &Store{host: indexHost, apiKey: apiKey, client: client}, nil
}

// EnsureCollection only validates the name: namespaces are created on first
// write and the index dimension is fixed when the index is provisioned.
func (s *Store) EnsureCollection(ctx context.Context, name string, dimensions int) error {
	return vectorstore.ValidateCollection(name)
}

type vector struct {
	ID       string         `json:"id"`
	Values   []float32      `json:"values,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (s *Store) Upsert(ctx context.Context, collection string, records []vectorstore.Record) error {
	if len(records) == 0 {
		return nil
	}
	vectors := make([]vector, 0, len(records))
	for _, r := range records {
		if r.Key == "" {
			return errors.New("record key must not be empty")
		}
		meta := make(map[string]any, len(r.Metadata)+1)
		for k, v := range r.Metadata {
			meta[k] = v
		}
		meta[textKey] = r.Text
		vectors = append(vectors, vector{ID: r.Key, Values: r.Vector, Metadata: meta})
	}
	payload := map[string]any{"vectors": vectors, "namespace": collection}
	return s.do(ctx, http.MethodPost, s.host+"/vectors/upsert", payload, nil)
}

func (s *Store) Get(ctx context.Context, collection, key string) (vectorstore.Record, error) {
	q := url.Values{}
	q.Set("ids", key)
	q.Set("namespace", collection)

	var result struct {
		Vectors map[string]vector `json:"vectors"`
	}
	if err := s.do(ctx, http.MethodGet, s.host+"/vectors/fetch?"+q.Encode(), nil, &result); err != nil {
		return vectorstore.Record{}, err
	}
	v, ok := result.Vectors[key]
	if !ok {
		return vectorstore.Record{}, fmt.Errorf("%w: %s", vectorstore.ErrRecordNotFound, key)
	}
	return toRecord(v), nil
}

func (s *Store) Delete(ctx context.Context, collection string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	payload := map[string]any{"ids": keys, "namespace": collection}
	return s.do(ctx, http.MethodPost, s.host+"/vectors/delete", payload, nil)
}

func (s *Store) Search(ctx context.Context, collection string, q vectorstore.Query) ([]vectorstore.Match, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	payload := map[string]any{
		"vector":          q.Vector,
		"topK":            q.Top,
		"namespace":       collection,
		"includeMetadata": true,
		"includeValues":   true,
	}
	if len(q.Filter) > 0 {
		filter := make(map[string]any, len(q.Filter))
		for k, v := range q.Filter {
			filter[k] = map[string]any{"$eq": v}
		}
		payload["filter"] = filter
	}

	var result struct {
		Matches []struct {
			vector
			Score float64 `json:"score"`
		} `json:"matches"`
	}
	if err := s.do(ctx, http.MethodPost, s.host+"/query", payload, &result); err != nil {
		return nil, err
	}

	matches := make([]vectorstore.Match, 0, len(result.Matches))
	for _, m := range result.Matches {
		if m.Score < q.MinScore {
			continue
		}
		matches = append(matches, vectorstore.Match{Record: toRecord(m.vector), Score: m.Score})
	}
	return matches, nil
}

func toRecord(v vector) vectorstore.Record {
	r := vectorstore.Record{Key: v.ID, Vector: v.Values}
	for k, val := range v.Metadata {
		s, ok := val.(string)
		if !ok {
			s = fmt.Sprint(val)
		}
		if k == textKey {
			r.Text = s
			continue
		}
		if r.Metadata == nil {
			r.Metadata = make(map[string]string)
		}
		r.Metadata[k] = s
	}
	return r
}

func (s *Store) do(ctx context.Context, method, endpoint string, payload, target any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal pinecone payload: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("construct request: %w", err)
	}
	req.Header.Set("Api-Key", s.apiKey)
	req.Header.Set("X-Pinecone-API-Version", apiVersion)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("pinecone request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return fmt.Errorf("pinecone error: %s - %s", resp.Status, strings.TrimSpace(string(data)))
	}
	if target == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return fmt.Errorf("decode pinecone response: %w", err)
	}
	return nil
}
