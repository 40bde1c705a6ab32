// Package qdrant implements vectorstore.Store on the Qdrant REST API.
package qdrant

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

	"github.com/google/uuid"

	"gokernel/internal/vectorstore"
)

const (
	keyField      = "key"
	textField     = "text"
	metadataField = "metadata"
)

// Store talks to a Qdrant instance. Record keys are arbitrary strings while
// Qdrant point IDs must be UUIDs, so each key maps to a name-based UUID and
// the original key travels in the payload.
type Store struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func New(baseURL, apiKey string, client *http.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if baseURL == "" {
		return nil, errors.New("qdrant url must not be empty")
	}
	return &Store{baseURL: baseURL, apiKey: apiKey, client: client}, nil
}

// PointID returns the Qdrant point ID used for a record key.
func PointID(key string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(key)).String()
}

func (s *Store) EnsureCollection(ctx context.Context, name string, dimensions int) error {
	if err := vectorstore.ValidateCollection(name); err != nil {
		return err
	}
	err := s.do(ctx, http.MethodGet, s.collectionURL(name, ""), nil, nil)
	if err == nil {
		return nil
	}
	if !errors.Is(err, vectorstore.ErrCollectionNotFound) {
		return err
	}
	if dimensions <= 0 {
		return fmt.Errorf("qdrant collection %s needs a positive vector size", name)
	}

	payload := map[string]any{
		"vectors": map[string]any{
			"size":     dimensions,
			"distance": "Cosine",
		},
	}
	return s.do(ctx, http.MethodPut, s.collectionURL(name, ""), payload, nil)
}

func (s *Store) Upsert(ctx context.Context, collection string, records []vectorstore.Record) error {
	if len(records) == 0 {
		return nil
	}
	points := make([]map[string]any, 0, len(records))
	for _, r := range records {
		if r.Key == "" {
			return errors.New("record key must not be empty")
		}
		points = append(points, map[string]any{
			"id":     PointID(r.Key),
			"vector": r.Vector,
			"payload": map[string]any{
				keyField:      r.Key,
				textField:     r.Text,
				metadataField: r.Metadata,
			},
		})
	}
	return s.do(ctx, http.MethodPut, s.collectionURL(collection, "/points?wait=true"), map[string]any{"points": points}, nil)
}

func (s *Store) Get(ctx context.Context, collection, key string) (vectorstore.Record, error) {
	payload := map[string]any{
		"ids":          []string{PointID(key)},
		"with_payload": true,
		"with_vector":  true,
	}
	var result struct {
		Result []point `json:"result"`
	}
	if err := s.do(ctx, http.MethodPost, s.collectionURL(collection, "/points"), payload, &result); err != nil {
		return vectorstore.Record{}, err
	}
	if len(result.Result) == 0 {
		return vectorstore.Record{}, fmt.Errorf("%w: %s", vectorstore.ErrRecordNotFound, key)
	}
	return result.Result[0].record(), nil
}

func (s *Store) Delete(ctx context.Context, collection string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, PointID(k))
	}
	return s.do(ctx, http.MethodPost, s.collectionURL(collection, "/points/delete?wait=true"), map[string]any{"points": ids}, nil)
}

func (s *Store) Search(ctx context.Context, collection string, q vectorstore.Query) ([]vectorstore.Match, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	payload := map[string]any{
		"vector":       q.Vector,
		"limit":        q.Top,
		"with_payload": true,
		"with_vector":  true,
	}
	if q.MinScore != 0 {
		payload["score_threshold"] = q.MinScore
	}
	if len(q.Filter) > 0 {
		must := make([]map[string]any, 0, len(q.Filter))
		for k, v := range q.Filter {
			must = append(must, map[string]any{
				"key":   metadataField + "." + k,
				"match": map[string]any{"value": v},
			})
		}
		payload["filter"] = map[string]any{"must": must}
	}

	var result struct {
		Result []point `json:"result"`
	}
	if err := s.do(ctx, http.MethodPost, s.collectionURL(collection, "/points/search"), payload, &result); err != nil {
		return nil, err
	}

	matches := make([]vectorstore.Match, 0, len(result.Result))
	for _, p := range result.Result {
		matches = append(matches, vectorstore.Match{Record: p.record(), Score: p.Score})
	}
	return matches, nil
}

type point struct {
	ID      string    `json:"id"`
	Score   float64   `json:"score"`
	Vector  []float32 `json:"vector"`
	Payload struct {
		Key      string            `json:"key"`
		Text     string            `json:"text"`
		Metadata map[string]string `json:"metadata"`
	} `json:"payload"`
}

func (p point) record() vectorstore.Record {
	key := p.Payload.Key
	if key == "" {
		key = p.ID
	}
	return vectorstore.Record{Key: key, Vector: p.Vector, Text: p.Payload.Text, Metadata: p.Payload.Metadata}
}

func (s *Store) collectionURL(name, suffix string) string {
	return s.baseURL + "/collections/" + url.PathEscape(name) + suffix
}

func (s *Store) do(ctx context.Context, method, endpoint string, payload, target any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal qdrant payload: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("construct request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("qdrant request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("%w: %s", vectorstore.ErrCollectionNotFound, endpoint)
	}
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return fmt.Errorf("qdrant error: %s - %s", resp.Status, strings.TrimSpace(string(data)))
	}
	if target == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return fmt.Errorf("decode qdrant response: %w", err)
	}
	return nil
}
