// Package memory stores and recalls text by semantic similarity.
package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"gokernel/internal/embedding"
	"gokernel/internal/vectorstore"
)

const DefaultMinScore = 0.7

// Item is a remembered text with its relevance to a query.
type Item struct {
	Key       string            `json:"key"`
	Text      string            `json:"text"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Relevance float64           `json:"relevance"`
}

// TextMemory embeds text with a generator and keeps it in a vector store.
type TextMemory struct {
	store      vectorstore.Store
	generator  embedding.Generator
	dimensions int

	mu      sync.Mutex
	ensured map[string]bool
}

// New builds a text memory. dimensions sizes collections created on first
// use; zero lets the first embedding decide.
func New(store vectorstore.Store, generator embedding.Generator, dimensions int) (*TextMemory, error) {
	if store == nil {
		return nil, errors.New("vector store must not be nil")
	}
	if generator == nil {
		return nil, errors.New("embedding generator must not be nil")
	}
	return &TextMemory{store: store, generator: generator, dimensions: dimensions, ensured: make(map[string]bool)}, nil
}

// Save embeds text and upserts it under key, generating a key when empty.
// It returns the key used.
func (m *TextMemory) Save(ctx context.Context, collection, key, text string, metadata map[string]string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", errors.New("text must not be empty")
	}
	if key == "" {
		key = uuid.NewString()
	}

	vectors, err := m.generator.Embed(ctx, []string{text})
	if err != nil {
		return "", err
	}
	if len(vectors) != 1 {
		return "", fmt.Errorf("expected one embedding, got %d", len(vectors))
	}
	if err := m.ensure(ctx, collection, len(vectors[0])); err != nil {
		return "", err
	}

	record := vectorstore.Record{Key: key, Vector: vectors[0], Text: text, Metadata: metadata}
	if err := m.store.Upsert(ctx, collection, []vectorstore.Record{record}); err != nil {
		return "", fmt.Errorf("save to %s: %w", collection, err)
	}
	return key, nil
}

// Get returns a stored item by key.
func (m *TextMemory) Get(ctx context.Context, collection, key string) (Item, error) {
	r, err := m.store.Get(ctx, collection, key)
	if err != nil {
		return Item{}, err
	}
	return Item{Key: r.Key, Text: r.Text, Metadata: r.Metadata, Relevance: 1}, nil
}

func (m *TextMemory) Remove(ctx context.Context, collection, key string) error {
	return m.store.Delete(ctx, collection, []string{key})
}

// Search embeds query and returns up to limit items scoring at least minScore.
func (m *TextMemory) Search(ctx context.Context, collection, query string, limit int, minScore float64) ([]Item, error) {
	if strings.TrimSpace(query) == "" {
		return nil, errors.New("query must not be empty")
	}
	if limit <= 0 {
		limit = 1
	}

	vectors, err := m.generator.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("expected one embedding, got %d", len(vectors))
	}

	matches, err := m.store.Search(ctx, collection, vectorstore.Query{Vector: vectors[0], Top: limit, MinScore: minScore})
	if errors.Is(err, vectorstore.ErrCollectionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", collection, err)
	}

	items := make([]Item, 0, len(matches))
	for _, match := range matches {
		items = append(items, Item{
			Key:       match.Record.Key,
			Text:      match.Record.Text,
			Metadata:  match.Record.Metadata,
			Relevance: match.Score,
		})
	}
	return items, nil
}

func (m *TextMemory) ensure(ctx context.Context, collection string, dims int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ensured[collection] {
		return nil
	}
	if m.dimensions > 0 {
		dims = m.dimensions
	}
	if err := m.store.EnsureCollection(ctx, collection, dims); err != nil {
		return fmt.Errorf("ensure collection %s: %w", collection, err)
	}
	m.ensured[collection] = true
	return nil
}
