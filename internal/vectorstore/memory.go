package vectorstore

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
)

type collection struct {
	dimensions int
	records    map[string]Record
}

// MemoryStore keeps collections in process memory and searches them by
// brute-force cosine similarity.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]*collection
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{collections: make(map[string]*collection)}
}

func (s *MemoryStore) EnsureCollection(ctx context.Context, name string, dimensions int) error {
	if err := ValidateCollection(name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.collections[name]; ok {
		if c.dimensions == 0 {
			c.dimensions = dimensions
		}
		return nil
	}
	s.collections[name] = &collection{dimensions: dimensions, records: make(map[string]Record)}
	return nil
}

func (s *MemoryStore) Upsert(ctx context.Context, name string, records []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
	}
	for _, r := range records {
		if r.Key == "" {
			return fmt.Errorf("record key must not be empty")
		}
		if c.dimensions > 0 && len(r.Vector) != c.dimensions {
			return fmt.Errorf("record %s has %d dimensions, collection %s expects %d", r.Key, len(r.Vector), name, c.dimensions)
		}
	}
	for _, r := range records {
		c.records[r.Key] = cloneRecord(r)
	}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, name, key string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.collections[name]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
	}
	r, ok := c.records[key]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrRecordNotFound, key)
	}
	return cloneRecord(r), nil
}

func (s *MemoryStore) Delete(ctx context.Context, name string, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
	}
	for _, k := range keys {
		delete(c.records, k)
	}
	return nil
}

func (s *MemoryStore) Search(ctx context.Context, name string, q Query) ([]Match, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.collections[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
	}

	var matches []Match
	for _, r := range c.records {
		if !MatchesFilter(r.Metadata, q.Filter) {
			continue
		}
		score := CosineSimilarity(q.Vector, r.Vector)
		if score < q.MinScore {
			continue
		}
		matches = append(matches, Match{Record: cloneRecord(r), Score: score})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Record.Key < matches[j].Record.Key
	})
	if len(matches) > q.Top {
		matches = matches[:q.Top]
	}
	return matches, nil
}

func cloneRecord(r Record) Record {
	r.Vector = slices.Clone(r.Vector)
	r.Metadata = maps.Clone(r.Metadata)
	return r
}
