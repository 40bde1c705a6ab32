// Package vectorstore defines the record store used by text memory and an
// in-process implementation of it.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
)

var (
	// ErrRecordNotFound indicates a key absent from the collection.
	ErrRecordNotFound = errors.New("record not found")
	// ErrCollectionNotFound indicates a collection that was never created.
	ErrCollectionNotFound = errors.New("collection not found")
)

var validCollection = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Record is one stored embedding with its source text.
type Record struct {
	Key      string            `json:"key"`
	Vector   []float32         `json:"vector,omitempty"`
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Query selects the records nearest to Vector. Filter matches metadata
// values exactly; every entry must match.
type Query struct {
	Vector   []float32
	Top      int
	MinScore float64
	Filter   map[string]string
}

// Match is a search hit. Higher scores are closer.
type Match struct {
	Record Record  `json:"record"`
	Score  float64 `json:"score"`
}

// Store is implemented by every vector back-end.
type Store interface {
	EnsureCollection(ctx context.Context, name string, dimensions int) error
	Upsert(ctx context.Context, collection string, records []Record) error
	Get(ctx context.Context, collection, key string) (Record, error)
	Delete(ctx context.Context, collection string, keys []string) error
	Search(ctx context.Context, collection string, q Query) ([]Match, error)
}

// ValidateCollection rejects names back-ends cannot use as identifiers.
func ValidateCollection(name string) error {
	if !validCollection.MatchString(name) {
		return fmt.Errorf("collection name %q must match %s", name, validCollection)
	}
	return nil
}

// Validate checks a query before it reaches a back-end.
func (q Query) Validate() error {
	if len(q.Vector) == 0 {
		return errors.New("query vector must not be empty")
	}
	if q.Top <= 0 {
		return fmt.Errorf("query top must be positive, got %d", q.Top)
	}
	if q.MinScore < -1 || q.MinScore > 1 {
		return fmt.Errorf("query min score must be within [-1, 1], got %g", q.MinScore)
	}
	return nil
}

// MatchesFilter reports whether metadata satisfies every filter entry.
func MatchesFilter(metadata, filter map[string]string) bool {
	for k, v := range filter {
		if metadata[k] != v {
			return false
		}
	}
	return true
}

// CosineSimilarity returns the cosine of the angle between a and b, or zero
// when either is a zero vector or the lengths differ.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
