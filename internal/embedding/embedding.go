// Package embedding turns text into vectors through an embedding-capable
// provider.
package embedding

import (
	"context"
	"errors"
	"fmt"

	"gokernel/internal/provider"
)

const defaultBatchSize = 64

// ErrDimensionMismatch indicates a vector whose length differs from the
// configured dimensionality.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// Generator produces one embedding per input text, in input order.
type Generator interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// ProviderGenerator adapts a provider.Embedder bound to one model.
type ProviderGenerator struct {
	embedder   provider.Embedder
	model      string
	dimensions int
	batchSize  int
}

// Option configures a ProviderGenerator.
type Option func(*ProviderGenerator)

// WithDimensions makes Embed reject vectors of any other length.
func WithDimensions(n int) Option {
	return func(g *ProviderGenerator) { g.dimensions = n }
}

// WithBatchSize caps the number of inputs sent in one provider request.
func WithBatchSize(n int) Option {
	return func(g *ProviderGenerator) {
		if n > 0 {
			g.batchSize = n
		}
	}
}

func New(embedder provider.Embedder, model string, opts ...Option) (*ProviderGenerator, error) {
	if embedder == nil {
		return nil, errors.New("embedder must not be nil")
	}
	if model == "" {
		return nil, errors.New("embedding model must not be empty")
	}
	g := &ProviderGenerator{embedder: embedder, model: model, batchSize: defaultBatchSize}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Dimensions returns the configured vector length, or zero when unknown.
func (g *ProviderGenerator) Dimensions() int {
	return g.dimensions
}

func (g *ProviderGenerator) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += g.batchSize {
		end := min(start+g.batchSize, len(texts))
		vectors, err := g.embedder.Embed(ctx, g.model, texts[start:end])
		if err != nil {
			return nil, fmt.Errorf("embed with %s: %w", g.model, err)
		}
		if len(vectors) != end-start {
			return nil, fmt.Errorf("embed with %s: got %d vectors for %d inputs", g.model, len(vectors), end-start)
		}
		for _, v := range vectors {
			if g.dimensions > 0 && len(v) != g.dimensions {
				return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(v), g.dimensions)
			}
		}
		out = append(out, vectors...)
	}
	return out, nil
}
