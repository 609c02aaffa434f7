// Package embed produces embedding vectors for chunk text via a local
// Ollama instance.
package embed

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Embedder generates embedding vectors for text.
type Embedder interface {
	// Embed returns the embedding vector for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Model returns the model name vectors are produced with.
	Model() string

	// Dim returns the expected vector dimensionality.
	Dim() int
}

// Batch returns embedding vectors for multiple texts concurrently. Returns
// nil (not error) for empty input.
func Batch(ctx context.Context, e Embedder, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	results := make([][]float32, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4) // Bound concurrency to avoid overwhelming the model server.

	for i, text := range texts {
		i, text := i, text
		g.Go(func() error {
			vec, err := e.Embed(gCtx, text)
			if err != nil {
				return fmt.Errorf("embedding text %d: %w", i, err)
			}
			if want := e.Dim(); want > 0 && len(vec) != want {
				return fmt.Errorf("embedding text %d: got %d dimensions, want %d", i, len(vec), want)
			}
			results[i] = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
