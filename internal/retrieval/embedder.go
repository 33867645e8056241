package retrieval

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/kalambet/campusconnect/internal/apperr"
)

// EmbeddingProvider produces embeddings. *ollama.Client satisfies it.
type EmbeddingProvider interface {
	Embed(ctx context.Context, model string, text string) ([]float32, error)
}

// EmbedderConfig configures an Embedder.
type EmbedderConfig struct {
	Model string
	// Dimension is the vector length every embedding must have. Zero skips the check.
	Dimension int
	// RequestsPerSecond throttles provider calls. Zero means unlimited.
	RequestsPerSecond float64
}

// Embedder wraps an EmbeddingProvider with a dimension check and an
// optional rate limit.
type Embedder struct {
	provider  EmbeddingProvider
	model     string
	dimension int
	limiter   *rate.Limiter
}

// NewEmbedder creates an Embedder for the given provider.
func NewEmbedder(p EmbeddingProvider, cfg EmbedderConfig) *Embedder {
	e := &Embedder{provider: p, model: cfg.Model, dimension: cfg.Dimension}
	if cfg.RequestsPerSecond > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return e
}

// Dimension returns the configured embedding dimension.
func (e *Embedder) Dimension() int { return e.dimension }

// Embed returns the embedding vector for a single text. Provider failures
// are reported as unavailable.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("waiting for embed rate limit: %w", err)
		}
	}
	vec, err := e.provider.Embed(ctx, e.model, text)
	if err != nil {
		return nil, apperr.Unavailable(fmt.Errorf("embedding text: %w", err))
	}
	if e.dimension > 0 && len(vec) != e.dimension {
		return nil, fmt.Errorf("embedding model %s returned %d dimensions, index expects %d", e.model, len(vec), e.dimension)
	}
	return vec, nil
}

// EmbedBatch returns embedding vectors for multiple texts concurrently.
// Returns nil (not error) for empty/nil input.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	results := make([][]float32, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4) // Bound concurrency to avoid overwhelming the provider.

	for i, text := range texts {
		g.Go(func() error {
			vec, err := e.Embed(gCtx, text)
			if err != nil {
				return fmt.Errorf("embedding text %d: %w", i, err)
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
