package retrieval

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/kbsync/internal/engine"
)

// Embedder wraps an Engine to generate text embeddings.
type Embedder struct {
	engine engine.Engine
	model  string
	logger *slog.Logger
}

// NewEmbedder creates an Embedder using the given Engine and model name.
func NewEmbedder(e engine.Engine, model string) *Embedder {
	return &Embedder{engine: e, model: model, logger: slog.Default().With("component", "embedder")}
}

// Model returns the embedding model name.
func (e *Embedder) Model() string {
	return e.model
}

// Embed returns the embedding vector for a single text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := e.engine.Embed(ctx, e.model, text)
	if err != nil {
		return nil, fmt.Errorf("embedding text: %w", err)
	}
	return vec, nil
}

// EmbedBatch returns embedding vectors for multiple texts concurrently.
// Returns nil (not error) for empty/nil input. Any single failure fails the
// whole batch.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vecs, errs := e.EmbedEach(ctx, texts)
	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("embedding text %d: %w", i, err)
		}
	}
	return vecs, nil
}

// EmbedEach embeds texts and reports failures per index. It first tries one
// batched request and falls back to bounded per-text requests when the batch
// call fails, so one bad input does not sink the others.
func (e *Embedder) EmbedEach(ctx context.Context, texts []string) ([][]float32, []error) {
	if len(texts) == 0 {
		return nil, nil
	}
	errs := make([]error, len(texts))

	vecs, err := e.engine.EmbedBatch(ctx, e.model, texts)
	if err == nil && len(vecs) == len(texts) {
		return vecs, errs
	}
	if err != nil {
		e.logger.Debug("batch embed failed, retrying per text", "count", len(texts), "error", err)
	}

	results := make([][]float32, len(texts))
	var g errgroup.Group
	g.SetLimit(4) // Bound concurrency to avoid overwhelming the engine.

	for i, text := range texts {
		g.Go(func() error {
			vec, err := e.engine.Embed(ctx, e.model, text)
			if err != nil {
				errs[i] = err
				return nil
			}
			results[i] = vec
			return nil
		})
	}
	g.Wait()
	return results, errs
}
