// Package search retrieves knowledge passages by semantic similarity.
//
// Qdrant is the primary index. Postgres (pgvector) is the source of truth and
// answers queries when Qdrant is not configured or is unhealthy.
package search

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/pgvector/pgvector-go"

	"github.com/ownai/ownai/internal/model"
)

// Embedder turns a query into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) (pgvector.Vector, error)
}

// Index is a vector index over passages. Implementations must be safe for
// concurrent use.
type Index interface {
	// Query returns up to limit passages of one collection nearest to embedding.
	Query(ctx context.Context, knowledgeID int64, embedding []float32, limit int) ([]model.Passage, error)

	// Healthy returns nil if the index is reachable, or an error describing the problem.
	Healthy(ctx context.Context) error
}

// PassageStore is the Postgres fallback.
type PassageStore interface {
	SearchPassages(ctx context.Context, knowledgeID int64, embedding pgvector.Vector, k int) ([]model.Passage, error)
}

// Retriever embeds a query and finds the nearest passages of a collection.
type Retriever struct {
	embedder Embedder
	index    Index
	store    PassageStore
	logger   *slog.Logger
}

// NewRetriever creates a Retriever. index may be nil, in which case every
// query goes to store.
func NewRetriever(embedder Embedder, index Index, store PassageStore, logger *slog.Logger) *Retriever {
	return &Retriever{embedder: embedder, index: index, store: store, logger: logger}
}

// Search returns the k passages of collection knowledgeID most similar to
// query, best first.
func (r *Retriever) Search(ctx context.Context, knowledgeID int64, query string, k int) ([]model.Passage, error) {
	if k <= 0 {
		return nil, nil
	}
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("search: embed query: %w", err)
	}

	if r.index != nil {
		if err := r.index.Healthy(ctx); err != nil {
			r.logger.Warn("search: index unhealthy, using postgres", "error", err)
		} else {
			passages, err := r.index.Query(ctx, knowledgeID, vec.Slice(), k)
			if err == nil {
				return Rank(passages, k), nil
			}
			r.logger.Warn("search: index query failed, using postgres", "error", err, "knowledge_id", knowledgeID)
		}
	}

	passages, err := r.store.SearchPassages(ctx, knowledgeID, vec, k)
	if err != nil {
		return nil, err
	}
	return Rank(passages, k), nil
}

// Rank sorts passages by descending score, keeping the original order among
// equal scores, and truncates to limit.
func Rank(passages []model.Passage, limit int) []model.Passage {
	slices.SortStableFunc(passages, func(a, b model.Passage) int {
		return cmp.Compare(b.Score, a.Score)
	})
	if len(passages) > limit {
		passages = passages[:limit]
	}
	return passages
}
