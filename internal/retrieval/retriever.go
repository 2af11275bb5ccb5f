package retrieval

import (
	"context"
	"errors"
	"fmt"
)

// Retriever runs a query across several collections and merges the results.
type Retriever struct {
	store       VectorStore
	collections []string
}

// NewRetriever creates a Retriever over store. With no collections it
// searches TicketCollection and DocumentCollection.
func NewRetriever(store VectorStore, collections ...string) *Retriever {
	if len(collections) == 0 {
		collections = []string{TicketCollection, DocumentCollection}
	}
	return &Retriever{store: store, collections: collections}
}

// Retrieve returns the topK best matches for query. An empty collection
// searches every configured collection; collections that do not exist yet
// contribute nothing.
func (r *Retriever) Retrieve(ctx context.Context, query, collection string, topK int) ([]Match, error) {
	if topK <= 0 {
		return nil, nil
	}
	targets := r.collections
	if collection != "" {
		targets = []string{collection}
	}

	var merged []Match
	for _, c := range targets {
		matches, err := r.store.Query(ctx, c, query, topK)
		if errors.Is(err, ErrCollectionNotFound) && collection == "" {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("querying %s: %w", c, err)
		}
		merged = append(merged, matches...)
	}

	sortByScore(merged)
	if len(merged) > topK {
		merged = merged[:topK]
	}
	return merged, nil
}
