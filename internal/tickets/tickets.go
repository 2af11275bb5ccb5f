// Package tickets defines the ticket record pulled from a ticketing system
// and the capability used to fetch it.
package tickets

import (
	"context"
	"time"
)

// Record is one ticket as returned by a Source.
type Record struct {
	Number      string
	Title       string
	Description string
	Resolution  string
	Status      string
	URL         string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	OpenedAt    time.Time

	// Extra holds source-specific fields with no named counterpart.
	Extra map[string]string
}

// Source fetches tickets whose modification time is strictly after since.
// Pagination and rate limiting are the implementation's concern. An empty
// result with a nil error means nothing changed.
type Source interface {
	FetchModifiedSince(ctx context.Context, since time.Time) ([]Record, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, since time.Time) ([]Record, error)

func (f SourceFunc) FetchModifiedSince(ctx context.Context, since time.Time) ([]Record, error) {
	return f(ctx, since)
}
