package retrieval

import (
	"context"
	"errors"
	"time"
)

// Collection names shared by the sync and ingest paths.
const (
	TicketCollection   = "ticketData"
	DocumentCollection = "documentation"
)

// ErrCollectionNotFound is returned when an operation names a collection that
// has never been written to.
var ErrCollectionNotFound = errors.New("collection not found")

// VectorStore is the capability the sync and ingest orchestrators write
// through. Implementations embed Document.Text themselves.
//
// Upsert is keyed by Document.ID: writing an existing ID replaces the record.
// Per-record failures are reported in UpsertReport while the remaining records
// are still committed. A non-nil error means the store could not be written at
// all; the report then lists every record as failed.
type VectorStore interface {
	Upsert(ctx context.Context, collection string, docs []Document) (UpsertReport, error)

	// Query returns up to k records ranked by similarity to text.
	Query(ctx context.Context, collection, text string, k int) ([]Match, error)

	// Delete removes the given IDs. Unknown IDs are ignored.
	Delete(ctx context.Context, collection string, ids []string) error

	ListCollections(ctx context.Context) ([]string, error)

	// DropCollection removes a collection and every record in it.
	DropCollection(ctx context.Context, name string) error

	Count(ctx context.Context, collection string) (int, error)

	// IDs returns every record ID in the collection, sorted.
	IDs(ctx context.Context, collection string) ([]string, error)
}

// Document is one record to upsert.
type Document struct {
	ID       string
	Text     string
	Metadata Metadata
}

// Metadata carries the typed fields the sync and ingest paths attach, plus an
// open Extra map for anything else. Zero values are omitted when stored.
type Metadata struct {
	// Chunk records.
	SourceID    string    `json:"source_id,omitempty"`
	Filename    string    `json:"filename,omitempty"`
	ChunkIndex  *int      `json:"chunk_index,omitempty"`
	StartOffset *int      `json:"start_offset,omitempty"`
	EndOffset   *int      `json:"end_offset,omitempty"`
	PageCount   int       `json:"page_count,omitempty"`
	UploadedAt  time.Time `json:"upload_time,omitzero"`

	// Ticket records.
	TicketNumber string    `json:"ticket_number,omitempty"`
	Title        string    `json:"ticket_title,omitempty"`
	Status       string    `json:"status,omitempty"`
	URL          string    `json:"url,omitempty"`
	CreatedAt    time.Time `json:"created,omitzero"`
	UpdatedAt    time.Time `json:"updated,omitzero"`
	OpenedAt     time.Time `json:"opened_at,omitzero"`

	Extra map[string]string `json:"extra,omitempty"`
}

// UpsertReport itemizes the outcome of one Upsert call.
type UpsertReport struct {
	Stored []string
	Failed []RecordFailure
}

// RecordFailure is one rejected record.
type RecordFailure struct {
	ID  string
	Err error
}

// FailedIDs returns the IDs of rejected records in input order.
func (r UpsertReport) FailedIDs() []string {
	if len(r.Failed) == 0 {
		return nil
	}
	ids := make([]string, len(r.Failed))
	for i, f := range r.Failed {
		ids[i] = f.ID
	}
	return ids
}

// OK reports whether every record was stored.
func (r UpsertReport) OK() bool {
	return len(r.Failed) == 0
}

// Match is one Query result.
type Match struct {
	ID         string   `json:"id"`
	Collection string   `json:"collection"`
	Text       string   `json:"text"`
	Metadata   Metadata `json:"metadata"`
	Score      float32  `json:"score"`
}

// IntPtr is a helper for the optional integer metadata fields.
func IntPtr(v int) *int {
	return &v
}
