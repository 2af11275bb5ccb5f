package service

import (
	"context"
	"time"

	"github.com/kalambet/kbsync/internal/ingest"
	"github.com/kalambet/kbsync/internal/storage"
	"github.com/kalambet/kbsync/internal/ticketsync"
)

// History persists sync runs and uploads in the SQLite database. It
// satisfies ticketsync.RunRecorder and ingest.DocumentRecorder.
type History struct {
	store *storage.Store
}

var (
	_ ticketsync.RunRecorder  = (*History)(nil)
	_ ingest.DocumentRecorder = (*History)(nil)
)

func NewHistory(store *storage.Store) *History {
	return &History{store: store}
}

func (h *History) RecordRun(ctx context.Context, run ticketsync.Run) error {
	status := "completed"
	if run.Status == ticketsync.StateError {
		status = "failed"
	}
	r := storage.SyncRun{
		ID:            run.ID,
		StartedAt:     run.StartedAt,
		FinishedAt:    run.FinishedAt,
		Status:        status,
		TicketsSynced: run.TicketsSynced,
		WatermarkFrom: run.WatermarkFrom,
		WatermarkTo:   run.WatermarkTo,
	}
	if run.Err != nil {
		r.LastError = run.Err.Error()
	}
	return h.store.SaveSyncRun(ctx, r)
}

func (h *History) RecordDocument(ctx context.Context, d ingest.Recorded) error {
	return h.store.SaveIngestedDocument(ctx, storage.IngestedDocument{
		SourceID:   d.SourceID,
		Filename:   d.Filename,
		ChunkCount: d.ChunkCount,
		CharCount:  d.CharCount,
		IngestedAt: d.IngestedAt,
	})
}

// ForgetDocuments clears the upload history.
func (h *History) ForgetDocuments(ctx context.Context) error {
	return h.store.DeleteIngestedDocuments(ctx)
}

// RunSummary is a sync run as shown by status.
type RunSummary struct {
	ID            string    `json:"id"`
	StartedAt     time.Time `json:"started_at"`
	Status        string    `json:"status"`
	TicketsSynced int       `json:"tickets_synced"`
	WatermarkTo   time.Time `json:"watermark_to"`
	Error         string    `json:"error,omitempty"`
}

// RecentRuns returns up to limit runs, newest first.
func (h *History) RecentRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	runs, err := h.store.RecentSyncRuns(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]RunSummary, len(runs))
	for i, r := range runs {
		out[i] = RunSummary{
			ID:            r.ID,
			StartedAt:     r.StartedAt,
			Status:        r.Status,
			TicketsSynced: r.TicketsSynced,
			WatermarkTo:   r.WatermarkTo,
			Error:         r.LastError,
		}
	}
	return out, nil
}

// DocumentSummary is an ingested upload as shown by status.
type DocumentSummary struct {
	SourceID   string    `json:"source_id"`
	Filename   string    `json:"filename"`
	Chunks     int       `json:"chunks"`
	IngestedAt time.Time `json:"ingested_at"`
}

// RecentDocuments returns up to limit uploads, newest first.
func (h *History) RecentDocuments(ctx context.Context, limit int) ([]DocumentSummary, error) {
	docs, err := h.store.ListIngestedDocuments(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]DocumentSummary, len(docs))
	for i, d := range docs {
		out[i] = DocumentSummary{
			SourceID:   d.SourceID,
			Filename:   d.Filename,
			Chunks:     d.ChunkCount,
			IngestedAt: d.IngestedAt,
		}
	}
	return out, nil
}
