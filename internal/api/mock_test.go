package api

import (
	"context"
	"time"

	"github.com/kalambet/kbsync/internal/ingest"
	"github.com/kalambet/kbsync/internal/logging"
	"github.com/kalambet/kbsync/internal/retrieval"
	"github.com/kalambet/kbsync/internal/service"
	"github.com/kalambet/kbsync/internal/ticketsync"
)

// mockService is a Service with optional per-method overrides. Unset
// methods return zero values.
type mockService struct {
	syncFn      func(ctx context.Context) (ticketsync.Result, error)
	getTimeFn   func(ctx context.Context) (time.Time, error)
	setTimeFn   func(ctx context.Context, t time.Time) error
	ingestOneFn func(ctx context.Context, f ingest.File) ingest.FileResult
	ingestFn    func(ctx context.Context, files []ingest.File) (ingest.Result, error)
	listFn      func(ctx context.Context) ([]service.CollectionInfo, error)
	cleanFn     func(ctx context.Context, name string) ([]string, error)
	logsFn      func(start, end time.Time, levels []string) ([]logging.Entry, error)
	searchFn    func(ctx context.Context, query, collection string, k int) ([]retrieval.Match, error)
	statusFn    func(ctx context.Context) (service.Status, error)
}

var _ Service = (*mockService)(nil)

func (m *mockService) SyncTickets(ctx context.Context) (ticketsync.Result, error) {
	if m.syncFn == nil {
		return ticketsync.Result{}, nil
	}
	return m.syncFn(ctx)
}

func (m *mockService) GetLastUpdateTime(ctx context.Context) (time.Time, error) {
	if m.getTimeFn == nil {
		return time.Time{}, nil
	}
	return m.getTimeFn(ctx)
}

func (m *mockService) SetLastUpdateTime(ctx context.Context, t time.Time) error {
	if m.setTimeFn == nil {
		return nil
	}
	return m.setTimeFn(ctx, t)
}

func (m *mockService) IngestPDF(ctx context.Context, f ingest.File) ingest.FileResult {
	if m.ingestOneFn == nil {
		return ingest.FileResult{Filename: f.Name, Kind: ingest.KindSuccess}
	}
	return m.ingestOneFn(ctx, f)
}

func (m *mockService) IngestPDFs(ctx context.Context, files []ingest.File) (ingest.Result, error) {
	if m.ingestFn == nil {
		return ingest.Result{}, nil
	}
	return m.ingestFn(ctx, files)
}

func (m *mockService) ListCollections(ctx context.Context) ([]service.CollectionInfo, error) {
	if m.listFn == nil {
		return nil, nil
	}
	return m.listFn(ctx)
}

func (m *mockService) CleanCollection(ctx context.Context, name string) ([]string, error) {
	if m.cleanFn == nil {
		return nil, nil
	}
	return m.cleanFn(ctx, name)
}

func (m *mockService) GetLogsBetween(start, end time.Time, levels []string) ([]logging.Entry, error) {
	if m.logsFn == nil {
		return nil, nil
	}
	return m.logsFn(start, end, levels)
}

func (m *mockService) Search(ctx context.Context, query, collection string, k int) ([]retrieval.Match, error) {
	if m.searchFn == nil {
		return nil, nil
	}
	return m.searchFn(ctx, query, collection, k)
}

func (m *mockService) Status(ctx context.Context) (service.Status, error) {
	if m.statusFn == nil {
		return service.Status{}, nil
	}
	return m.statusFn(ctx)
}
