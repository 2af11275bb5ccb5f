package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/kbsync/internal/config"
	"github.com/kalambet/kbsync/internal/engine"
	"github.com/kalambet/kbsync/internal/extract"
	"github.com/kalambet/kbsync/internal/ingest"
	"github.com/kalambet/kbsync/internal/retrieval"
	"github.com/kalambet/kbsync/internal/storage"
	"github.com/kalambet/kbsync/internal/tickets"
	"github.com/kalambet/kbsync/internal/ticketsync"
	"github.com/kalambet/kbsync/internal/watermark"
)

// letterEngine embeds text as a 26-bucket letter histogram.
type letterEngine struct{}

func (letterEngine) Embed(_ context.Context, _ string, text string) ([]float32, error) {
	v := make([]float32, 26)
	for _, r := range strings.ToLower(text) {
		if r >= 'a' && r <= 'z' {
			v[r-'a']++
		}
	}
	v[0] += 0.5
	return v, nil
}

func (e letterEngine) EmbedBatch(ctx context.Context, model string, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i], _ = e.Embed(ctx, model, t)
	}
	return out, nil
}

func (letterEngine) IsRunning(context.Context) bool                                     { return true }
func (letterEngine) ListModels(context.Context) ([]string, error)                       { return nil, nil }
func (letterEngine) HasModel(context.Context, string) bool                              { return true }
func (letterEngine) PullModel(context.Context, string, func(engine.PullProgress)) error { return nil }

var textExtractor = extract.ExtractorFunc(func(data []byte) (extract.Document, error) {
	if len(data) == 0 {
		return extract.Document{}, extract.ErrUnsupportedFormat
	}
	return extract.Document{Text: string(data), Pages: 1}, nil
})

type fixture struct {
	svc      *Service
	wm       *watermark.Memory
	vectors  *retrieval.SQLiteStore
	history  *History
	records  []tickets.Record
	fetchErr error
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	f := &fixture{
		wm:      watermark.NewMemory(watermark.DefaultEpoch),
		vectors: retrieval.NewSQLiteStore(db.DB(), retrieval.NewEmbedder(letterEngine{}, "test")),
		history: NewHistory(db),
	}
	source := tickets.SourceFunc(func(_ context.Context, since time.Time) ([]tickets.Record, error) {
		if f.fetchErr != nil {
			return nil, f.fetchErr
		}
		var out []tickets.Record
		for _, r := range f.records {
			if r.UpdatedAt.After(since) {
				out = append(out, r)
			}
		}
		return out, nil
	})
	ing, err := ingest.New(textExtractor, f.vectors, ingest.WithWorkers(2), ingest.WithDocumentRecorder(f.history))
	if err != nil {
		t.Fatalf("ingest.New: %v", err)
	}
	t.Cleanup(ing.Release)

	f.svc = New(Deps{
		Tickets:   ticketsync.New(source, f.vectors, f.wm, ticketsync.WithRunRecorder(f.history)),
		Ingest:    ing,
		Store:     f.vectors,
		Watermark: f.wm,
		History:   f.history,
		LogDir:    t.TempDir(),
		TopK:      3,
	})
	return f
}

func ticket(number string, updated time.Time, desc string) tickets.Record {
	return tickets.Record{
		Number:      number,
		Title:       "Ticket " + number,
		Description: desc,
		Resolution:  "fixed",
		Status:      "Resolved",
		UpdatedAt:   updated,
		CreatedAt:   updated.Add(-time.Hour),
	}
}

func TestSyncTickets_AdvancesWatermarkAndRecordsRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	t1 := time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(2 * time.Hour)
	f.records = []tickets.Record{ticket("INC001", t1, "vpn broken"), ticket("INC002", t2, "printer jam")}

	res, err := f.svc.SyncTickets(ctx)
	if err != nil {
		t.Fatalf("SyncTickets: %v", err)
	}
	if res.TicketsSynced != 2 {
		t.Errorf("TicketsSynced = %d, want 2", res.TicketsSynced)
	}
	got, err := f.svc.GetLastUpdateTime(ctx)
	if err != nil {
		t.Fatalf("GetLastUpdateTime: %v", err)
	}
	if !got.Equal(t2) {
		t.Errorf("watermark = %v, want %v", got, t2)
	}

	st, err := f.svc.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if len(st.RecentRuns) != 1 || st.RecentRuns[0].Status != "completed" || st.RecentRuns[0].TicketsSynced != 2 {
		t.Errorf("RecentRuns = %+v", st.RecentRuns)
	}
	if st.SyncState != ticketsync.StateIdle {
		t.Errorf("SyncState = %s, want IDLE", st.SyncState)
	}
}

func TestSyncTickets_FailureRecorded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fetchErr = errors.New("503 from instance")

	_, err := f.svc.SyncTickets(ctx)
	if !errors.Is(err, ticketsync.ErrSourceUnavailable) {
		t.Fatalf("error = %v, want ErrSourceUnavailable", err)
	}
	runs, err := f.history.RecentRuns(ctx, 5)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].Status != "failed" || !strings.Contains(runs[0].Error, "503") {
		t.Errorf("runs = %+v", runs)
	}
}

func TestSetLastUpdateTime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	want := time.Date(2024, 12, 31, 23, 0, 0, 0, time.UTC)

	if err := f.svc.SetLastUpdateTime(ctx, want); err != nil {
		t.Fatalf("SetLastUpdateTime: %v", err)
	}
	got, _ := f.svc.GetLastUpdateTime(ctx)
	if !got.Equal(want) {
		t.Errorf("watermark = %v, want %v", got, want)
	}

	f.wm.Err = errors.New("disk gone")
	if err := f.svc.SetLastUpdateTime(ctx, want); !errors.Is(err, watermark.ErrStorageUnavailable) {
		t.Errorf("error = %v, want ErrStorageUnavailable", err)
	}
}

func TestIngestAndSearch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.IngestPDFs(ctx, []ingest.File{
		{Name: "vpn.pdf", Data: []byte("how to reset the vpn token on a laptop")},
		{Name: "empty.pdf"},
	})
	if err != nil {
		t.Fatalf("IngestPDFs: %v", err)
	}
	if res.Outcome() != ingest.OutcomePartial {
		t.Errorf("Outcome = %s, want partial", res.Outcome())
	}

	one := f.svc.IngestPDF(ctx, ingest.File{Name: "printer.pdf", Data: []byte("printer paper jam steps")})
	if !one.OK() {
		t.Fatalf("IngestPDF = %+v", one)
	}

	matches, err := f.svc.Search(ctx, "vpn token", retrieval.DocumentCollection, 1)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(matches) != 1 || matches[0].Metadata.Filename != "vpn.pdf" {
		t.Errorf("matches = %+v", matches)
	}

	if _, err := f.svc.Search(ctx, "", "", 0); !errors.Is(err, ErrEmptyQuery) {
		t.Errorf("empty query error = %v, want ErrEmptyQuery", err)
	}

	docs, err := f.history.RecentDocuments(ctx, 10)
	if err != nil {
		t.Fatalf("RecentDocuments: %v", err)
	}
	if len(docs) != 2 {
		t.Errorf("recorded %d uploads, want 2", len(docs))
	}
}

func TestListAndCleanCollections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.records = []tickets.Record{ticket("INC001", time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC), "disk full")}

	if _, err := f.svc.SyncTickets(ctx); err != nil {
		t.Fatalf("SyncTickets: %v", err)
	}
	f.svc.IngestPDF(ctx, ingest.File{Name: "a.pdf", Data: []byte("manual text")})

	infos, err := f.svc.ListCollections(ctx)
	if err != nil {
		t.Fatalf("ListCollections: %v", err)
	}
	counts := map[string]int{}
	for _, c := range infos {
		counts[c.Name] = c.Count
	}
	if counts[retrieval.TicketCollection] != 1 || counts[retrieval.DocumentCollection] != 1 {
		t.Errorf("counts = %v", counts)
	}

	dropped, err := f.svc.CleanCollection(ctx, retrieval.DocumentCollection)
	if err != nil {
		t.Fatalf("CleanCollection(documentation): %v", err)
	}
	if len(dropped) != 1 || dropped[0] != retrieval.DocumentCollection {
		t.Errorf("dropped = %v", dropped)
	}
	if wm, _ := f.svc.GetLastUpdateTime(ctx); wm.Equal(watermark.DefaultEpoch) {
		t.Error("cleaning documentation must not reset the watermark")
	}

	if _, err := f.svc.CleanCollection(ctx, retrieval.TicketCollection); err != nil {
		t.Fatalf("CleanCollection(ticketData): %v", err)
	}
	if wm, _ := f.svc.GetLastUpdateTime(ctx); !wm.Equal(watermark.DefaultEpoch) {
		t.Errorf("watermark after cleaning tickets = %v, want default", wm)
	}

	if _, err := f.svc.CleanCollection(ctx, "nope"); !errors.Is(err, retrieval.ErrCollectionNotFound) {
		t.Errorf("unknown collection error = %v, want ErrCollectionNotFound", err)
	}
}

func TestCleanAllCollections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.records = []tickets.Record{ticket("INC009", time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC), "mail down")}
	f.svc.SyncTickets(ctx)
	f.svc.IngestPDF(ctx, ingest.File{Name: "b.pdf", Data: []byte("guide")})

	dropped, err := f.svc.CleanCollection(ctx, "")
	if err != nil {
		t.Fatalf("CleanCollection(all): %v", err)
	}
	if len(dropped) != 2 {
		t.Errorf("dropped = %v, want both collections", dropped)
	}
	infos, _ := f.svc.ListCollections(ctx)
	if len(infos) != 0 {
		t.Errorf("collections left: %+v", infos)
	}
	if wm, _ := f.svc.GetLastUpdateTime(ctx); !wm.Equal(watermark.DefaultEpoch) {
		t.Errorf("watermark = %v, want default", wm)
	}
	if docs, _ := f.history.RecentDocuments(ctx, 10); len(docs) != 0 {
		t.Errorf("upload history not cleared: %+v", docs)
	}
}

func TestGetLogsBetween(t *testing.T) {
	f := newFixture(t)
	day := time.Date(2025, 7, 3, 0, 0, 0, 0, time.UTC)
	line := `time=2025-07-03T12:00:00Z level=ERROR msg="sync failed"` + "\n"
	if err := os.WriteFile(filepath.Join(f.svc.logDir, "app-2025-07-03.log"), []byte(line), 0o644); err != nil {
		t.Fatal(err)
	}

	entries, err := f.svc.GetLogsBetween(day, day.Add(24*time.Hour), []string{"CRITICAL"})
	if err != nil {
		t.Fatalf("GetLogsBetween: %v", err)
	}
	if len(entries) != 1 || entries[0].Message != "sync failed" {
		t.Errorf("entries = %+v", entries)
	}
}

func TestOpen(t *testing.T) {
	for _, backend := range []string{"sqlite", "badger"} {
		t.Run(backend, func(t *testing.T) {
			dir := t.TempDir()
			cfg := config.Config{
				Storage:    config.StorageConfig{DataDir: dir},
				Embedder:   config.EmbedderConfig{Backend: "ollama", BaseURL: "http://127.0.0.1:1", Model: "all-minilm"},
				ServiceNow: config.ServiceNowConfig{URL: "http://127.0.0.1:1"},
				Chunking:   config.ChunkingConfig{Size: 1000, Overlap: 200},
				Watermark:  config.WatermarkConfig{Backend: backend, Default: "2000-01-01T00:00:00Z"},
				Ingest:     config.IngestConfig{Workers: 2},
				Retrieval:  config.RetrievalConfig{TopK: 5},
			}

			rt, err := Open(cfg)
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			defer rt.Close()

			ctx := context.Background()
			want := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
			if err := rt.SetLastUpdateTime(ctx, want); err != nil {
				t.Fatalf("SetLastUpdateTime: %v", err)
			}
			got, err := rt.GetLastUpdateTime(ctx)
			if err != nil {
				t.Fatalf("GetLastUpdateTime: %v", err)
			}
			if !got.Equal(want) {
				t.Errorf("watermark = %v, want %v", got, want)
			}

			_, err = rt.SyncTickets(ctx)
			if !errors.Is(err, ticketsync.ErrSourceUnavailable) {
				t.Errorf("sync against unreachable instance error = %v, want ErrSourceUnavailable", err)
			}
		})
	}
}
