// Package service exposes the surfaced kbsync operations behind one facade
// shared by the HTTP API, the MCP server and the CLI.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/kalambet/kbsync/internal/ingest"
	"github.com/kalambet/kbsync/internal/logging"
	"github.com/kalambet/kbsync/internal/retrieval"
	"github.com/kalambet/kbsync/internal/ticketsync"
	"github.com/kalambet/kbsync/internal/watermark"
)

// ErrEmptyQuery is returned by Search for a blank query.
var ErrEmptyQuery = errors.New("query must not be empty")

// Deps holds the collaborators a Service is built from.
type Deps struct {
	Tickets   *ticketsync.Orchestrator
	Ingest    *ingest.Orchestrator
	Store     retrieval.VectorStore
	Watermark watermark.Store
	// History is optional; without it status omits run and upload history.
	History *History
	LogDir  string
	TopK    int
}

// Service implements the surfaced operations.
type Service struct {
	tickets   *ticketsync.Orchestrator
	ingest    *ingest.Orchestrator
	store     retrieval.VectorStore
	retriever *retrieval.Retriever
	watermark watermark.Store
	history   *History
	logDir    string
	topK      int
	logger    *slog.Logger
}

// New creates a Service.
func New(d Deps) *Service {
	topK := d.TopK
	if topK <= 0 {
		topK = 5
	}
	return &Service{
		tickets:   d.Tickets,
		ingest:    d.Ingest,
		store:     d.Store,
		retriever: retrieval.NewRetriever(d.Store),
		watermark: d.Watermark,
		history:   d.History,
		logDir:    d.LogDir,
		topK:      topK,
		logger:    slog.Default().With("component", "service"),
	}
}

// SyncTickets runs one incremental ticket sync.
func (s *Service) SyncTickets(ctx context.Context) (ticketsync.Result, error) {
	return s.tickets.Sync(ctx)
}

// SyncState reports the ticket sync state machine's current step.
func (s *Service) SyncState() ticketsync.State {
	return s.tickets.State()
}

// GetLastUpdateTime returns the ticket watermark.
func (s *Service) GetLastUpdateTime(ctx context.Context) (time.Time, error) {
	return s.watermark.Get(ctx)
}

// SetLastUpdateTime overwrites the ticket watermark. The next sync fetches
// tickets modified after t.
func (s *Service) SetLastUpdateTime(ctx context.Context, t time.Time) error {
	if err := s.watermark.Set(ctx, t); err != nil {
		return err
	}
	s.logger.Info("watermark set manually", "to", watermark.Format(t))
	return nil
}

// IngestPDF ingests a single upload.
func (s *Service) IngestPDF(ctx context.Context, f ingest.File) ingest.FileResult {
	return s.ingest.IngestOne(ctx, f)
}

// IngestPDFs ingests a batch; the result lists every file in input order.
func (s *Service) IngestPDFs(ctx context.Context, files []ingest.File) (ingest.Result, error) {
	return s.ingest.Ingest(ctx, files)
}

// CollectionInfo is one entry of ListCollections.
type CollectionInfo struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// ListCollections returns every collection with its record count.
func (s *Service) ListCollections(ctx context.Context) ([]CollectionInfo, error) {
	names, err := s.store.ListCollections(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing collections: %w", err)
	}
	infos := make([]CollectionInfo, 0, len(names))
	for _, name := range names {
		n, err := s.store.Count(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("counting %s: %w", name, err)
		}
		infos = append(infos, CollectionInfo{Name: name, Count: n})
	}
	return infos, nil
}

// CleanCollection drops the named collection, or every collection when name
// is empty, and returns the names dropped. Dropping the ticket collection
// also resets the watermark so the next sync refetches everything.
func (s *Service) CleanCollection(ctx context.Context, name string) ([]string, error) {
	var targets []string
	if name == "" {
		names, err := s.store.ListCollections(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing collections: %w", err)
		}
		targets = names
	} else {
		targets = []string{name}
	}

	var dropped []string
	for _, c := range targets {
		if err := s.store.DropCollection(ctx, c); err != nil {
			return dropped, fmt.Errorf("dropping %s: %w", c, err)
		}
		dropped = append(dropped, c)
		s.logger.Info("collection dropped", "collection", c)
	}

	if name == "" || name == retrieval.TicketCollection {
		if err := s.watermark.Reset(ctx); err != nil {
			return dropped, fmt.Errorf("resetting watermark: %w", err)
		}
	}
	if s.history != nil && (name == "" || name == retrieval.DocumentCollection) {
		if err := s.history.ForgetDocuments(ctx); err != nil {
			s.logger.Warn("clearing upload history", "error", err)
		}
	}
	return dropped, nil
}

// GetLogsBetween returns log entries in [start, end] at the given levels.
func (s *Service) GetLogsBetween(start, end time.Time, levels []string) ([]logging.Entry, error) {
	return logging.Query(s.logDir, start, end, levels)
}

// Search ranks stored records against query. An empty collection searches
// both the ticket and documentation collections; k <= 0 uses the
// configured default.
func (s *Service) Search(ctx context.Context, query, collection string, k int) ([]retrieval.Match, error) {
	if query == "" {
		return nil, ErrEmptyQuery
	}
	if k <= 0 {
		k = s.topK
	}
	return s.retriever.Retrieve(ctx, query, collection, k)
}

// Status is a snapshot for health and status displays.
type Status struct {
	SyncState   ticketsync.State  `json:"sync_state"`
	Watermark   time.Time         `json:"last_update_time"`
	Collections []CollectionInfo  `json:"collections"`
	RecentRuns  []RunSummary      `json:"recent_runs,omitempty"`
	Documents   []DocumentSummary `json:"recent_documents,omitempty"`
}

// Status gathers the current state. Watermark or store failures are returned;
// history failures are logged and leave the history fields empty.
func (s *Service) Status(ctx context.Context) (Status, error) {
	st := Status{SyncState: s.tickets.State()}

	wm, err := s.watermark.Get(ctx)
	if err != nil {
		return st, err
	}
	st.Watermark = wm

	if st.Collections, err = s.ListCollections(ctx); err != nil {
		return st, err
	}
	slices.SortFunc(st.Collections, func(a, b CollectionInfo) int {
		return strings.Compare(a.Name, b.Name)
	})

	if s.history != nil {
		if st.RecentRuns, err = s.history.RecentRuns(ctx, 5); err != nil {
			s.logger.Warn("loading sync history", "error", err)
		}
		if st.Documents, err = s.history.RecentDocuments(ctx, 5); err != nil {
			s.logger.Warn("loading upload history", "error", err)
		}
	}
	return st, nil
}
