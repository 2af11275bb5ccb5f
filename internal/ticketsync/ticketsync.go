// Package ticketsync pulls tickets changed since the stored watermark into the
// ticket collection of the vector store.
package ticketsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/kbsync/internal/identity"
	"github.com/kalambet/kbsync/internal/retrieval"
	"github.com/kalambet/kbsync/internal/tickets"
	"github.com/kalambet/kbsync/internal/watermark"
)

var (
	// ErrSourceUnavailable wraps any failure to fetch from the ticket source.
	ErrSourceUnavailable = errors.New("ticket source unavailable")

	// ErrStoreWriteFailed is returned when the vector store rejects some or
	// all of a batch. The accompanying *StoreWriteError lists the IDs.
	ErrStoreWriteFailed = errors.New("vector store write failed")

	// ErrSyncInProgress is returned when Sync is called while another run on
	// the same Orchestrator has not finished.
	ErrSyncInProgress = errors.New("ticket sync already in progress")
)

// State is a step of a sync run.
type State string

const (
	StateIdle        State = "IDLE"
	StateFetching    State = "FETCHING"
	StateNormalizing State = "NORMALIZING"
	StateUpserting   State = "UPSERTING"
	StateAdvancing   State = "ADVANCING"
	StateError       State = "ERROR"
)

// StoreWriteError carries the records the vector store rejected.
type StoreWriteError struct {
	FailedIDs []string
	Err       error
}

func (e *StoreWriteError) Error() string {
	msg := fmt.Sprintf("%s: %d record(s) rejected", ErrStoreWriteFailed, len(e.FailedIDs))
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StoreWriteError) Is(target error) bool { return target == ErrStoreWriteFailed }
func (e *StoreWriteError) Unwrap() error        { return e.Err }

// Result summarises one Sync call.
type Result struct {
	RunID               string
	TicketsSynced       int
	Previous            time.Time
	WatermarkAdvancedTo time.Time
	State               State
	FailedIDs           []string
}

// RunRecorder persists a summary of each run. storage.Store satisfies it
// through an adapter in the service package.
type RunRecorder interface {
	RecordRun(ctx context.Context, run Run) error
}

// Run is the history entry handed to a RunRecorder.
type Run struct {
	ID            string
	StartedAt     time.Time
	FinishedAt    time.Time
	Status        State
	TicketsSynced int
	WatermarkFrom time.Time
	WatermarkTo   time.Time
	Err           error
}

// Orchestrator runs ticket syncs. A single Orchestrator serializes its Sync
// calls; separate Orchestrators sharing a watermark store are not safe.
type Orchestrator struct {
	source     tickets.Source
	store      retrieval.VectorStore
	watermark  watermark.Store
	collection string
	recorder   RunRecorder
	now        func() time.Time
	logger     *slog.Logger

	running sync.Mutex

	mu    sync.Mutex
	state State
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithCollection overrides the target collection.
func WithCollection(name string) Option {
	return func(o *Orchestrator) { o.collection = name }
}

// WithRunRecorder records a history entry after every run.
func WithRunRecorder(r RunRecorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an Orchestrator.
func New(source tickets.Source, store retrieval.VectorStore, wm watermark.Store, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		source:     source,
		store:      store,
		watermark:  wm,
		collection: retrieval.TicketCollection,
		now:        time.Now,
		logger:     slog.Default().With("component", "ticketsync"),
		state:      StateIdle,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// State returns the step the current run is in, or the final state of the
// last run.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

// Sync fetches tickets modified after the watermark, upserts them and, only
// if every record was stored, advances the watermark to the newest
// modification time in the batch.
//
// Errors: ErrStorageUnavailable (watermark), ErrSourceUnavailable (fetch),
// ErrStoreWriteFailed (upsert, with *StoreWriteError). The watermark is never
// moved when an error is returned.
func (o *Orchestrator) Sync(ctx context.Context) (Result, error) {
	if !o.running.TryLock() {
		return Result{State: o.State()}, ErrSyncInProgress
	}
	defer o.running.Unlock()

	res := Result{RunID: uuid.NewString()}
	started := o.now()
	o.setState(StateIdle)

	err := o.run(ctx, &res)
	if err != nil {
		o.setState(StateError)
		o.logger.Error("ticket sync failed", "run", res.RunID, "error", err)
	} else {
		o.setState(StateIdle)
	}
	res.State = o.State()
	o.record(ctx, res, started, err)
	return res, err
}

func (o *Orchestrator) run(ctx context.Context, res *Result) error {
	// Reading the watermark is part of FETCHING.
	o.setState(StateFetching)
	t0, err := o.watermark.Get(ctx)
	if err != nil {
		return fmt.Errorf("reading watermark: %w", err)
	}
	res.Previous = t0
	res.WatermarkAdvancedTo = t0

	recs, err := o.source.FetchModifiedSince(ctx, t0)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}
	if len(recs) == 0 {
		o.logger.Info("no tickets changed", "since", t0.Format(time.RFC3339))
		return nil
	}

	o.setState(StateNormalizing)
	docs, newest := Normalize(recs, t0)

	o.setState(StateUpserting)
	report, err := o.store.Upsert(ctx, o.collection, docs)
	if err != nil || !report.OK() {
		res.FailedIDs = report.FailedIDs()
		if len(res.FailedIDs) == 0 {
			for _, d := range docs {
				res.FailedIDs = append(res.FailedIDs, d.ID)
			}
		}
		if err == nil {
			err = report.Failed[0].Err
		}
		return &StoreWriteError{FailedIDs: res.FailedIDs, Err: err}
	}

	o.setState(StateAdvancing)
	if err := o.watermark.Set(ctx, newest); err != nil {
		return fmt.Errorf("advancing watermark: %w", err)
	}
	res.TicketsSynced = len(docs)
	res.WatermarkAdvancedTo = newest
	o.logger.Info("tickets synced", "count", len(docs), "from", t0.Format(time.RFC3339), "to", newest.Format(time.RFC3339))
	return nil
}

func (o *Orchestrator) record(ctx context.Context, res Result, started time.Time, err error) {
	if o.recorder == nil {
		return
	}
	run := Run{
		ID:            res.RunID,
		StartedAt:     started,
		FinishedAt:    o.now(),
		Status:        res.State,
		TicketsSynced: res.TicketsSynced,
		WatermarkFrom: res.Previous,
		WatermarkTo:   res.WatermarkAdvancedTo,
		Err:           err,
	}
	if rerr := o.recorder.RecordRun(context.WithoutCancel(ctx), run); rerr != nil {
		o.logger.Warn("recording sync run", "run", res.RunID, "error", rerr)
	}
}

// Normalize converts tickets into vector documents, one per ticket number,
// and returns the newest modification time seen (never earlier than floor).
// When a number repeats, the most recently updated record wins.
func Normalize(recs []tickets.Record, floor time.Time) ([]retrieval.Document, time.Time) {
	newest := floor
	index := make(map[string]int, len(recs))
	docs := make([]retrieval.Document, 0, len(recs))
	updated := make([]time.Time, 0, len(recs))

	for _, r := range recs {
		if r.UpdatedAt.After(newest) {
			newest = r.UpdatedAt
		}
		doc := Document(r)
		if i, ok := index[doc.ID]; ok {
			if r.UpdatedAt.After(updated[i]) {
				docs[i] = doc
				updated[i] = r.UpdatedAt
			}
			continue
		}
		index[doc.ID] = len(docs)
		docs = append(docs, doc)
		updated = append(updated, r.UpdatedAt)
	}
	return docs, newest.UTC()
}

// Document builds the vector document for one ticket.
func Document(r tickets.Record) retrieval.Document {
	return retrieval.Document{
		ID:   identity.TicketID(r.Number),
		Text: Text(r),
		Metadata: retrieval.Metadata{
			TicketNumber: identity.NormalizeTicketNumber(r.Number),
			Title:        r.Title,
			Status:       r.Status,
			URL:          r.URL,
			CreatedAt:    r.CreatedAt.UTC(),
			UpdatedAt:    r.UpdatedAt.UTC(),
			OpenedAt:     r.OpenedAt.UTC(),
			Extra:        r.Extra,
		},
	}
}

// Text is the embedding input for a ticket: its title followed by the
// question and answer.
func Text(r tickets.Record) string {
	var b strings.Builder
	if t := strings.TrimSpace(r.Title); t != "" {
		b.WriteString(t)
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Ticket query/question: %s \n - Ticket answer/solution: %s",
		strings.TrimSpace(r.Description), strings.TrimSpace(r.Resolution))
	return b.String()
}
