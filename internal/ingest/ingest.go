// Package ingest turns uploaded PDFs into chunk records in the documentation
// collection.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/kalambet/kbsync/internal/chunker"
	"github.com/kalambet/kbsync/internal/extract"
	"github.com/kalambet/kbsync/internal/identity"
	"github.com/kalambet/kbsync/internal/retrieval"
)

// ErrNoFiles is returned by Ingest when called with an empty batch.
var ErrNoFiles = errors.New("no files to ingest")

// Kind is the outcome of ingesting one file.
type Kind string

const (
	KindSuccess             Kind = "success"
	KindUnsupportedFormat   Kind = "unsupported_format"
	KindPartialWriteFailure Kind = "partial_write_failure"
	KindStoreWriteFailed    Kind = "store_write_failed"
)

// File is one upload.
type File struct {
	Name string
	Data []byte
}

// FileResult reports what happened to one file.
type FileResult struct {
	Filename     string   `json:"filename"`
	Kind         Kind     `json:"status"`
	SourceID     string   `json:"source_id,omitempty"`
	Pages        int      `json:"pages,omitempty"`
	ChunksStored int      `json:"chunks_stored"`
	ChunksFailed int      `json:"chunks_failed,omitempty"`
	FailedIDs    []string `json:"failed_ids,omitempty"`
	Error        string   `json:"error,omitempty"`
}

// OK reports whether the file was fully stored.
func (r FileResult) OK() bool {
	return r.Kind == KindSuccess
}

// Result lists every input file exactly once, in input order.
type Result struct {
	Files []FileResult `json:"files"`
}

// Outcome summarises a batch.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomePartial Outcome = "partial"
	OutcomeFailure Outcome = "failure"
)

// Outcome is success when every file succeeded, failure when none did, and
// partial otherwise.
func (r Result) Outcome() Outcome {
	ok := 0
	for _, f := range r.Files {
		if f.OK() {
			ok++
		}
	}
	switch {
	case ok == len(r.Files):
		return OutcomeSuccess
	case ok == 0:
		return OutcomeFailure
	default:
		return OutcomePartial
	}
}

// ChunksStored totals stored chunks across the batch.
func (r Result) ChunksStored() int {
	n := 0
	for _, f := range r.Files {
		n += f.ChunksStored
	}
	return n
}

// DocumentRecorder is told about every file that was at least partly stored.
type DocumentRecorder interface {
	RecordDocument(ctx context.Context, doc Recorded) error
}

// Recorded is the history entry handed to a DocumentRecorder.
type Recorded struct {
	SourceID   string
	Filename   string
	ChunkCount int
	CharCount  int
	IngestedAt time.Time
}

// Orchestrator extracts, chunks, and upserts uploaded files. Files in one
// batch are processed concurrently on an ants pool.
type Orchestrator struct {
	extractor  extract.Extractor
	store      retrieval.VectorStore
	window     chunker.Window
	collection string
	pool       *ants.Pool
	recorder   DocumentRecorder
	now        func() time.Time
	logger     *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator) error

// WithWindow sets chunk size and overlap, in runes.
func WithWindow(size, overlap int) Option {
	return func(o *Orchestrator) error {
		w, err := chunker.NewWindow(size, overlap)
		if err != nil {
			return err
		}
		o.window = w
		return nil
	}
}

// WithWorkers sets how many files are processed at once.
// Default is runtime.NumCPU() / 2, with a minimum of 1.
func WithWorkers(n int) Option {
	return func(o *Orchestrator) error {
		if n < 1 {
			n = 1
		}
		pool, err := ants.NewPool(n)
		if err != nil {
			return fmt.Errorf("creating worker pool: %w", err)
		}
		if o.pool != nil {
			o.pool.Release()
		}
		o.pool = pool
		return nil
	}
}

// WithCollection overrides the target collection.
func WithCollection(name string) Option {
	return func(o *Orchestrator) error {
		o.collection = name
		return nil
	}
}

// WithDocumentRecorder records each stored file.
func WithDocumentRecorder(r DocumentRecorder) Option {
	return func(o *Orchestrator) error {
		o.recorder = r
		return nil
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) error {
		o.now = now
		return nil
	}
}

// New creates an Orchestrator. Call Release when done with it.
func New(extractor extract.Extractor, store retrieval.VectorStore, opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{
		extractor:  extractor,
		store:      store,
		window:     chunker.Window{Size: chunker.DefaultSize, Overlap: chunker.DefaultOverlap},
		collection: retrieval.DocumentCollection,
		now:        time.Now,
		logger:     slog.Default().With("component", "ingest"),
	}
	if err := WithWorkers(max(runtime.NumCPU()/2, 1))(o); err != nil {
		return nil, err
	}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			o.Release()
			return nil, err
		}
	}
	return o, nil
}

// Release stops the worker pool.
func (o *Orchestrator) Release() {
	if o.pool != nil {
		o.pool.Release()
	}
}

// Ingest processes every file independently. A failure in one file never
// affects the others; the result enumerates every input in order.
func (o *Orchestrator) Ingest(ctx context.Context, files []File) (Result, error) {
	if len(files) == 0 {
		return Result{}, ErrNoFiles
	}

	results := make([]FileResult, len(files))
	var wg sync.WaitGroup
	for i, f := range files {
		wg.Add(1)
		task := func() {
			defer wg.Done()
			results[i] = o.IngestOne(ctx, f)
		}
		if err := o.pool.Submit(task); err != nil {
			o.logger.Warn("worker pool rejected task, running inline", "file", f.Name, "error", err)
			task()
		}
	}
	wg.Wait()

	res := Result{Files: results}
	o.logger.Info("ingest batch finished", "files", len(files), "outcome", res.Outcome(), "chunks", res.ChunksStored())
	return res, nil
}

// IngestOne processes a single file.
func (o *Orchestrator) IngestOne(ctx context.Context, f File) FileResult {
	res := FileResult{Filename: f.Name}
	logger := o.logger.With("file", f.Name)

	doc, err := o.extractor.Extract(f.Data)
	if err != nil {
		res.Kind = KindUnsupportedFormat
		res.Error = err.Error()
		logger.Warn("rejected upload", "error", err)
		return res
	}
	res.Pages = doc.Pages
	res.SourceID = identity.SourceID(f.Name, doc.Text)

	docs := o.Documents(f.Name, res.SourceID, doc)
	if len(docs) == 0 {
		res.Kind = KindSuccess
		logger.Warn("no extractable text", "pages", doc.Pages)
		return res
	}

	report, err := o.store.Upsert(ctx, o.collection, docs)
	res.ChunksStored = len(report.Stored)
	res.FailedIDs = report.FailedIDs()
	res.ChunksFailed = len(res.FailedIDs)
	if err != nil && res.ChunksFailed == 0 {
		res.ChunksStored = 0
		res.ChunksFailed = len(docs)
	}

	switch {
	case res.ChunksFailed == 0:
		res.Kind = KindSuccess
	case res.ChunksStored == 0:
		res.Kind = KindStoreWriteFailed
	default:
		res.Kind = KindPartialWriteFailure
	}
	if err != nil {
		res.Error = err.Error()
	} else if len(report.Failed) > 0 {
		res.Error = report.Failed[0].Err.Error()
	}

	if res.Kind != KindSuccess {
		logger.Error("storing chunks", "stored", res.ChunksStored, "failed", res.ChunksFailed, "error", res.Error)
	} else {
		logger.Info("stored document", "source_id", res.SourceID, "chunks", res.ChunksStored, "pages", doc.Pages)
	}

	if res.ChunksStored > 0 && o.recorder != nil {
		rec := Recorded{
			SourceID:   res.SourceID,
			Filename:   f.Name,
			ChunkCount: res.ChunksStored,
			CharCount:  len([]rune(doc.Text)),
			IngestedAt: o.now().UTC(),
		}
		if err := o.recorder.RecordDocument(context.WithoutCancel(ctx), rec); err != nil {
			logger.Warn("recording document", "error", err)
		}
	}
	return res
}

// Documents chunks doc and builds one vector document per chunk.
func (o *Orchestrator) Documents(filename, sourceID string, doc extract.Document) []retrieval.Document {
	uploaded := o.now().UTC()
	var docs []retrieval.Document
	for c := range o.window.Split(doc.Text) {
		docs = append(docs, retrieval.Document{
			ID:   identity.ChunkID(sourceID, c.SequenceIndex),
			Text: c.Text,
			Metadata: retrieval.Metadata{
				SourceID:    sourceID,
				Filename:    filename,
				ChunkIndex:  retrieval.IntPtr(c.SequenceIndex),
				StartOffset: retrieval.IntPtr(c.StartOffset),
				EndOffset:   retrieval.IntPtr(c.EndOffset),
				PageCount:   doc.Pages,
				UploadedAt:  uploaded,
			},
		})
	}
	return docs
}
