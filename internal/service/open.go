package service

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/kalambet/kbsync/internal/config"
	"github.com/kalambet/kbsync/internal/engine"
	"github.com/kalambet/kbsync/internal/extract"
	"github.com/kalambet/kbsync/internal/ingest"
	"github.com/kalambet/kbsync/internal/retrieval"
	"github.com/kalambet/kbsync/internal/servicenow"
	"github.com/kalambet/kbsync/internal/storage"
	"github.com/kalambet/kbsync/internal/ticketsync"
	"github.com/kalambet/kbsync/internal/watermark"
)

// Runtime is a Service together with the resources it owns.
type Runtime struct {
	*Service
	Engine engine.Engine
	Model  string

	closers []func() error
}

// Open builds the full stack described by cfg: SQLite storage, the
// configured embedding engine and watermark backend, the ServiceNow client,
// and both orchestrators.
func Open(cfg config.Config) (_ *Runtime, err error) {
	rt := &Runtime{Model: cfg.Embedder.Model}
	defer func() {
		if err != nil {
			rt.Close()
		}
	}()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	rt.closers = append(rt.closers, store.Close)

	eng, err := engine.Detect(engine.DetectConfig{
		Backend: cfg.Embedder.Backend,
		BaseURL: cfg.Embedder.BaseURL,
		Model:   cfg.Embedder.Model,
		APIKey:  cfg.Embedder.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("detecting embedding engine: %w", err)
	}
	rt.Engine = eng

	wm, err := openWatermark(cfg, store)
	if err != nil {
		return nil, err
	}
	if c, ok := wm.(interface{ Close() error }); ok {
		rt.closers = append(rt.closers, c.Close)
	}

	vectors := retrieval.NewSQLiteStore(store.DB(), retrieval.NewEmbedder(eng, cfg.Embedder.Model))
	history := NewHistory(store)

	source := servicenow.New(servicenow.Options{
		BaseURL:           cfg.ServiceNow.URL,
		User:              cfg.ServiceNow.User,
		Password:          cfg.ServiceNow.Password,
		PageSize:          cfg.ServiceNow.PageSize,
		RequestsPerSecond: cfg.ServiceNow.RequestsPerSecond,
		Timeout:           cfg.ServiceNow.Timeout,
	})
	tickets := ticketsync.New(source, vectors, wm, ticketsync.WithRunRecorder(history))

	ingester, err := ingest.New(extract.NewPDF(cfg.Extract.MarginTop, cfg.Extract.MarginBottom), vectors,
		ingest.WithWindow(cfg.Chunking.Size, cfg.Chunking.Overlap),
		ingest.WithWorkers(cfg.Ingest.Workers),
		ingest.WithDocumentRecorder(history),
	)
	if err != nil {
		return nil, fmt.Errorf("creating ingest orchestrator: %w", err)
	}
	rt.closers = append(rt.closers, func() error { ingester.Release(); return nil })

	rt.Service = New(Deps{
		Tickets:   tickets,
		Ingest:    ingester,
		Store:     vectors,
		Watermark: wm,
		History:   history,
		LogDir:    cfg.LogDir(),
		TopK:      cfg.Retrieval.TopK,
	})
	return rt, nil
}

func openWatermark(cfg config.Config, store *storage.Store) (watermark.Store, error) {
	def, err := cfg.DefaultWatermark()
	if err != nil {
		return nil, fmt.Errorf("parsing default watermark: %w", err)
	}
	switch cfg.Watermark.Backend {
	case "badger":
		b, err := watermark.OpenBadger(filepath.Join(cfg.Storage.DataDir, "watermark"), def)
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return watermark.NewSQLite(store, def), nil
	}
}

// Close releases everything Open acquired, in reverse order.
func (r *Runtime) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}
