package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/kbsync/internal/ingest"
	"github.com/kalambet/kbsync/internal/logging"
	"github.com/kalambet/kbsync/internal/retrieval"
	"github.com/kalambet/kbsync/internal/service"
	"github.com/kalambet/kbsync/internal/ticketsync"
	"github.com/kalambet/kbsync/internal/watermark"
)

const (
	maxUploadSize = 64 << 20 // 64MB per request
	maxMemory     = 8 << 20
)

// Service is the subset of service.Service the HTTP and MCP layers call.
type Service interface {
	SyncTickets(ctx context.Context) (ticketsync.Result, error)
	GetLastUpdateTime(ctx context.Context) (time.Time, error)
	SetLastUpdateTime(ctx context.Context, t time.Time) error
	IngestPDF(ctx context.Context, f ingest.File) ingest.FileResult
	IngestPDFs(ctx context.Context, files []ingest.File) (ingest.Result, error)
	ListCollections(ctx context.Context) ([]service.CollectionInfo, error)
	CleanCollection(ctx context.Context, name string) ([]string, error)
	GetLogsBetween(start, end time.Time, levels []string) ([]logging.Entry, error)
	Search(ctx context.Context, query, collection string, k int) ([]retrieval.Match, error)
	Status(ctx context.Context) (service.Status, error)
}

var _ Service = (*service.Service)(nil)

// NewHandler returns the kbsync HTTP API.
func NewHandler(svc Service, version string) http.Handler {
	h := &handler{svc: svc, version: version, logger: slog.Default().With("component", "api")}

	r := chi.NewRouter()
	r.Get("/", h.root)
	r.Get("/health", h.health)
	r.Get("/status", h.status)
	r.Post("/sync-tickets", h.syncTickets)
	r.Post("/sync-pdf", h.syncPDF)
	r.Post("/sync-multiple-pdfs", h.syncMultiplePDFs)
	r.Get("/last-update-ticket-time", h.lastUpdateTime)
	r.Post("/update-last-ticket-time", h.updateLastUpdateTime)
	r.Get("/logs-between", h.logsBetween)
	r.Post("/clean-db", h.cleanDB)
	r.Get("/list-collections", h.listCollections)
	r.Get("/search", h.search)
	return r
}

type handler struct {
	svc     Service
	version string
	logger  *slog.Logger
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func (h *handler) root(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "ServiceNow tickets and PDF documents sync API",
		"version": h.version,
		"endpoints": map[string]string{
			"sync_tickets":       "/sync-tickets",
			"sync_pdf":           "/sync-pdf",
			"sync_multiple_pdfs": "/sync-multiple-pdfs",
			"health":             "/health",
			"last_update_time":   "/last-update-ticket-time",
			"logs":               "/logs-between",
			"collections":        "/list-collections",
			"search":             "/search",
		},
	})
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "timestamp": now()})
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.Status(r.Context())
	if err != nil {
		serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *handler) syncTickets(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.SyncTickets(r.Context())
	if err != nil {
		h.logger.Error("ticket sync request failed", "error", err)
		serviceError(w, err)
		return
	}
	msg := fmt.Sprintf("Synced %d ticket(s)", res.TicketsSynced)
	if res.TicketsSynced == 0 {
		msg = "No new tickets to sync"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":           true,
		"message":           msg,
		"run_id":            res.RunID,
		"tickets_processed": res.TicketsSynced,
		"previous_time":     watermark.Format(res.Previous),
		"last_update_time":  watermark.Format(res.WatermarkAdvancedTo),
	})
}

func (h *handler) syncPDF(w http.ResponseWriter, r *http.Request) {
	files, err := h.readUploads(w, r, "file")
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
		return
	}
	if len(files) != 1 {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "expected exactly one file, got %d", len(files))
		return
	}
	if !isPDFName(files[0].Name) {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "only PDF files are allowed")
		return
	}

	res := h.svc.IngestPDF(r.Context(), files[0])
	code := http.StatusOK
	switch res.Kind {
	case ingest.KindUnsupportedFormat:
		code = http.StatusBadRequest
	case ingest.KindStoreWriteFailed:
		code = http.StatusInternalServerError
	case ingest.KindPartialWriteFailure:
		code = http.StatusMultiStatus
	}
	msg := "Processed successfully"
	if !res.OK() {
		msg = "Processing failed"
	}
	writeJSON(w, code, map[string]any{"message": msg, "details": res})
}

func (h *handler) syncMultiplePDFs(w http.ResponseWriter, r *http.Request) {
	files, err := h.readUploads(w, r, "files")
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
		return
	}
	if len(files) == 0 {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "no files uploaded")
		return
	}

	res, err := h.svc.IngestPDFs(r.Context(), files)
	if err != nil {
		serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"outcome": res.Outcome(),
		"results": res.Files,
	})
}

// readUploads reads every multipart part under field, in order.
func (h *handler) readUploads(w http.ResponseWriter, r *http.Request, field string) ([]ingest.File, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxMemory); err != nil {
		return nil, fmt.Errorf("invalid multipart body: %w", err)
	}
	defer r.MultipartForm.RemoveAll()

	var files []ingest.File
	for _, fh := range r.MultipartForm.File[field] {
		data, err := readPart(fh)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", fh.Filename, err)
		}
		files = append(files, ingest.File{Name: filepath.Base(fh.Filename), Data: data})
	}
	return files, nil
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func isPDFName(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".pdf")
}

func (h *handler) lastUpdateTime(w http.ResponseWriter, r *http.Request) {
	t, err := h.svc.GetLastUpdateTime(r.Context())
	if err != nil {
		serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"last_update_time": watermark.Format(t),
		"timestamp":        now(),
	})
}

type updateTimeRequest struct {
	LastUpdateTime string `json:"last_update_time"`
}

func (h *handler) updateLastUpdateTime(w http.ResponseWriter, r *http.Request) {
	var req updateTimeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return
	}
	t, err := watermark.Parse(req.LastUpdateTime)
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error",
			"invalid last_update_time %q: expected RFC 3339 or YYYY-MM-DD HH:MM:SS", req.LastUpdateTime)
		return
	}
	if err := h.svc.SetLastUpdateTime(r.Context(), t); err != nil {
		serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message":          "Last update time updated successfully",
		"last_update_time": watermark.Format(t),
		"timestamp":        now(),
	})
}

func (h *handler) logsBetween(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	start, err := watermark.Parse(q.Get("start_time"))
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid start_time: %v", err)
		return
	}
	end, err := watermark.Parse(q.Get("end_time"))
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid end_time: %v", err)
		return
	}

	entries, err := h.svc.GetLogsBetween(start, end, q["levels"])
	if err != nil {
		serviceError(w, err)
		return
	}
	lines := make([]string, len(entries))
	for i, e := range entries {
		lines[i] = e.Line
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": lines})
}

func (h *handler) cleanDB(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("db_name")
	dropped, err := h.svc.CleanCollection(r.Context(), name)
	if err != nil {
		serviceError(w, err)
		return
	}
	if dropped == nil {
		dropped = []string{}
	}
	msg := "All collections deleted"
	if name != "" {
		msg = fmt.Sprintf("Collection %q deleted", name)
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": msg, "deleted": dropped})
}

func (h *handler) listCollections(w http.ResponseWriter, r *http.Request) {
	infos, err := h.svc.ListCollections(r.Context())
	if err != nil {
		serviceError(w, err)
		return
	}
	if infos == nil {
		infos = []service.CollectionInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"collections": infos})
}

func (h *handler) search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	k := 0
	if raw := q.Get("k"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "k must be a non-negative integer")
			return
		}
		k = min(v, 50)
	}
	matches, err := h.svc.Search(r.Context(), q.Get("q"), q.Get("collection"), k)
	if err != nil {
		serviceError(w, err)
		return
	}
	if matches == nil {
		matches = []retrieval.Match{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": matches})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	return dec.Decode(v)
}
