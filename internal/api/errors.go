package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/kalambet/kbsync/internal/ingest"
	"github.com/kalambet/kbsync/internal/logging"
	"github.com/kalambet/kbsync/internal/retrieval"
	"github.com/kalambet/kbsync/internal/service"
	"github.com/kalambet/kbsync/internal/ticketsync"
	"github.com/kalambet/kbsync/internal/watermark"
)

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeError(w, code, map[string]any{
		"message": fmt.Sprintf(format, args...),
		"type":    errType,
	})
}

func writeError(w http.ResponseWriter, code int, body map[string]any) {
	writeJSON(w, code, map[string]any{"error": body})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// statusFor maps a service error to an HTTP status and error type.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ticketsync.ErrSyncInProgress):
		return http.StatusConflict, "sync_in_progress"
	case errors.Is(err, ticketsync.ErrSourceUnavailable):
		return http.StatusBadGateway, "source_unavailable"
	case errors.Is(err, watermark.ErrStorageUnavailable):
		return http.StatusServiceUnavailable, "storage_unavailable"
	case errors.Is(err, ticketsync.ErrStoreWriteFailed):
		return http.StatusInternalServerError, "store_write_failed"
	case errors.Is(err, retrieval.ErrCollectionNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, logging.ErrInvalidLevel),
		errors.Is(err, logging.ErrInvalidRange),
		errors.Is(err, service.ErrEmptyQuery),
		errors.Is(err, ingest.ErrNoFiles):
		return http.StatusBadRequest, "invalid_request_error"
	default:
		return http.StatusInternalServerError, "api_error"
	}
}

// serviceError writes err with its mapped status. Store write failures carry
// the rejected record IDs.
func serviceError(w http.ResponseWriter, err error) {
	code, errType := statusFor(err)
	body := map[string]any{
		"message": err.Error(),
		"type":    errType,
	}
	var swe *ticketsync.StoreWriteError
	if errors.As(err, &swe) {
		body["failed_ids"] = swe.FailedIDs
	}
	writeError(w, code, body)
}
