package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/kbsync/internal/ingest"
	"github.com/kalambet/kbsync/internal/logging"
	"github.com/kalambet/kbsync/internal/retrieval"
	"github.com/kalambet/kbsync/internal/service"
	"github.com/kalambet/kbsync/internal/ticketsync"
	"github.com/kalambet/kbsync/internal/watermark"
)

func serve(t *testing.T, svc Service, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	NewHandler(svc, "test").ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding body %q: %v", rr.Body.String(), err)
	}
	return body
}

func errorType(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	e, ok := decodeBody(t, rr)["error"].(map[string]any)
	if !ok {
		t.Fatalf("no error object in %s", rr.Body.String())
	}
	s, _ := e["type"].(string)
	return s
}

// multipartRequest builds a multipart POST with one part per file under field.
func multipartRequest(t *testing.T, url, field string, files map[string]string, order ...string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, name := range order {
		fw, err := mw.CreateFormFile(field, name)
		if err != nil {
			t.Fatal(err)
		}
		fw.Write([]byte(files[name]))
	}
	mw.Close()
	req := httptest.NewRequest(http.MethodPost, url, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestHealthAndRoot(t *testing.T) {
	svc := &mockService{}
	for _, path := range []string{"/", "/health"} {
		rr := serve(t, svc, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != http.StatusOK {
			t.Errorf("GET %s status = %d, want 200", path, rr.Code)
		}
	}
	body := decodeBody(t, serve(t, svc, httptest.NewRequest(http.MethodGet, "/health", nil)))
	if body["status"] != "healthy" {
		t.Errorf("health body = %v", body)
	}
}

func TestSyncTickets_Success(t *testing.T) {
	to := time.Date(2025, 7, 3, 15, 16, 53, 0, time.UTC)
	svc := &mockService{syncFn: func(context.Context) (ticketsync.Result, error) {
		return ticketsync.Result{TicketsSynced: 3, WatermarkAdvancedTo: to}, nil
	}}

	rr := serve(t, svc, httptest.NewRequest(http.MethodPost, "/sync-tickets", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	if body["tickets_processed"] != float64(3) {
		t.Errorf("tickets_processed = %v, want 3", body["tickets_processed"])
	}
	if body["last_update_time"] != watermark.Format(to) {
		t.Errorf("last_update_time = %v", body["last_update_time"])
	}
}

func TestSyncTickets_ErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantType string
	}{
		{"source", fmt.Errorf("%w: dial tcp", ticketsync.ErrSourceUnavailable), http.StatusBadGateway, "source_unavailable"},
		{"watermark", fmt.Errorf("reading watermark: %w", watermark.ErrStorageUnavailable), http.StatusServiceUnavailable, "storage_unavailable"},
		{"in progress", ticketsync.ErrSyncInProgress, http.StatusConflict, "sync_in_progress"},
		{"store", &ticketsync.StoreWriteError{FailedIDs: []string{"a", "b"}}, http.StatusInternalServerError, "store_write_failed"},
		{"other", errors.New("boom"), http.StatusInternalServerError, "api_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockService{syncFn: func(context.Context) (ticketsync.Result, error) {
				return ticketsync.Result{}, tt.err
			}}
			rr := serve(t, svc, httptest.NewRequest(http.MethodPost, "/sync-tickets", nil))
			if rr.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantCode)
			}
			if got := errorType(t, rr); got != tt.wantType {
				t.Errorf("error type = %q, want %q", got, tt.wantType)
			}
		})
	}
}

func TestSyncTickets_StoreWriteFailureListsIDs(t *testing.T) {
	svc := &mockService{syncFn: func(context.Context) (ticketsync.Result, error) {
		return ticketsync.Result{}, &ticketsync.StoreWriteError{FailedIDs: []string{"id-1", "id-2"}}
	}}
	rr := serve(t, svc, httptest.NewRequest(http.MethodPost, "/sync-tickets", nil))
	e := decodeBody(t, rr)["error"].(map[string]any)
	ids, _ := e["failed_ids"].([]any)
	if len(ids) != 2 || ids[0] != "id-1" {
		t.Errorf("failed_ids = %v", e["failed_ids"])
	}
}

func TestSyncPDF(t *testing.T) {
	var got ingest.File
	svc := &mockService{ingestOneFn: func(_ context.Context, f ingest.File) ingest.FileResult {
		got = f
		return ingest.FileResult{Filename: f.Name, Kind: ingest.KindSuccess, ChunksStored: 4}
	}}

	req := multipartRequest(t, "/sync-pdf", "file", map[string]string{"guide.pdf": "%PDF-1.4 data"}, "guide.pdf")
	rr := serve(t, svc, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	if got.Name != "guide.pdf" || string(got.Data) != "%PDF-1.4 data" {
		t.Errorf("service got %q / %q", got.Name, got.Data)
	}
	details := decodeBody(t, rr)["details"].(map[string]any)
	if details["chunks_stored"] != float64(4) {
		t.Errorf("details = %v", details)
	}
}

func TestSyncPDF_Rejections(t *testing.T) {
	svc := &mockService{ingestOneFn: func(_ context.Context, f ingest.File) ingest.FileResult {
		return ingest.FileResult{Filename: f.Name, Kind: ingest.KindUnsupportedFormat, Error: "not a PDF"}
	}}

	rr := serve(t, svc, multipartRequest(t, "/sync-pdf", "file", map[string]string{"notes.txt": "hi"}, "notes.txt"))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("non-pdf name status = %d, want 400", rr.Code)
	}

	rr = serve(t, svc, multipartRequest(t, "/sync-pdf", "file", map[string]string{"fake.pdf": "hi"}, "fake.pdf"))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("corrupt pdf status = %d, want 400", rr.Code)
	}

	rr = serve(t, svc, httptest.NewRequest(http.MethodPost, "/sync-pdf", strings.NewReader("plain")))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("non-multipart status = %d, want 400", rr.Code)
	}
}

func TestSyncMultiplePDFs_PreservesOrder(t *testing.T) {
	svc := &mockService{ingestFn: func(_ context.Context, files []ingest.File) (ingest.Result, error) {
		var res ingest.Result
		for _, f := range files {
			kind := ingest.KindSuccess
			if !strings.HasSuffix(f.Name, ".pdf") {
				kind = ingest.KindUnsupportedFormat
			}
			res.Files = append(res.Files, ingest.FileResult{Filename: f.Name, Kind: kind})
		}
		return res, nil
	}}

	files := map[string]string{"b.pdf": "x", "a.docx": "y", "c.pdf": "z"}
	rr := serve(t, svc, multipartRequest(t, "/sync-multiple-pdfs", "files", files, "b.pdf", "a.docx", "c.pdf"))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	if body["outcome"] != "partial" {
		t.Errorf("outcome = %v, want partial", body["outcome"])
	}
	results := body["results"].([]any)
	var names []string
	for _, r := range results {
		names = append(names, r.(map[string]any)["filename"].(string))
	}
	if strings.Join(names, ",") != "b.pdf,a.docx,c.pdf" {
		t.Errorf("order = %v", names)
	}
}

func TestSyncMultiplePDFs_NoFiles(t *testing.T) {
	rr := serve(t, &mockService{}, multipartRequest(t, "/sync-multiple-pdfs", "files", nil))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
}

func TestLastUpdateTime_GetAndSet(t *testing.T) {
	var stored time.Time
	svc := &mockService{
		getTimeFn: func(context.Context) (time.Time, error) { return stored, nil },
		setTimeFn: func(_ context.Context, t time.Time) error { stored = t; return nil },
	}

	rr := serve(t, svc, httptest.NewRequest(http.MethodPost, "/update-last-ticket-time",
		strings.NewReader(`{"last_update_time":"2025-07-03 15:16:53"}`)))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	want := time.Date(2025, 7, 3, 15, 16, 53, 0, time.UTC)
	if !stored.Equal(want) {
		t.Errorf("stored = %v, want %v", stored, want)
	}

	body := decodeBody(t, serve(t, svc, httptest.NewRequest(http.MethodGet, "/last-update-ticket-time", nil)))
	if body["last_update_time"] != watermark.Format(want) {
		t.Errorf("last_update_time = %v", body["last_update_time"])
	}
}

func TestUpdateLastUpdateTime_BadInput(t *testing.T) {
	svc := &mockService{}
	for _, body := range []string{`{"last_update_time":"yesterday"}`, `not json`, `{}`} {
		rr := serve(t, svc, httptest.NewRequest(http.MethodPost, "/update-last-ticket-time", strings.NewReader(body)))
		if rr.Code != http.StatusBadRequest {
			t.Errorf("body %s: status = %d, want 400", body, rr.Code)
		}
	}
}

func TestLastUpdateTime_StorageUnavailable(t *testing.T) {
	svc := &mockService{getTimeFn: func(context.Context) (time.Time, error) {
		return time.Time{}, fmt.Errorf("reading: %w", watermark.ErrStorageUnavailable)
	}}
	rr := serve(t, svc, httptest.NewRequest(http.MethodGet, "/last-update-ticket-time", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rr.Code)
	}
}

func TestLogsBetween(t *testing.T) {
	var gotLevels []string
	svc := &mockService{logsFn: func(start, end time.Time, levels []string) ([]logging.Entry, error) {
		gotLevels = levels
		if start.After(end) {
			return nil, logging.ErrInvalidRange
		}
		return []logging.Entry{{Line: "time=2025-07-04T10:00:00Z level=ERROR msg=x"}}, nil
	}}

	rr := serve(t, svc, httptest.NewRequest(http.MethodGet,
		"/logs-between?start_time=2025-07-04T10:00:00Z&end_time=2025-07-05T18:00:00Z&levels=ERROR&levels=INFO", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	if strings.Join(gotLevels, ",") != "ERROR,INFO" {
		t.Errorf("levels = %v", gotLevels)
	}
	logs := decodeBody(t, rr)["logs"].([]any)
	if len(logs) != 1 {
		t.Errorf("logs = %v", logs)
	}

	rr = serve(t, svc, httptest.NewRequest(http.MethodGet,
		"/logs-between?start_time=2025-07-06T00:00:00Z&end_time=2025-07-05T00:00:00Z", nil))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("reversed range status = %d, want 400", rr.Code)
	}

	rr = serve(t, svc, httptest.NewRequest(http.MethodGet, "/logs-between?start_time=soon&end_time=later", nil))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("bad timestamps status = %d, want 400", rr.Code)
	}
}

func TestCleanDB(t *testing.T) {
	var gotName string
	svc := &mockService{cleanFn: func(_ context.Context, name string) ([]string, error) {
		gotName = name
		if name == "missing" {
			return nil, fmt.Errorf("dropping: %w", retrieval.ErrCollectionNotFound)
		}
		return []string{retrieval.TicketCollection}, nil
	}}

	rr := serve(t, svc, httptest.NewRequest(http.MethodPost, "/clean-db?db_name=ticketData", nil))
	if rr.Code != http.StatusOK || gotName != "ticketData" {
		t.Errorf("status = %d, name = %q", rr.Code, gotName)
	}

	rr = serve(t, svc, httptest.NewRequest(http.MethodPost, "/clean-db", nil))
	if rr.Code != http.StatusOK || gotName != "" {
		t.Errorf("clean all: status = %d, name = %q", rr.Code, gotName)
	}

	rr = serve(t, svc, httptest.NewRequest(http.MethodPost, "/clean-db?db_name=missing", nil))
	if rr.Code != http.StatusNotFound {
		t.Errorf("missing collection status = %d, want 404", rr.Code)
	}
}

func TestListCollections(t *testing.T) {
	svc := &mockService{listFn: func(context.Context) ([]service.CollectionInfo, error) {
		return []service.CollectionInfo{{Name: "documentation", Count: 11}}, nil
	}}
	rr := serve(t, svc, httptest.NewRequest(http.MethodGet, "/list-collections", nil))
	cols := decodeBody(t, rr)["collections"].([]any)
	if len(cols) != 1 || cols[0].(map[string]any)["count"] != float64(11) {
		t.Errorf("collections = %v", cols)
	}

	empty := serve(t, &mockService{}, httptest.NewRequest(http.MethodGet, "/list-collections", nil))
	if !strings.Contains(empty.Body.String(), `"collections":[]`) {
		t.Errorf("empty body = %s", empty.Body.String())
	}
}

func TestSearch(t *testing.T) {
	var gotK int
	svc := &mockService{searchFn: func(_ context.Context, q, c string, k int) ([]retrieval.Match, error) {
		gotK = k
		if q == "" {
			return nil, service.ErrEmptyQuery
		}
		return []retrieval.Match{{ID: "x", Collection: c, Score: 0.9}}, nil
	}}

	rr := serve(t, svc, httptest.NewRequest(http.MethodGet, "/search?q=vpn&collection=documentation&k=500", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if gotK != 50 {
		t.Errorf("k = %d, want capped 50", gotK)
	}

	if rr := serve(t, svc, httptest.NewRequest(http.MethodGet, "/search?q=", nil)); rr.Code != http.StatusBadRequest {
		t.Errorf("empty query status = %d, want 400", rr.Code)
	}
	if rr := serve(t, svc, httptest.NewRequest(http.MethodGet, "/search?q=x&k=many", nil)); rr.Code != http.StatusBadRequest {
		t.Errorf("bad k status = %d, want 400", rr.Code)
	}
}
