package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newOpenAIServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/models":
			json.NewEncoder(w).Encode(map[string]any{
				"data": []map[string]string{{"id": "text-embedding-3-small"}},
			})
		case "/v1/embeddings":
			var req struct {
				Input []string `json:"input"`
				Model string   `json:"model"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("decoding embeddings request: %v", err)
			}
			data := make([]map[string]any, len(req.Input))
			for i := range req.Input {
				data[i] = map[string]any{"object": "embedding", "index": i, "embedding": []float32{float32(i), 0.5}}
			}
			json.NewEncoder(w).Encode(map[string]any{
				"object": "list",
				"model":  req.Model,
				"data":   data,
				"usage":  map[string]int{"prompt_tokens": 1, "total_tokens": 1},
			})
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestOpenAIEngine_EmbedBatch(t *testing.T) {
	srv := newOpenAIServer(t)
	defer srv.Close()

	e, err := NewOpenAIEngine(srv.URL+"/v1", "", "text-embedding-3-small")
	if err != nil {
		t.Fatalf("NewOpenAIEngine: %v", err)
	}
	vecs, err := e.EmbedBatch(context.Background(), "text-embedding-3-small", []string{"first", "second"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(vecs) != 2 {
		t.Fatalf("got %d vectors, want 2", len(vecs))
	}
	if vecs[1][0] != 1 {
		t.Errorf("vecs[1][0] = %v, want 1", vecs[1][0])
	}
}

func TestOpenAIEngine_Models(t *testing.T) {
	srv := newOpenAIServer(t)
	defer srv.Close()

	e, err := NewOpenAIEngine(srv.URL+"/v1", "sk-test", "")
	if err != nil {
		t.Fatalf("NewOpenAIEngine: %v", err)
	}
	if !e.IsRunning(context.Background()) {
		t.Error("IsRunning() = false, want true")
	}
	if !e.HasModel(context.Background(), "text-embedding-3-small") {
		t.Error("HasModel(text-embedding-3-small) = false, want true")
	}
	if e.HasModel(context.Background(), "ada") {
		t.Error("HasModel(ada) = true, want false")
	}
	if err := e.PullModel(context.Background(), "ada", nil); !errors.Is(err, ErrPullUnsupported) {
		t.Errorf("PullModel error = %v, want ErrPullUnsupported", err)
	}
}
