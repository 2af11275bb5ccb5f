package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
)

var _ Engine = (*OpenAIEngine)(nil)

// OpenAIEngine embeds through any server speaking the OpenAI embeddings API
// (OpenAI itself, vLLM, LM Studio, llama.cpp server). Models cannot be pulled.
type OpenAIEngine struct {
	baseURL    string
	token      string
	httpClient *http.Client

	mu        sync.Mutex
	embedders map[string]embeddings.Embedder
}

// NewOpenAIEngine creates an engine for baseURL (for example
// "http://localhost:8080/v1"). An empty token is sent as "none", which local
// servers accept. defaultModel, when set, is validated eagerly.
func NewOpenAIEngine(baseURL, token, defaultModel string) (*OpenAIEngine, error) {
	if token == "" {
		token = "none"
	}
	e := &OpenAIEngine{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 2 * time.Minute},
		embedders:  make(map[string]embeddings.Embedder),
	}
	if defaultModel != "" {
		if _, err := e.embedder(defaultModel); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func (e *OpenAIEngine) embedder(model string) (embeddings.Embedder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if emb, ok := e.embedders[model]; ok {
		return emb, nil
	}
	opts := []openai.Option{
		openai.WithToken(e.token),
		openai.WithEmbeddingModel(model),
		openai.WithHTTPClient(e.httpClient),
	}
	if e.baseURL != "" {
		opts = append(opts, openai.WithBaseURL(e.baseURL))
	}
	client, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating openai client: %w", err)
	}
	emb, err := embeddings.NewEmbedder(client, embeddings.WithStripNewLines(true))
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}
	e.embedders[model] = emb
	return emb, nil
}

func (e *OpenAIEngine) Embed(ctx context.Context, model string, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, model, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (e *OpenAIEngine) EmbedBatch(ctx context.Context, model string, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	emb, err := e.embedder(model)
	if err != nil {
		return nil, err
	}
	vecs, err := emb.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed request: %w", err)
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("embed: got %d embeddings for %d inputs", len(vecs), len(texts))
	}
	return vecs, nil
}

type modelsResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// IsRunning reports whether GET /models answers with 200.
func (e *OpenAIEngine) IsRunning(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	resp, err := e.get(ctx, "/models")
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (e *OpenAIEngine) ListModels(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	resp, err := e.get(ctx, "/models")
	if err != nil {
		return nil, fmt.Errorf("requesting model list: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var mr modelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&mr); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	names := make([]string, len(mr.Data))
	for i, m := range mr.Data {
		names[i] = m.ID
	}
	return names, nil
}

func (e *OpenAIEngine) HasModel(ctx context.Context, name string) bool {
	models, err := e.ListModels(ctx)
	if err != nil {
		return false
	}
	for _, m := range models {
		if m == name {
			return true
		}
	}
	return false
}

func (e *OpenAIEngine) PullModel(_ context.Context, _ string, _ func(PullProgress)) error {
	return ErrPullUnsupported
}

func (e *OpenAIEngine) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+e.token)
	return e.httpClient.Do(req)
}
