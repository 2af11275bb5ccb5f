package engine

import "fmt"

const (
	BackendOllama = "ollama"
	BackendOpenAI = "openai"
)

// DetectConfig holds parameters for backend selection.
type DetectConfig struct {
	Backend string
	BaseURL string
	Model   string
	APIKey  string
}

// Detect returns the Engine named by cfg.Backend. An empty backend selects
// Ollama.
func Detect(cfg DetectConfig) (Engine, error) {
	switch cfg.Backend {
	case "", BackendOllama:
		return NewOllamaEngine(cfg.BaseURL), nil
	case BackendOpenAI:
		return NewOpenAIEngine(cfg.BaseURL, cfg.APIKey, cfg.Model)
	default:
		return nil, fmt.Errorf("unknown embedder backend %q (want %s or %s)", cfg.Backend, BackendOllama, BackendOpenAI)
	}
}
