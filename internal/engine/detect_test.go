package engine

import "testing"

func TestDetect_ReturnsOllama(t *testing.T) {
	for _, backend := range []string{"", BackendOllama} {
		e, err := Detect(DetectConfig{Backend: backend, BaseURL: "http://localhost:11434"})
		if err != nil {
			t.Fatalf("Detect(%q): %v", backend, err)
		}
		if _, ok := e.(*OllamaEngine); !ok {
			t.Errorf("Detect(%q) returned %T, want *OllamaEngine", backend, e)
		}
	}
}

func TestDetect_OpenAI(t *testing.T) {
	e, err := Detect(DetectConfig{Backend: BackendOpenAI, BaseURL: "http://localhost:8080/v1", Model: "text-embedding-3-small"})
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if _, ok := e.(*OpenAIEngine); !ok {
		t.Errorf("Detect returned %T, want *OpenAIEngine", e)
	}
}

func TestDetect_Unknown(t *testing.T) {
	if _, err := Detect(DetectConfig{Backend: "mlx"}); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}
