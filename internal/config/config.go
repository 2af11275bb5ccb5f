package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"

	"github.com/kalambet/kbsync/internal/watermark"
)

type Config struct {
	Server     ServerConfig
	Log        LogConfig
	Storage    StorageConfig
	Embedder   EmbedderConfig
	ServiceNow ServiceNowConfig
	Chunking   ChunkingConfig
	Extract    ExtractConfig
	Watermark  WatermarkConfig
	Ingest     IngestConfig
	Retrieval  RetrievalConfig
}

type ServerConfig struct {
	Port int
}

type LogConfig struct {
	Level string
	// Dir receives the daily app-YYYY-MM-DD.log files. Empty means
	// <data_dir>/logs.
	Dir string
}

type StorageConfig struct {
	DataDir string
}

type EmbedderConfig struct {
	Backend string // "ollama" or "openai"
	BaseURL string
	Model   string
	APIKey  string
}

type ServiceNowConfig struct {
	URL               string
	User              string
	Password          string
	PageSize          int
	RequestsPerSecond float64
	Timeout           time.Duration
}

type ChunkingConfig struct {
	Size    int
	Overlap int
}

// ExtractConfig sets the header and footer bands, in points, clipped from
// every PDF page.
type ExtractConfig struct {
	MarginTop    float64
	MarginBottom float64
}

type WatermarkConfig struct {
	Backend string // "sqlite" or "badger"
	Default string
}

type IngestConfig struct {
	Workers int
}

type RetrievalConfig struct {
	TopK int
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 8080,
		},
		Log: LogConfig{
			Level: "info",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Embedder: EmbedderConfig{
			Backend: "ollama",
			BaseURL: "http://localhost:11434",
			Model:   "all-minilm",
		},
		ServiceNow: ServiceNowConfig{
			PageSize:          1000,
			RequestsPerSecond: 5,
			Timeout:           30 * time.Second,
		},
		Chunking: ChunkingConfig{
			Size:    1000,
			Overlap: 200,
		},
		Extract: ExtractConfig{
			MarginTop:    50,
			MarginBottom: 100,
		},
		Watermark: WatermarkConfig{
			Backend: "sqlite",
			Default: watermark.Format(watermark.DefaultEpoch),
		},
		Ingest: IngestConfig{
			Workers: 4,
		},
		Retrieval: RetrievalConfig{
			TopK: 5,
		},
	}
}

// LogDir resolves the effective log directory.
func (c Config) LogDir() string {
	if c.Log.Dir != "" {
		return c.Log.Dir
	}
	return filepath.Join(c.Storage.DataDir, "logs")
}

// DefaultWatermark parses Watermark.Default.
func (c Config) DefaultWatermark() (time.Time, error) {
	return watermark.Parse(c.Watermark.Default)
}

// Load reads configuration in increasing precedence: built-in defaults, the
// YAML file at FilePath(), then KBSYNC_* environment variables. A .env file in
// the working directory is loaded into the environment first; variables that
// are already set are not overridden by it.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("loading .env: %w", err)
	}
	return loadWith(newPlatformBackend())
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects combinations the rest of the program cannot start with.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Chunking.Size <= 0 || c.Chunking.Overlap < 0 || c.Chunking.Overlap >= c.Chunking.Size {
		errs = append(errs, fmt.Errorf("chunking: need 0 <= overlap (%d) < size (%d)", c.Chunking.Overlap, c.Chunking.Size))
	}
	if c.Extract.MarginTop < 0 || c.Extract.MarginBottom < 0 {
		errs = append(errs, fmt.Errorf("extract margins must not be negative, got top %g bottom %g", c.Extract.MarginTop, c.Extract.MarginBottom))
	}
	switch c.Embedder.Backend {
	case "ollama", "openai":
	default:
		errs = append(errs, fmt.Errorf("embedder.backend %q: want ollama or openai", c.Embedder.Backend))
	}
	switch c.Watermark.Backend {
	case "sqlite", "badger":
	default:
		errs = append(errs, fmt.Errorf("watermark.backend %q: want sqlite or badger", c.Watermark.Backend))
	}
	if _, err := c.DefaultWatermark(); err != nil {
		errs = append(errs, fmt.Errorf("watermark.default: %w", err))
	}
	if c.Ingest.Workers < 1 {
		errs = append(errs, fmt.Errorf("ingest.workers must be at least 1, got %d", c.Ingest.Workers))
	}
	if c.Retrieval.TopK < 1 {
		errs = append(errs, fmt.Errorf("retrieval.top_k must be at least 1, got %d", c.Retrieval.TopK))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
