package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kFloat
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "KBSYNC_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "log.level", typ: kString, env: "KBSYNC_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.dir", typ: kString, env: "KBSYNC_LOG_DIR",
		apply:   func(cfg *Config, v any) { cfg.Log.Dir = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Dir },
	},
	{
		key: "storage.data_dir", typ: kString, env: "KBSYNC_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "embedder.backend", typ: kString, env: "KBSYNC_EMBEDDER_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Embedder.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedder.Backend },
	},
	{
		key: "embedder.base_url", typ: kString, env: "KBSYNC_EMBEDDER_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Embedder.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedder.BaseURL },
	},
	{
		key: "embedder.model", typ: kString, env: "KBSYNC_EMBEDDER_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Embedder.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedder.Model },
	},
	{
		key: "embedder.api_key", typ: kString, env: "KBSYNC_EMBEDDER_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Embedder.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedder.APIKey },
	},
	{
		key: "servicenow.url", typ: kString, env: "KBSYNC_SERVICENOW_URL",
		apply:   func(cfg *Config, v any) { cfg.ServiceNow.URL = v.(string) },
		extract: func(cfg Config) any { return cfg.ServiceNow.URL },
	},
	{
		key: "servicenow.user", typ: kString, env: "KBSYNC_SERVICENOW_USER",
		apply:   func(cfg *Config, v any) { cfg.ServiceNow.User = v.(string) },
		extract: func(cfg Config) any { return cfg.ServiceNow.User },
	},
	{
		key: "servicenow.password", typ: kString, env: "KBSYNC_SERVICENOW_PASSWORD",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.ServiceNow.Password = v.(string) },
		extract: func(cfg Config) any { return cfg.ServiceNow.Password },
	},
	{
		key: "servicenow.page_size", typ: kInt, env: "KBSYNC_SERVICENOW_PAGE_SIZE",
		apply:   func(cfg *Config, v any) { cfg.ServiceNow.PageSize = v.(int) },
		extract: func(cfg Config) any { return cfg.ServiceNow.PageSize },
	},
	{
		key: "servicenow.requests_per_second", typ: kFloat, env: "KBSYNC_SERVICENOW_REQUESTS_PER_SECOND",
		apply:   func(cfg *Config, v any) { cfg.ServiceNow.RequestsPerSecond = v.(float64) },
		extract: func(cfg Config) any { return cfg.ServiceNow.RequestsPerSecond },
	},
	{
		key: "servicenow.timeout", typ: kDuration, env: "KBSYNC_SERVICENOW_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.ServiceNow.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.ServiceNow.Timeout },
	},
	{
		key: "chunking.size", typ: kInt, env: "KBSYNC_CHUNKING_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Chunking.Size = v.(int) },
		extract: func(cfg Config) any { return cfg.Chunking.Size },
	},
	{
		key: "chunking.overlap", typ: kInt, env: "KBSYNC_CHUNKING_OVERLAP",
		apply:   func(cfg *Config, v any) { cfg.Chunking.Overlap = v.(int) },
		extract: func(cfg Config) any { return cfg.Chunking.Overlap },
	},
	{
		key: "extract.margin_top", typ: kFloat, env: "KBSYNC_EXTRACT_MARGIN_TOP",
		apply:   func(cfg *Config, v any) { cfg.Extract.MarginTop = v.(float64) },
		extract: func(cfg Config) any { return cfg.Extract.MarginTop },
	},
	{
		key: "extract.margin_bottom", typ: kFloat, env: "KBSYNC_EXTRACT_MARGIN_BOTTOM",
		apply:   func(cfg *Config, v any) { cfg.Extract.MarginBottom = v.(float64) },
		extract: func(cfg Config) any { return cfg.Extract.MarginBottom },
	},
	{
		key: "watermark.backend", typ: kString, env: "KBSYNC_WATERMARK_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Watermark.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Watermark.Backend },
	},
	{
		key: "watermark.default", typ: kString, env: "KBSYNC_WATERMARK_DEFAULT",
		apply:   func(cfg *Config, v any) { cfg.Watermark.Default = v.(string) },
		extract: func(cfg Config) any { return cfg.Watermark.Default },
	},
	{
		key: "ingest.workers", typ: kInt, env: "KBSYNC_INGEST_WORKERS",
		apply:   func(cfg *Config, v any) { cfg.Ingest.Workers = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.Workers },
	},
	{
		key: "retrieval.top_k", typ: kInt, env: "KBSYNC_RETRIEVAL_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.TopK },
	},
}

// parse converts raw into the Go type for typ.
func parse(typ keyType, raw string) (any, error) {
	switch typ {
	case kInt:
		return strconv.Atoi(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || raw == "" {
			continue
		}
		v, err := parse(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parse(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
