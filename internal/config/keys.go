package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kFloat
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
		key: "server.port", typ: kInt, env: "CAMPUS_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "CAMPUS_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "ollama.base_url", typ: kString, env: "CAMPUS_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.embed_model", typ: kString, env: "CAMPUS_OLLAMA_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.EmbedModel },
	},
	{
		key: "ollama.embed_rps", typ: kFloat, env: "CAMPUS_OLLAMA_EMBED_RPS",
		apply:   func(cfg *Config, v any) { cfg.Ollama.EmbedRPS = v.(float64) },
		extract: func(cfg Config) any { return cfg.Ollama.EmbedRPS },
	},
	{
		key: "embedding.dimension", typ: kInt, env: "CAMPUS_EMBEDDING_DIMENSION",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Dimension = v.(int) },
		extract: func(cfg Config) any { return cfg.Embedding.Dimension },
	},
	{
		key: "storage.data_dir", typ: kString, env: "CAMPUS_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "index.backend", typ: kString, env: "CAMPUS_INDEX_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Index.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Index.Backend },
	},
	{
		key: "index.search_fraction", typ: kFloat, env: "CAMPUS_INDEX_SEARCH_FRACTION",
		apply:   func(cfg *Config, v any) { cfg.Index.SearchFraction = v.(float64) },
		extract: func(cfg Config) any { return cfg.Index.SearchFraction },
	},
	{
		key: "index.partitions", typ: kInt, env: "CAMPUS_INDEX_PARTITIONS",
		apply:   func(cfg *Config, v any) { cfg.Index.Partitions = v.(int) },
		extract: func(cfg Config) any { return cfg.Index.Partitions },
	},
	{
		key: "index.hnsw_ef_ceiling", typ: kInt, env: "CAMPUS_INDEX_HNSW_EF_CEILING",
		apply:   func(cfg *Config, v any) { cfg.Index.HNSWEfCeiling = v.(int) },
		extract: func(cfg Config) any { return cfg.Index.HNSWEfCeiling },
	},
	{
		key: "index.result_window_cap", typ: kInt, env: "CAMPUS_INDEX_RESULT_WINDOW_CAP",
		apply:   func(cfg *Config, v any) { cfg.Index.ResultWindowCap = v.(int) },
		extract: func(cfg Config) any { return cfg.Index.ResultWindowCap },
	},
	{
		key: "search.default_threshold", typ: kFloat, env: "CAMPUS_SEARCH_DEFAULT_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Search.DefaultThreshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Search.DefaultThreshold },
	},
	{
		key: "search.default_limit", typ: kInt, env: "CAMPUS_SEARCH_DEFAULT_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Search.DefaultLimit = v.(int) },
		extract: func(cfg Config) any { return cfg.Search.DefaultLimit },
	},
	{
		key: "qdrant.host", typ: kString, env: "CAMPUS_QDRANT_HOST",
		apply:   func(cfg *Config, v any) { cfg.Qdrant.Host = v.(string) },
		extract: func(cfg Config) any { return cfg.Qdrant.Host },
	},
	{
		key: "qdrant.port", typ: kInt, env: "CAMPUS_QDRANT_PORT",
		apply:   func(cfg *Config, v any) { cfg.Qdrant.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Qdrant.Port },
	},
	{
		key: "qdrant.collection", typ: kString, env: "CAMPUS_QDRANT_COLLECTION",
		apply:   func(cfg *Config, v any) { cfg.Qdrant.Collection = v.(string) },
		extract: func(cfg Config) any { return cfg.Qdrant.Collection },
	},
	{
		key: "profile.type_mismatch_policy", typ: kString, env: "CAMPUS_PROFILE_TYPE_MISMATCH_POLICY",
		apply:   func(cfg *Config, v any) { cfg.Profile.TypeMismatchPolicy = v.(string) },
		extract: func(cfg Config) any { return cfg.Profile.TypeMismatchPolicy },
	},
	{
		key: "profile.merge_max_attempts", typ: kInt, env: "CAMPUS_PROFILE_MERGE_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Profile.MergeMaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Profile.MergeMaxAttempts },
	},
	{
		key: "log.level", typ: kString, env: "CAMPUS_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "tracing.otlp_endpoint", typ: kString, env: "CAMPUS_TRACING_OTLP_ENDPOINT",
		apply:   func(cfg *Config, v any) { cfg.Tracing.OTLPEndpoint = v.(string) },
		extract: func(cfg Config) any { return cfg.Tracing.OTLPEndpoint },
	},
	{
		key: "tracing.sample_rate", typ: kFloat, env: "CAMPUS_TRACING_SAMPLE_RATE",
		apply:   func(cfg *Config, v any) { cfg.Tracing.SampleRate = v.(float64) },
		extract: func(cfg Config) any { return cfg.Tracing.SampleRate },
	},
}

// applyBackend copies persisted values onto cfg. Secrets are read only
// from the environment.
func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kFloat:
			v, ok, err := b.GetFloat(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Keeping the configured value.\n", s.env, raw, err)
			}
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse float from env var %s=%q: %v. Keeping the configured value.\n", s.env, raw, err)
			}
		}
	}
}
