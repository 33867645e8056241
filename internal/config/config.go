// Package config loads campusconnect settings from defaults, a TOML file
// and CAMPUS_* environment variables, in that order of precedence.
package config

import (
	"fmt"
	"math"

	"github.com/kalambet/campusconnect/internal/profile"
)

type Config struct {
	Server    ServerConfig
	Ollama    OllamaConfig
	Embedding EmbeddingConfig
	Storage   StorageConfig
	Index     IndexConfig
	Search    SearchConfig
	Qdrant    QdrantConfig
	Profile   ProfileConfig
	Log       LogConfig
	Tracing   TracingConfig
}

type ServerConfig struct {
	Port     int
	APIToken string
}

type OllamaConfig struct {
	BaseURL    string
	EmbedModel string
	EmbedRPS   float64
}

type EmbeddingConfig struct {
	Dimension int
}

type StorageConfig struct {
	DataDir string
}

type IndexConfig struct {
	Backend         string
	SearchFraction  float64
	Partitions      int
	HNSWEfCeiling   int
	ResultWindowCap int
}

type SearchConfig struct {
	DefaultThreshold float64
	DefaultLimit     int
}

type QdrantConfig struct {
	Host       string
	Port       int
	Collection string
}

type ProfileConfig struct {
	TypeMismatchPolicy string
	MergeMaxAttempts   int
}

type LogConfig struct {
	Level string
}

type TracingConfig struct {
	OTLPEndpoint string
	SampleRate   float64
}

// Index backends.
const (
	BackendSQLite = "sqlite"
	BackendQdrant = "qdrant"
)

func defaults() Config {
	return Config{
		Server: ServerConfig{Port: 4000},
		Ollama: OllamaConfig{
			BaseURL:    "http://localhost:11434",
			EmbedModel: "nomic-embed-text",
		},
		Embedding: EmbeddingConfig{Dimension: 768},
		Storage:   StorageConfig{DataDir: defaultDataDir()},
		Index: IndexConfig{
			Backend:         BackendSQLite,
			SearchFraction:  0.05,
			Partitions:      64,
			HNSWEfCeiling:   2000,
			ResultWindowCap: 2000,
		},
		Search: SearchConfig{
			DefaultThreshold: 0.35,
			DefaultLimit:     15,
		},
		Qdrant: QdrantConfig{
			Host:       "localhost",
			Port:       6334,
			Collection: "programs",
		},
		Profile: ProfileConfig{
			TypeMismatchPolicy: string(profile.PolicyPreserve),
			MergeMaxAttempts:   5,
		},
		Log:     LogConfig{Level: "info"},
		Tracing: TracingConfig{SampleRate: 1.0},
	}
}

// Load reads the TOML file at path (DefaultPath when empty), then applies
// CAMPUS_* environment overrides and validates the result. A missing file
// is not an error.
func Load(path string) (Config, error) {
	if path == "" {
		path = DefaultPath()
	}
	b, err := openFileBackend(path)
	if err != nil {
		return Config{}, err
	}
	return loadWith(b)
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

// Validate checks value ranges and enumerations.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535, got %d", c.Server.Port)
	}
	if c.Embedding.Dimension <= 0 {
		return fmt.Errorf("embedding.dimension must be positive, got %d", c.Embedding.Dimension)
	}
	if c.Ollama.EmbedRPS < 0 {
		return fmt.Errorf("ollama.embed_rps must not be negative, got %v", c.Ollama.EmbedRPS)
	}
	switch c.Index.Backend {
	case BackendSQLite, BackendQdrant:
	default:
		return fmt.Errorf("index.backend must be %q or %q, got %q", BackendSQLite, BackendQdrant, c.Index.Backend)
	}
	if c.Index.SearchFraction <= 0 || c.Index.SearchFraction > 1 {
		return fmt.Errorf("index.search_fraction must be in (0, 1], got %v", c.Index.SearchFraction)
	}
	if c.Index.Partitions <= 0 {
		return fmt.Errorf("index.partitions must be positive, got %d", c.Index.Partitions)
	}
	if c.Index.ResultWindowCap < 1 {
		return fmt.Errorf("index.result_window_cap must be at least 1, got %d", c.Index.ResultWindowCap)
	}
	if c.Index.HNSWEfCeiling < 1 {
		return fmt.Errorf("index.hnsw_ef_ceiling must be at least 1, got %d", c.Index.HNSWEfCeiling)
	}
	if t := c.Search.DefaultThreshold; math.IsNaN(t) || t < 0 || t > 2 {
		return fmt.Errorf("search.default_threshold must be in [0, 2], got %v", t)
	}
	if c.Search.DefaultLimit < 1 {
		return fmt.Errorf("search.default_limit must be at least 1, got %d", c.Search.DefaultLimit)
	}
	if _, err := profile.ParseMismatchPolicy(c.Profile.TypeMismatchPolicy); err != nil {
		return fmt.Errorf("profile.type_mismatch_policy: %w", err)
	}
	if c.Profile.MergeMaxAttempts < 1 {
		return fmt.Errorf("profile.merge_max_attempts must be at least 1, got %d", c.Profile.MergeMaxAttempts)
	}
	if r := c.Tracing.SampleRate; r < 0 || r > 1 {
		return fmt.Errorf("tracing.sample_rate must be in [0, 1], got %v", r)
	}
	return nil
}

// MismatchPolicy returns the parsed profile merge policy.
func (c Config) MismatchPolicy() profile.MismatchPolicy {
	p, err := profile.ParseMismatchPolicy(c.Profile.TypeMismatchPolicy)
	if err != nil {
		return profile.PolicyPreserve
	}
	return p
}
