package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// clearEnv blanks every CAMPUS_* variable for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, s := range specs {
		t.Setenv(s.env, "")
	}
}

// mapBackend is an in-memory ConfigBackend.
type mapBackend map[string]any

func (m mapBackend) GetString(key string) (string, bool, error) {
	v, ok := m[key].(string)
	return v, ok, nil
}

func (m mapBackend) GetInt(key string) (int, bool, error) {
	v, ok := m[key].(int)
	return v, ok, nil
}

func (m mapBackend) GetFloat(key string) (float64, bool, error) {
	v, ok := m[key].(float64)
	return v, ok, nil
}

func (m mapBackend) SetString(key, val string) error        { m[key] = val; return nil }
func (m mapBackend) SetInt(key string, val int) error       { m[key] = val; return nil }
func (m mapBackend) SetFloat(key string, val float64) error { m[key] = val; return nil }
func (m mapBackend) Delete(key string) error                { delete(m, key); return nil }

func TestDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 4000 {
		t.Errorf("Server.Port = %d, want 4000", cfg.Server.Port)
	}
	if cfg.Ollama.BaseURL != "http://localhost:11434" {
		t.Errorf("Ollama.BaseURL = %q", cfg.Ollama.BaseURL)
	}
	if cfg.Ollama.EmbedModel != "nomic-embed-text" {
		t.Errorf("Ollama.EmbedModel = %q", cfg.Ollama.EmbedModel)
	}
	if cfg.Embedding.Dimension != 768 {
		t.Errorf("Embedding.Dimension = %d, want 768", cfg.Embedding.Dimension)
	}
	if cfg.Index.Backend != BackendSQLite {
		t.Errorf("Index.Backend = %q", cfg.Index.Backend)
	}
	if cfg.Index.SearchFraction != 0.05 {
		t.Errorf("Index.SearchFraction = %v, want 0.05", cfg.Index.SearchFraction)
	}
	if cfg.Index.ResultWindowCap != 2000 || cfg.Index.HNSWEfCeiling != 2000 {
		t.Errorf("Index = %+v", cfg.Index)
	}
	if cfg.Search.DefaultThreshold != 0.35 || cfg.Search.DefaultLimit != 15 {
		t.Errorf("Search = %+v", cfg.Search)
	}
	if cfg.Qdrant.Port != 6334 || cfg.Qdrant.Collection != "programs" {
		t.Errorf("Qdrant = %+v", cfg.Qdrant)
	}
	if cfg.Profile.TypeMismatchPolicy != "preserve" || cfg.Profile.MergeMaxAttempts != 5 {
		t.Errorf("Profile = %+v", cfg.Profile)
	}
	if cfg.Tracing.OTLPEndpoint != "" {
		t.Errorf("tracing should be disabled by default, endpoint = %q", cfg.Tracing.OTLPEndpoint)
	}
	if !strings.HasSuffix(cfg.Storage.DataDir, "campusconnect") {
		t.Errorf("Storage.DataDir = %q", cfg.Storage.DataDir)
	}
}

func TestTOMLParsing(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, `
[server]
port = 5000

[ollama]
base_url = "http://custom:11434"
embed_model = "mxbai-embed-large"
embed_rps = 20

[embedding]
dimension = 1024

[storage]
data_dir = "/tmp/campus-test"

[index]
backend = "qdrant"
search_fraction = 0.2
partitions = 16

[search]
default_threshold = 0.5

[profile]
type_mismatch_policy = "overwrite"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 5000 {
		t.Errorf("Server.Port = %d, want 5000", cfg.Server.Port)
	}
	if cfg.Ollama.BaseURL != "http://custom:11434" || cfg.Ollama.EmbedModel != "mxbai-embed-large" {
		t.Errorf("Ollama = %+v", cfg.Ollama)
	}
	if cfg.Ollama.EmbedRPS != 20 {
		t.Errorf("Ollama.EmbedRPS = %v, want 20 from an integer TOML value", cfg.Ollama.EmbedRPS)
	}
	if cfg.Embedding.Dimension != 1024 {
		t.Errorf("Embedding.Dimension = %d", cfg.Embedding.Dimension)
	}
	if cfg.Storage.DataDir != "/tmp/campus-test" {
		t.Errorf("Storage.DataDir = %q", cfg.Storage.DataDir)
	}
	if cfg.Index.Backend != BackendQdrant || cfg.Index.SearchFraction != 0.2 || cfg.Index.Partitions != 16 {
		t.Errorf("Index = %+v", cfg.Index)
	}
	if cfg.Search.DefaultThreshold != 0.5 {
		t.Errorf("Search.DefaultThreshold = %v", cfg.Search.DefaultThreshold)
	}
	if cfg.MismatchPolicy() != "overwrite" {
		t.Errorf("MismatchPolicy() = %q", cfg.MismatchPolicy())
	}
}

func TestEnvOverride(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, `
[server]
port = 5000

[index]
search_fraction = 0.2
`)
	t.Setenv("CAMPUS_SERVER_PORT", "6000")
	t.Setenv("CAMPUS_INDEX_SEARCH_FRACTION", "0.5")
	t.Setenv("CAMPUS_API_TOKEN", "env-token")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 6000 {
		t.Errorf("Server.Port = %d, want 6000", cfg.Server.Port)
	}
	if cfg.Index.SearchFraction != 0.5 {
		t.Errorf("Index.SearchFraction = %v, want 0.5", cfg.Index.SearchFraction)
	}
	if cfg.Server.APIToken != "env-token" {
		t.Errorf("Server.APIToken = %q", cfg.Server.APIToken)
	}
}

func TestEnvOverride_UnparsableKeepsFileValue(t *testing.T) {
	clearEnv(t)
	t.Setenv("CAMPUS_SERVER_PORT", "not-a-port")
	t.Setenv("CAMPUS_SEARCH_DEFAULT_THRESHOLD", "loose")

	cfg, err := loadWith(mapBackend{"server.port": 4100})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 4100 {
		t.Errorf("Server.Port = %d, want 4100", cfg.Server.Port)
	}
	if cfg.Search.DefaultThreshold != 0.35 {
		t.Errorf("Search.DefaultThreshold = %v, want default", cfg.Search.DefaultThreshold)
	}
}

func TestSecretIgnoredInFile(t *testing.T) {
	clearEnv(t)
	cfg, err := loadWith(mapBackend{"server.api_token": "from-file"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.APIToken != "" {
		t.Errorf("APIToken = %q, secrets must come from the environment", cfg.Server.APIToken)
	}
}

func TestValidate(t *testing.T) {
	clearEnv(t)
	tests := []struct {
		name    string
		backend mapBackend
		want    string
	}{
		{"zero dimension", mapBackend{"embedding.dimension": 0}, "embedding.dimension"},
		{"fraction zero", mapBackend{"index.search_fraction": 0.0}, "index.search_fraction"},
		{"fraction above one", mapBackend{"index.search_fraction": 1.5}, "index.search_fraction"},
		{"window cap", mapBackend{"index.result_window_cap": 0}, "index.result_window_cap"},
		{"threshold negative", mapBackend{"search.default_threshold": -0.1}, "search.default_threshold"},
		{"threshold above two", mapBackend{"search.default_threshold": 2.5}, "search.default_threshold"},
		{"unknown backend", mapBackend{"index.backend": "faiss"}, "index.backend"},
		{"unknown policy", mapBackend{"profile.type_mismatch_policy": "merge"}, "profile.type_mismatch_policy"},
		{"merge attempts", mapBackend{"profile.merge_max_attempts": 0}, "profile.merge_max_attempts"},
		{"sample rate", mapBackend{"tracing.sample_rate": 2.0}, "tracing.sample_rate"},
		{"port", mapBackend{"server.port": 70000}, "server.port"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadWith(tt.backend)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestValidate_Boundaries(t *testing.T) {
	clearEnv(t)
	_, err := loadWith(mapBackend{
		"index.search_fraction":    1.0,
		"search.default_threshold": 2.0,
		"index.result_window_cap":  1,
	})
	if err != nil {
		t.Errorf("inclusive boundaries rejected: %v", err)
	}
}

func TestMalformedFile(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, "[server\nport = ")
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "parsing config file") {
		t.Errorf("error = %v, want parse error", err)
	}
}

func TestSetKey(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "nested", "config.toml")

	if err := SetKey(path, "server.port", "4500"); err != nil {
		t.Fatalf("SetKey(server.port): %v", err)
	}
	if err := SetKey(path, "index.search_fraction", "0.1"); err != nil {
		t.Fatalf("SetKey(index.search_fraction): %v", err)
	}
	if err := SetKey(path, "ollama.embed_model", "bge-m3"); err != nil {
		t.Fatalf("SetKey(ollama.embed_model): %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 4500 || cfg.Index.SearchFraction != 0.1 || cfg.Ollama.EmbedModel != "bge-m3" {
		t.Errorf("round trip lost values: port=%d fraction=%v model=%q",
			cfg.Server.Port, cfg.Index.SearchFraction, cfg.Ollama.EmbedModel)
	}
}

func TestSetKey_Errors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	tests := []struct {
		key, value, want string
	}{
		{"server.port", "many", "invalid integer"},
		{"index.search_fraction", "some", "invalid number"},
		{"server.api_token", "x", "cannot set secret"},
		{"server.mcp_port", "1", "unknown config key"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			err := SetKey(path, tt.key, tt.value)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want %q", err, tt.want)
			}
		})
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("rejected writes must not create the config file")
	}
}

func TestUnsetKey(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.toml")

	if err := SetKey(path, "search.default_limit", "25"); err != nil {
		t.Fatalf("SetKey: %v", err)
	}
	if err := UnsetKey(path, "search.default_limit"); err != nil {
		t.Fatalf("UnsetKey: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Search.DefaultLimit != defaults().Search.DefaultLimit {
		t.Errorf("default_limit = %d, want default %d", cfg.Search.DefaultLimit, defaults().Search.DefaultLimit)
	}

	if err := UnsetKey(path, "server.api_token"); err == nil || !strings.Contains(err.Error(), "not stored") {
		t.Errorf("unset secret error = %v", err)
	}
	if err := UnsetKey(path, "nope.key"); err == nil || !strings.Contains(err.Error(), "unknown config key") {
		t.Errorf("unset unknown error = %v", err)
	}
}

func TestShowAllHidesSecrets(t *testing.T) {
	cfg := defaults()
	cfg.Server.APIToken = "hidden"
	for _, ki := range ShowAll(cfg) {
		if ki.Key == "server.api_token" || ki.Value == "hidden" {
			t.Errorf("secret leaked: %+v", ki)
		}
	}
	if len(ShowAll(cfg)) != len(ValidKeys()) {
		t.Errorf("ShowAll and ValidKeys disagree: %d vs %d", len(ShowAll(cfg)), len(ValidKeys()))
	}
}
