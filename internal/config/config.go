package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"ragdocs/internal/domain"
)

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr             string `yaml:"addr"`
	ReadTimeoutSecs  int    `yaml:"read_timeout_secs"`
	WriteTimeoutSecs int    `yaml:"write_timeout_secs"`
	BodyLimit        string `yaml:"body_limit"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
	Caller bool   `yaml:"caller"`
}

// StoreConfig selects the document store.
type StoreConfig struct {
	Type string `yaml:"type"` // memory | sqlite
	Path string `yaml:"path"`
}

// ChunkerConfig configures how documents are split into chunks.
type ChunkerConfig struct {
	MaxSize int `yaml:"max_size"`
	Overlap int `yaml:"overlap"`
}

// OpenAIEmbedderConfig holds configuration for the OpenAI-compatible embedder.
type OpenAIEmbedderConfig struct {
	BaseURL     string `yaml:"base_url"`
	APIKeyEnv   string `yaml:"api_key_env"`
	Model       string `yaml:"model"`
	TimeoutSecs int    `yaml:"timeout_secs"`
}

// EmbedderConfig selects the embedding provider and configures the client
// wrapped around it.
type EmbedderConfig struct {
	Type               string                `yaml:"type"` // hashing | openai
	Dimension          int                   `yaml:"dimension"`
	BatchSize          int                   `yaml:"batch_size"`
	MaxRetries         int                   `yaml:"max_retries"`
	BaseDelayMillis    int                   `yaml:"base_delay_ms"`
	MaxDelayMillis     int                   `yaml:"max_delay_ms"`
	AttemptTimeoutSecs int                   `yaml:"attempt_timeout_secs"`
	MaxInFlight        int                   `yaml:"max_in_flight"`
	ReservedQuerySlots int                   `yaml:"reserved_query_slots"`
	RequestsPerSecond  float64               `yaml:"requests_per_second"`
	Burst              int                   `yaml:"burst"`
	OpenAI             *OpenAIEmbedderConfig `yaml:"openai,omitempty"`
}

// VectorStoreConfig selects and configures the vector index implementation.
type VectorStoreConfig struct {
	Type   string        `yaml:"type"` // memory | qdrant
	Qdrant *QdrantConfig `yaml:"qdrant,omitempty"`
}

// QdrantConfig contains connection details for a Qdrant vector store.
type QdrantConfig struct {
	Addr        string `yaml:"addr"`
	APIKeyEnv   string `yaml:"api_key_env"`
	Collection  string `yaml:"collection"`
	TimeoutSecs int    `yaml:"timeout_secs"`
}

// IngestionConfig bounds background document processing.
type IngestionConfig struct {
	Workers     int `yaml:"workers"`
	TimeoutSecs int `yaml:"timeout_secs"`
}

// RetrievalConfig tunes search.
type RetrievalConfig struct {
	DefaultMaxResults int `yaml:"default_max_results"`
	MaxResultsCap     int `yaml:"max_results_cap"`
	FanOut            int `yaml:"fan_out"`
	PreviewChunks     int `yaml:"preview_chunks"`
}

// SynthesisConfig tunes answer synthesis and confidence scoring.
type SynthesisConfig struct {
	MaxResults             int     `yaml:"max_results"`
	MaxContextChars        int     `yaml:"max_context_chars"`
	ExcerptLength          int     `yaml:"excerpt_length"`
	MaxTokens              int     `yaml:"max_tokens"`
	TimeoutSecs            int     `yaml:"timeout_secs"`
	TopWeight              float64 `yaml:"top_weight"`
	CorroborationWeight    float64 `yaml:"corroboration_weight"`
	CorroborationThreshold float64 `yaml:"corroboration_threshold"`
	CorroborationTarget    int     `yaml:"corroboration_target"`
}

// OpenAILLMConfig configures the OpenAI chat generator.
type OpenAILLMConfig struct {
	BaseURL     string `yaml:"base_url"`
	APIKeyEnv   string `yaml:"api_key_env"`
	Model       string `yaml:"model"`
	TimeoutSecs int    `yaml:"timeout_secs"`
}

// AnthropicLLMConfig configures the Anthropic generator.
type AnthropicLLMConfig struct {
	APIKeyEnv string `yaml:"api_key_env"`
	Model     string `yaml:"model"`
}

// ExtractiveConfig configures the offline extractive generator.
type ExtractiveConfig struct {
	MaxSentences int `yaml:"max_sentences"`
}

// LLMConfig lists the available generators and the default model.
type LLMConfig struct {
	DefaultModel string              `yaml:"default_model"`
	Extractive   ExtractiveConfig    `yaml:"extractive"`
	OpenAI       *OpenAILLMConfig    `yaml:"openai,omitempty"`
	Anthropic    *AnthropicLLMConfig `yaml:"anthropic,omitempty"`
}

// WatchConfig configures folder watching.
type WatchConfig struct {
	Enabled    bool     `yaml:"enabled"`
	Dir        string   `yaml:"dir"`
	Extensions []string `yaml:"extensions"`
	DebounceMs int      `yaml:"debounce_ms"`
}

// AppConfig is the root application configuration structure.
type AppConfig struct {
	Server      ServerConfig      `yaml:"server"`
	Log         LogConfig         `yaml:"log"`
	Store       StoreConfig       `yaml:"store"`
	Chunker     ChunkerConfig     `yaml:"chunker"`
	Embedder    EmbedderConfig    `yaml:"embedder"`
	VectorStore VectorStoreConfig `yaml:"vector_store"`
	Ingestion   IngestionConfig   `yaml:"ingestion"`
	Retrieval   RetrievalConfig   `yaml:"retrieval"`
	Synthesis   SynthesisConfig   `yaml:"synthesis"`
	LLM         LLMConfig         `yaml:"llm"`
	Watch       WatchConfig       `yaml:"watch"`
}

// Load reads a config from a specified path. If the file does not exist, returns defaults.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, err
	}
	var cfg AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	applyConfigDefaults(&cfg)
	return &cfg, nil
}

// LoadDefault tries ./config.yaml first, then ~/.config/ragdocs/config.yaml.
// If neither exists, it writes defaults to ~/.config/ragdocs/config.yaml and returns them.
func LoadDefault() (*AppConfig, string, error) {
	cwdPath := "config.yaml"
	if _, err := os.Stat(cwdPath); err == nil {
		cfg, err := Load(cwdPath)
		return cfg, cwdPath, err
	}
	userPath, err := defaultUserConfigPath()
	if err != nil {
		return nil, "", err
	}
	if _, err := os.Stat(userPath); err == nil {
		cfg, err := Load(userPath)
		return cfg, userPath, err
	}
	cfg := Default()
	if err := Save(userPath, cfg); err != nil {
		return nil, "", err
	}
	return cfg, userPath, nil
}

// Save writes the config to the given path, creating directories as needed.
func Save(path string, cfg *AppConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func defaultUserConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "ragdocs", "config.yaml"), nil
}

// Default returns the configuration used when no file exists: everything
// local and offline.
func Default() *AppConfig {
	cfg := &AppConfig{
		Store:       StoreConfig{Type: "memory"},
		Embedder:    EmbedderConfig{Type: "hashing"},
		VectorStore: VectorStoreConfig{Type: "memory"},
	}
	applyConfigDefaults(cfg)
	return cfg
}

func setDefault[T comparable](v *T, def T) {
	var zero T
	if *v == zero {
		*v = def
	}
}

func applyConfigDefaults(cfg *AppConfig) {
	setDefault(&cfg.Server.Addr, ":8080")
	setDefault(&cfg.Server.ReadTimeoutSecs, 30)
	setDefault(&cfg.Server.WriteTimeoutSecs, 120)
	setDefault(&cfg.Server.BodyLimit, "10M")
	setDefault(&cfg.Log.Level, "info")

	setDefault(&cfg.Store.Type, "memory")
	if cfg.Store.Type == "sqlite" {
		setDefault(&cfg.Store.Path, filepath.Join("data", "ragdocs.db"))
	}

	setDefault(&cfg.Chunker.MaxSize, 1000)
	setDefault(&cfg.Chunker.Overlap, 200)

	setDefault(&cfg.Embedder.Type, "hashing")
	setDefault(&cfg.Embedder.BatchSize, 32)
	setDefault(&cfg.Embedder.MaxRetries, 5)
	setDefault(&cfg.Embedder.BaseDelayMillis, 200)
	setDefault(&cfg.Embedder.MaxDelayMillis, 5000)
	setDefault(&cfg.Embedder.AttemptTimeoutSecs, 30)
	setDefault(&cfg.Embedder.MaxInFlight, 4)
	setDefault(&cfg.Embedder.ReservedQuerySlots, 1)
	setDefault(&cfg.Embedder.Burst, 1)
	if cfg.Embedder.Type == "hashing" {
		setDefault(&cfg.Embedder.Dimension, 384)
	}
	if cfg.Embedder.Type == "openai" {
		if cfg.Embedder.OpenAI == nil {
			cfg.Embedder.OpenAI = &OpenAIEmbedderConfig{}
		}
		setDefault(&cfg.Embedder.OpenAI.BaseURL, "https://api.openai.com/v1")
		setDefault(&cfg.Embedder.OpenAI.APIKeyEnv, "OPENAI_API_KEY")
		setDefault(&cfg.Embedder.OpenAI.Model, "text-embedding-3-small")
		setDefault(&cfg.Embedder.OpenAI.TimeoutSecs, 30)
	}

	setDefault(&cfg.VectorStore.Type, "memory")
	if cfg.VectorStore.Type == "qdrant" {
		if cfg.VectorStore.Qdrant == nil {
			cfg.VectorStore.Qdrant = &QdrantConfig{}
		}
		setDefault(&cfg.VectorStore.Qdrant.Addr, "localhost:6334")
		setDefault(&cfg.VectorStore.Qdrant.Collection, "ragdocs_chunks")
		setDefault(&cfg.VectorStore.Qdrant.TimeoutSecs, 15)
	}

	setDefault(&cfg.Ingestion.Workers, 4)
	setDefault(&cfg.Ingestion.TimeoutSecs, 300)

	setDefault(&cfg.Retrieval.DefaultMaxResults, 5)
	setDefault(&cfg.Retrieval.MaxResultsCap, 50)
	setDefault(&cfg.Retrieval.FanOut, 4)
	setDefault(&cfg.Retrieval.PreviewChunks, 3)

	setDefault(&cfg.Synthesis.MaxResults, 5)
	setDefault(&cfg.Synthesis.MaxContextChars, 6000)
	setDefault(&cfg.Synthesis.ExcerptLength, 200)
	setDefault(&cfg.Synthesis.MaxTokens, 512)
	setDefault(&cfg.Synthesis.TimeoutSecs, 60)
	if cfg.Synthesis.TopWeight == 0 && cfg.Synthesis.CorroborationWeight == 0 {
		cfg.Synthesis.TopWeight = 0.7
		cfg.Synthesis.CorroborationWeight = 0.3
	}
	setDefault(&cfg.Synthesis.CorroborationThreshold, 0.35)
	setDefault(&cfg.Synthesis.CorroborationTarget, 3)

	setDefault(&cfg.LLM.DefaultModel, "extractive")
	setDefault(&cfg.LLM.Extractive.MaxSentences, 3)
	if cfg.LLM.OpenAI != nil {
		setDefault(&cfg.LLM.OpenAI.BaseURL, "https://api.openai.com/v1")
		setDefault(&cfg.LLM.OpenAI.APIKeyEnv, "OPENAI_API_KEY")
		setDefault(&cfg.LLM.OpenAI.Model, "gpt-4o-mini")
		setDefault(&cfg.LLM.OpenAI.TimeoutSecs, 60)
	}
	if cfg.LLM.Anthropic != nil {
		setDefault(&cfg.LLM.Anthropic.APIKeyEnv, "ANTHROPIC_API_KEY")
		setDefault(&cfg.LLM.Anthropic.Model, "claude-3-5-haiku-latest")
	}

	setDefault(&cfg.Watch.DebounceMs, 500)
	if len(cfg.Watch.Extensions) == 0 {
		cfg.Watch.Extensions = []string{".txt", ".md", ".html", ".htm"}
	}
}

func invalid(field, format string, args ...any) error {
	return &domain.ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Validate reports the first invalid parameter as a *domain.ConfigurationError.
func (c *AppConfig) Validate() error {
	switch c.Store.Type {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			return invalid("store.path", "required for sqlite")
		}
	default:
		return invalid("store.type", "unknown store %q", c.Store.Type)
	}

	if c.Chunker.MaxSize < utf8.UTFMax {
		return invalid("chunker.max_size", "must be at least %d, got %d", utf8.UTFMax, c.Chunker.MaxSize)
	}
	if c.Chunker.Overlap < 0 || c.Chunker.Overlap >= c.Chunker.MaxSize {
		return invalid("chunker.overlap", "must be in [0, max_size), got %d", c.Chunker.Overlap)
	}

	e := c.Embedder
	switch e.Type {
	case "hashing":
		if e.Dimension <= 0 {
			return invalid("embedder.dimension", "must be positive for the hashing embedder")
		}
	case "openai":
		if e.OpenAI == nil || e.OpenAI.Model == "" {
			return invalid("embedder.openai.model", "required")
		}
	default:
		return invalid("embedder.type", "unknown embedder %q", e.Type)
	}
	switch {
	case e.Dimension < 0:
		return invalid("embedder.dimension", "must not be negative")
	case e.BatchSize <= 0:
		return invalid("embedder.batch_size", "must be positive")
	case e.MaxRetries < 0:
		return invalid("embedder.max_retries", "must not be negative")
	case e.MaxInFlight <= 0:
		return invalid("embedder.max_in_flight", "must be positive")
	case e.ReservedQuerySlots < 0 || e.ReservedQuerySlots >= e.MaxInFlight:
		return invalid("embedder.reserved_query_slots", "must be in [0, max_in_flight)")
	case e.RequestsPerSecond < 0:
		return invalid("embedder.requests_per_second", "must not be negative")
	case e.BaseDelayMillis < 0 || e.MaxDelayMillis < e.BaseDelayMillis:
		return invalid("embedder.max_delay_ms", "must be at least base_delay_ms")
	}

	switch c.VectorStore.Type {
	case "memory":
	case "qdrant":
		if c.VectorStore.Qdrant == nil || c.VectorStore.Qdrant.Addr == "" {
			return invalid("vector_store.qdrant.addr", "required")
		}
	default:
		return invalid("vector_store.type", "unknown vector store %q", c.VectorStore.Type)
	}

	if c.Ingestion.Workers <= 0 {
		return invalid("ingestion.workers", "must be positive")
	}
	r := c.Retrieval
	switch {
	case r.FanOut < 1:
		return invalid("retrieval.fan_out", "must be at least 1")
	case r.MaxResultsCap < 1:
		return invalid("retrieval.max_results_cap", "must be at least 1")
	case r.DefaultMaxResults < 1 || r.DefaultMaxResults > r.MaxResultsCap:
		return invalid("retrieval.default_max_results", "must be in [1, max_results_cap]")
	case r.PreviewChunks < 1:
		return invalid("retrieval.preview_chunks", "must be at least 1")
	}

	s := c.Synthesis
	switch {
	case s.MaxResults < 1:
		return invalid("synthesis.max_results", "must be at least 1")
	case s.MaxContextChars < 1:
		return invalid("synthesis.max_context_chars", "must be positive")
	case s.ExcerptLength < 1:
		return invalid("synthesis.excerpt_length", "must be positive")
	case s.TopWeight < 0 || s.CorroborationWeight < 0 || s.TopWeight+s.CorroborationWeight == 0:
		return invalid("synthesis.top_weight", "weights must be non-negative and not both zero")
	case s.CorroborationThreshold < 0 || s.CorroborationThreshold > 1:
		return invalid("synthesis.corroboration_threshold", "must be in [0, 1]")
	case s.CorroborationTarget < 1:
		return invalid("synthesis.corroboration_target", "must be at least 1")
	}

	if c.Watch.Enabled && c.Watch.Dir == "" {
		return invalid("watch.dir", "required when watching is enabled")
	}
	return nil
}

// Seconds converts a whole number of seconds from the config.
func Seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// Millis converts a whole number of milliseconds from the config.
func Millis(n int) time.Duration { return time.Duration(n) * time.Millisecond }
