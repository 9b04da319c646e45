package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"ragdocs/internal/chunker"
	"ragdocs/internal/config"
	"ragdocs/internal/domain"
	"ragdocs/internal/embedding"
	"ragdocs/internal/embedding/hashing"
	embedopenai "ragdocs/internal/embedding/openai"
	"ragdocs/internal/llm"
	"ragdocs/internal/llm/anthropic"
	llmopenai "ragdocs/internal/llm/openai"
	"ragdocs/internal/logger"
	"ragdocs/internal/metrics"
	"ragdocs/internal/service"
	"ragdocs/internal/store/memory"
	"ragdocs/internal/store/sqlite"
	"ragdocs/internal/summarizer"
	"ragdocs/internal/vectorstore"
	vecmemory "ragdocs/internal/vectorstore/memory"
	"ragdocs/internal/vectorstore/qdrant"
)

// app holds the assembled components for one command invocation.
type app struct {
	cfg     *config.AppConfig
	log     zerolog.Logger
	metrics *metrics.Metrics
	svc     *service.RAGService
}

func loadConfig(path, level string) (*config.AppConfig, error) {
	var (
		cfg *config.AppConfig
		err error
	)
	if path == "" {
		cfg, _, err = config.LoadDefault()
	} else {
		cfg, err = config.Load(path)
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if level != "" {
		cfg.Log.Level = level
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newApp builds every component named by the configuration and restores
// the index from the document store.
func newApp(ctx context.Context, opts *rootOptions) (*app, error) {
	cfg, err := loadConfig(opts.configPath, opts.logLevel)
	if err != nil {
		return nil, err
	}
	log := logger.New(logger.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty, WithCaller: cfg.Log.Caller})
	m := metrics.New()

	st, err := openStore(cfg.Store)
	if err != nil {
		return nil, err
	}
	emb, err := newEmbedder(cfg.Embedder, log, m)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	idx, err := openIndex(ctx, cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	models, err := newModels(cfg.LLM)
	if err != nil {
		_ = idx.Close()
		_ = st.Close()
		return nil, err
	}
	ch, err := chunker.New(cfg.Chunker.MaxSize, cfg.Chunker.Overlap)
	if err != nil {
		_ = idx.Close()
		_ = st.Close()
		return nil, err
	}

	svc := service.NewRAGService(service.Deps{
		Store:    st,
		Index:    idx,
		Chunker:  ch,
		Embedder: emb,
		Models:   models,
		Logger:   log,
		Metrics:  m,
	}, service.OptionsFromConfig(cfg))

	summary, err := svc.Restore(ctx)
	if err != nil {
		_ = svc.Close(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("restore index: %w", err)
	}
	if summary.Restored+summary.Resubmitted+summary.Failed > 0 {
		log.Info().
			Int("restored", summary.Restored).
			Int("resubmitted", summary.Resubmitted).
			Int("failed", summary.Failed).
			Msg("index restored")
	}
	return &app{cfg: cfg, log: log, metrics: m, svc: svc}, nil
}

func (a *app) close(ctx context.Context) {
	if err := a.svc.Close(context.WithoutCancel(ctx)); err != nil {
		a.log.Error().Err(err).Msg("shutdown")
	}
}

func openStore(cfg config.StoreConfig) (domain.DocumentStore, error) {
	switch cfg.Type {
	case "memory":
		return memory.New(), nil
	case "sqlite":
		return sqlite.Open(cfg.Path)
	default:
		return nil, &domain.ConfigurationError{Field: "store.type", Reason: fmt.Sprintf("unknown store %q", cfg.Type)}
	}
}

func newEmbedder(cfg config.EmbedderConfig, log zerolog.Logger, m *metrics.Metrics) (*embedding.Client, error) {
	var provider embedding.Provider
	switch cfg.Type {
	case "hashing":
		p, err := hashing.NewEmbedder(cfg.Dimension)
		if err != nil {
			return nil, err
		}
		provider = p
	case "openai":
		if cfg.OpenAI == nil {
			return nil, &domain.ConfigurationError{Field: "embedder.openai", Reason: "missing"}
		}
		p, err := embedopenai.NewClient(embedopenai.Config{
			BaseURL:    cfg.OpenAI.BaseURL,
			APIKeyEnv:  cfg.OpenAI.APIKeyEnv,
			Model:      cfg.OpenAI.Model,
			Dimensions: cfg.Dimension,
			Timeout:    config.Seconds(cfg.OpenAI.TimeoutSecs),
		})
		if err != nil {
			return nil, err
		}
		provider = p
	default:
		return nil, &domain.ConfigurationError{Field: "embedder.type", Reason: fmt.Sprintf("unknown embedder %q", cfg.Type)}
	}
	return embedding.NewClient(provider, embedding.Options{
		BatchSize:          cfg.BatchSize,
		MaxRetries:         cfg.MaxRetries,
		BaseDelay:          config.Millis(cfg.BaseDelayMillis),
		MaxDelay:           config.Millis(cfg.MaxDelayMillis),
		AttemptTimeout:     config.Seconds(cfg.AttemptTimeoutSecs),
		MaxInFlight:        cfg.MaxInFlight,
		ReservedQuerySlots: cfg.ReservedQuerySlots,
		RequestsPerSecond:  cfg.RequestsPerSecond,
		Burst:              cfg.Burst,
		Dimension:          cfg.Dimension,
	}, embedding.WithLogger(log), embedding.WithMetrics(m))
}

func openIndex(ctx context.Context, cfg *config.AppConfig) (vectorstore.Index, error) {
	switch cfg.VectorStore.Type {
	case "memory":
		return vecmemory.NewIndex(), nil
	case "qdrant":
		q := cfg.VectorStore.Qdrant
		if q == nil {
			return nil, &domain.ConfigurationError{Field: "vector_store.qdrant", Reason: "missing"}
		}
		var apiKey string
		if q.APIKeyEnv != "" {
			apiKey = os.Getenv(q.APIKeyEnv)
		}
		return qdrant.New(ctx, qdrant.Config{
			Addr:       q.Addr,
			APIKey:     apiKey,
			Collection: q.Collection,
			Dimension:  cfg.Embedder.Dimension,
			Timeout:    config.Seconds(q.TimeoutSecs),
		})
	default:
		return nil, &domain.ConfigurationError{Field: "vector_store.type", Reason: fmt.Sprintf("unknown vector store %q", cfg.VectorStore.Type)}
	}
}

// newModels registers the configured generators. The extractive generator
// is always available and serves unknown model names.
func newModels(cfg config.LLMConfig) (*llm.Registry, error) {
	reg := llm.NewRegistry(summarizer.NewFrequencySummarizer(cfg.Extractive.MaxSentences))
	var errs []error
	if cfg.OpenAI != nil {
		gen, err := llmopenai.New(llmopenai.Config{
			BaseURL:   cfg.OpenAI.BaseURL,
			APIKeyEnv: cfg.OpenAI.APIKeyEnv,
			Model:     cfg.OpenAI.Model,
			Timeout:   config.Seconds(cfg.OpenAI.TimeoutSecs),
		})
		if err != nil {
			errs = append(errs, err)
		} else {
			reg.Register(gen, "gpt", "o1", "o3", "o4", "openai")
		}
	}
	if cfg.Anthropic != nil {
		gen, err := anthropic.New(anthropic.Config{
			APIKeyEnv: cfg.Anthropic.APIKeyEnv,
			Model:     cfg.Anthropic.Model,
		})
		if err != nil {
			errs = append(errs, err)
		} else {
			reg.Register(gen, "claude", "anthropic")
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return reg, nil
}
