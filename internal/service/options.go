package service

import "ragdocs/internal/config"

// OptionsFromConfig maps the application configuration onto service options.
func OptionsFromConfig(cfg *config.AppConfig) Options {
	return Options{
		Pipeline: PipelineOptions{
			Workers: cfg.Ingestion.Workers,
			Timeout: config.Seconds(cfg.Ingestion.TimeoutSecs),
		},
		Retriever: RetrieverOptions{
			DefaultMaxResults: cfg.Retrieval.DefaultMaxResults,
			MaxResultsCap:     cfg.Retrieval.MaxResultsCap,
			FanOut:            cfg.Retrieval.FanOut,
			PreviewChunks:     cfg.Retrieval.PreviewChunks,
		},
		Synthesizer: SynthesizerOptions{
			DefaultModel:           cfg.LLM.DefaultModel,
			MaxResults:             cfg.Synthesis.MaxResults,
			MaxContextChars:        cfg.Synthesis.MaxContextChars,
			ExcerptLength:          cfg.Synthesis.ExcerptLength,
			MaxTokens:              cfg.Synthesis.MaxTokens,
			Timeout:                config.Seconds(cfg.Synthesis.TimeoutSecs),
			TopWeight:              cfg.Synthesis.TopWeight,
			CorroborationWeight:    cfg.Synthesis.CorroborationWeight,
			CorroborationThreshold: cfg.Synthesis.CorroborationThreshold,
			CorroborationTarget:    cfg.Synthesis.CorroborationTarget,
		},
	}
}
