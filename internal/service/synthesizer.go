package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"ragdocs/internal/domain"
	"ragdocs/internal/llm"
	"ragdocs/internal/metrics"
)

const systemPrompt = "You answer questions about a document collection. Use only the numbered excerpts provided. " +
	"Cite the excerpts you rely on as [n]. If the excerpts do not contain the answer, say that you do not know."

// Searcher ranks documents for a query.
type Searcher interface {
	Search(ctx context.Context, query string, maxResults int) ([]domain.SearchResult, error)
}

// SynthesizerOptions tunes prompting and confidence scoring.
type SynthesizerOptions struct {
	DefaultModel    string
	MaxResults      int
	MaxContextChars int
	ExcerptLength   int
	MaxTokens       int
	// Timeout bounds a single model call.
	Timeout time.Duration

	TopWeight              float64
	CorroborationWeight    float64
	CorroborationThreshold float64
	CorroborationTarget    int
}

// DefaultSynthesizerOptions returns the options used when configuration leaves them unset.
func DefaultSynthesizerOptions() SynthesizerOptions {
	return SynthesizerOptions{
		MaxResults:             5,
		MaxContextChars:        6000,
		ExcerptLength:          200,
		MaxTokens:              512,
		Timeout:                60 * time.Second,
		TopWeight:              0.7,
		CorroborationWeight:    0.3,
		CorroborationThreshold: 0.35,
		CorroborationTarget:    3,
	}
}

// Synthesizer answers questions from retrieved excerpts and scores how well
// the evidence supports the answer.
type Synthesizer struct {
	searcher Searcher
	models   *llm.Registry
	history  domain.DocumentStore
	opts     SynthesizerOptions
	log      zerolog.Logger
	metrics  *metrics.Metrics
}

// NewSynthesizer creates a synthesizer. Completed answers are appended to
// the history of store.
func NewSynthesizer(searcher Searcher, models *llm.Registry, store domain.DocumentStore, opts SynthesizerOptions, log zerolog.Logger, m *metrics.Metrics) *Synthesizer {
	def := DefaultSynthesizerOptions()
	if opts.MaxResults <= 0 {
		opts.MaxResults = def.MaxResults
	}
	if opts.MaxContextChars <= 0 {
		opts.MaxContextChars = def.MaxContextChars
	}
	if opts.ExcerptLength <= 0 {
		opts.ExcerptLength = def.ExcerptLength
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = def.MaxTokens
	}
	if opts.CorroborationTarget <= 0 {
		opts.CorroborationTarget = def.CorroborationTarget
	}
	if opts.TopWeight < 0 || opts.CorroborationWeight < 0 || opts.TopWeight+opts.CorroborationWeight <= 0 {
		opts.TopWeight, opts.CorroborationWeight = def.TopWeight, def.CorroborationWeight
	}
	return &Synthesizer{
		searcher: searcher,
		models:   models,
		history:  store,
		opts:     opts,
		log:      log.With().Str("component", "synthesizer").Logger(),
		metrics:  m,
	}
}

// Answer retrieves evidence for query and asks model to answer from it.
// Without evidence the model is not called and the answer is absent. When
// the model fails the result still carries the sources, alongside a
// *domain.SynthesisError.
func (s *Synthesizer) Answer(ctx context.Context, query, model string) (domain.AnswerResult, error) {
	if model == "" {
		model = s.opts.DefaultModel
	}
	gen, effective := s.models.Resolve(model)
	res := domain.AnswerResult{Query: query, Model: effective, Sources: []domain.Source{}}

	results, err := s.searcher.Search(ctx, query, s.opts.MaxResults)
	if err != nil {
		if ctx.Err() != nil {
			s.metrics.RecordAnswer("cancelled")
			return res, fmt.Errorf("answer cancelled: %w", ctx.Err())
		}
		s.metrics.RecordAnswer("failed")
		return res, err
	}
	res.SearchResults = len(results)
	res.Sources = s.sources(results)

	if len(results) == 0 {
		s.metrics.RecordAnswer("no_results")
		s.remember(ctx, res)
		return res, nil
	}

	excerpts, prompt := s.prompt(query, results)
	gctx := ctx
	if s.opts.Timeout > 0 {
		var cancel context.CancelFunc
		gctx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()
	}
	text, err := gen.Generate(gctx, domain.GenerateRequest{
		Model:     effective,
		System:    systemPrompt,
		Prompt:    prompt,
		MaxTokens: s.opts.MaxTokens,
		Query:     query,
		Context:   excerpts,
	})
	if err == nil && strings.TrimSpace(text) == "" {
		err = errors.New("model returned an empty answer")
	}
	if err != nil {
		if ctx.Err() != nil {
			s.metrics.RecordAnswer("cancelled")
			return res, fmt.Errorf("answer cancelled: %w", ctx.Err())
		}
		s.metrics.RecordAnswer("failed")
		s.log.Warn().Err(err).Str("model", effective).Msg("model call failed")
		return res, &domain.SynthesisError{Model: effective, Err: err}
	}

	res.Answer = &text
	res.Confidence = s.confidence(results)
	s.metrics.RecordAnswer("answered")
	s.remember(ctx, res)
	return res, nil
}

// History returns completed answers in the order they were produced.
func (s *Synthesizer) History(ctx context.Context) ([]domain.AnswerRecord, error) {
	return s.history.Answers(ctx)
}

func (s *Synthesizer) remember(ctx context.Context, res domain.AnswerResult) {
	rec := domain.AnswerRecord{
		Query:         res.Query,
		Model:         res.Model,
		Answered:      res.Answer != nil,
		Confidence:    res.Confidence,
		SourceCount:   len(res.Sources),
		SearchResults: res.SearchResults,
		CreatedAt:     time.Now().UTC(),
	}
	if res.Answer != nil {
		rec.Answer = *res.Answer
	}
	if _, err := s.history.AppendAnswer(context.WithoutCancel(ctx), rec); err != nil {
		s.log.Error().Err(err).Msg("append answer history")
	}
}

// prompt numbers the preview chunks of every result until the context
// budget is spent. The first excerpt is always included.
func (s *Synthesizer) prompt(query string, results []domain.SearchResult) ([]string, string) {
	var (
		b        strings.Builder
		excerpts []string
		used     int
	)
	b.WriteString("Question: ")
	b.WriteString(strings.TrimSpace(query))
	b.WriteString("\n\nExcerpts:\n")
	for _, r := range results {
		for _, c := range r.Chunks {
			text := collapse(c.Chunk.Text)
			if len(excerpts) > 0 && used+len(text) > s.opts.MaxContextChars {
				return excerpts, b.String()
			}
			used += len(text)
			excerpts = append(excerpts, text)
			b.WriteString("[" + strconv.Itoa(len(excerpts)) + "] (" + r.Document.Filename + ") ")
			b.WriteString(strconv.Quote(text))
			b.WriteString("\n")
		}
	}
	return excerpts, b.String()
}

func (s *Synthesizer) sources(results []domain.SearchResult) []domain.Source {
	out := make([]domain.Source, 0, len(results))
	for _, r := range results {
		src := domain.Source{DocumentID: r.Document.ID, Filename: r.Document.Filename}
		if len(r.Chunks) > 0 {
			src.Excerpt = truncate(collapse(r.Chunks[0].Chunk.Text), s.opts.ExcerptLength)
		}
		out = append(out, src)
	}
	return out
}

// confidence combines the top similarity with the number of documents that
// clear the corroboration threshold. The result lies in [0, 1].
func (s *Synthesizer) confidence(results []domain.SearchResult) float64 {
	if len(results) == 0 {
		return 0
	}
	top := clamp01(results[0].Similarity)
	strong := 0
	for _, r := range results {
		if r.Similarity >= s.opts.CorroborationThreshold {
			strong++
		}
	}
	corroboration := min(1, float64(strong)/float64(s.opts.CorroborationTarget))
	wt, wc := s.opts.TopWeight, s.opts.CorroborationWeight
	return clamp01((wt*top + wc*corroboration) / (wt + wc))
}

func clamp01(v float64) float64 {
	switch {
	case v != v, v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// truncate cuts s to at most n runes, marking the cut with an ellipsis.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return strings.TrimRight(string(runes[:n]), " ") + "…"
}
