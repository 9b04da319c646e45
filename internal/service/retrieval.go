package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"ragdocs/internal/domain"
	"ragdocs/internal/metrics"
	"ragdocs/internal/vectorstore"
)

// RetrieverOptions tunes search.
type RetrieverOptions struct {
	DefaultMaxResults int
	MaxResultsCap     int
	// FanOut multiplies maxResults to size the candidate chunk set.
	FanOut int
	// PreviewChunks caps the chunks attached to each result.
	PreviewChunks int
}

// DefaultRetrieverOptions returns the options used when configuration leaves them unset.
func DefaultRetrieverOptions() RetrieverOptions {
	return RetrieverOptions{DefaultMaxResults: 5, MaxResultsCap: 50, FanOut: 4, PreviewChunks: 3}
}

// Retriever embeds queries, searches the index and ranks documents by their
// best matching chunk.
type Retriever struct {
	embedder Embedder
	index    vectorstore.Index
	store    domain.DocumentStore
	opts     RetrieverOptions
	log      zerolog.Logger
	metrics  *metrics.Metrics
}

// NewRetriever creates a retriever. Zero options take their defaults.
func NewRetriever(embedder Embedder, index vectorstore.Index, store domain.DocumentStore, opts RetrieverOptions, log zerolog.Logger, m *metrics.Metrics) *Retriever {
	def := DefaultRetrieverOptions()
	if opts.DefaultMaxResults <= 0 {
		opts.DefaultMaxResults = def.DefaultMaxResults
	}
	if opts.MaxResultsCap <= 0 {
		opts.MaxResultsCap = def.MaxResultsCap
	}
	if opts.FanOut <= 0 {
		opts.FanOut = def.FanOut
	}
	if opts.PreviewChunks <= 0 {
		opts.PreviewChunks = def.PreviewChunks
	}
	return &Retriever{
		embedder: embedder,
		index:    index,
		store:    store,
		opts:     opts,
		log:      log.With().Str("component", "retriever").Logger(),
		metrics:  m,
	}
}

// Search returns up to maxResults documents ranked by descending similarity.
// An empty index yields an empty slice.
func (r *Retriever) Search(ctx context.Context, query string, maxResults int) ([]domain.SearchResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: query is required", domain.ErrInvalidInput)
	}
	if maxResults <= 0 {
		maxResults = r.opts.DefaultMaxResults
	}
	maxResults = min(maxResults, r.opts.MaxResultsCap)

	start := time.Now()
	defer func() { r.metrics.RecordSearch(time.Since(start)) }()

	vec, err := r.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	hits, err := r.index.Search(ctx, vec, maxResults*r.opts.FanOut)
	if err != nil {
		return nil, fmt.Errorf("search index: %w", err)
	}

	// Hits arrive best first with ties in insertion order, so the first hit
	// of a document is its aggregate and first appearance is its rank.
	var order []string
	groups := map[string][]domain.ScoredChunk{}
	for _, h := range hits {
		id := h.Entry.DocumentID
		if _, seen := groups[id]; !seen {
			order = append(order, id)
		}
		if len(groups[id]) < r.opts.PreviewChunks {
			groups[id] = append(groups[id], domain.ScoredChunk{Chunk: h.Entry.Chunk, Similarity: h.Similarity})
		}
	}

	out := make([]domain.SearchResult, 0, min(len(order), maxResults))
	for _, id := range order {
		if len(out) == maxResults {
			break
		}
		doc, err := r.store.Get(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load document %s: %w", id, err)
		}
		if doc.Status != domain.StatusReady {
			continue
		}
		chunks := groups[id]
		out = append(out, domain.SearchResult{Document: doc, Similarity: chunks[0].Similarity, Chunks: chunks})
	}
	r.log.Debug().Str("query", query).Int("hits", len(hits)).Int("results", len(out)).Msg("search")
	return out, nil
}
