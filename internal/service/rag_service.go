package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"ragdocs/internal/domain"
	"ragdocs/internal/llm"
	"ragdocs/internal/metrics"
	"ragdocs/internal/vectorstore"
)

// Options groups the tuning of the service parts.
type Options struct {
	Pipeline    PipelineOptions
	Retriever   RetrieverOptions
	Synthesizer SynthesizerOptions
}

// Deps are the collaborators a RAGService is assembled from.
type Deps struct {
	Store    domain.DocumentStore
	Index    vectorstore.Index
	Chunker  domain.Chunker
	Embedder Embedder
	Models   *llm.Registry
	Logger   zerolog.Logger
	Metrics  *metrics.Metrics
}

// RAGService is the entry point used by the HTTP API, the CLI, the watcher
// and the TUI.
type RAGService struct {
	store     domain.DocumentStore
	index     vectorstore.Index
	pipeline  *Pipeline
	retriever *Retriever
	synth     *Synthesizer
	metrics   *metrics.Metrics
	log       zerolog.Logger
}

// NewRAGService wires the pipeline, retriever and synthesizer over deps.
func NewRAGService(deps Deps, opts Options) *RAGService {
	retriever := NewRetriever(deps.Embedder, deps.Index, deps.Store, opts.Retriever, deps.Logger, deps.Metrics)
	return &RAGService{
		store:     deps.Store,
		index:     deps.Index,
		pipeline:  NewPipeline(deps.Store, deps.Index, deps.Chunker, deps.Embedder, opts.Pipeline, deps.Logger, deps.Metrics),
		retriever: retriever,
		synth:     NewSynthesizer(retriever, deps.Models, deps.Store, opts.Synthesizer, deps.Logger, deps.Metrics),
		metrics:   deps.Metrics,
		log:       deps.Logger.With().Str("component", "service").Logger(),
	}
}

// Upload accepts a document for asynchronous ingestion.
func (s *RAGService) Upload(ctx context.Context, req UploadRequest) (domain.Document, error) {
	return s.pipeline.Upload(ctx, req)
}

// UploadFile reads a file from disk and uploads it.
func (s *RAGService) UploadFile(ctx context.Context, path string) (domain.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.Document{}, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return s.Upload(ctx, UploadRequest{Filename: filepath.Base(path), Content: string(data), SourcePath: abs})
}

// IngestPaths uploads every file matching paths (globs allowed) whose
// extension is in exts, and waits until each has finished processing.
func (s *RAGService) IngestPaths(ctx context.Context, paths []string, exts []string) ([]domain.Document, error) {
	var files []string
	for _, p := range paths {
		matches, _ := filepath.Glob(p)
		if matches == nil {
			matches = []string{p}
		}
		for _, m := range matches {
			if len(exts) > 0 && !slices.Contains(exts, strings.ToLower(filepath.Ext(m))) {
				continue
			}
			files = append(files, m)
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: no documents with extensions %v found", domain.ErrInvalidInput, exts)
	}

	uploaded := make([]domain.Document, 0, len(files))
	for _, f := range files {
		doc, err := s.UploadFile(ctx, f)
		if err != nil {
			return uploaded, fmt.Errorf("upload %s: %w", f, err)
		}
		uploaded = append(uploaded, doc)
	}
	for i, doc := range uploaded {
		final, err := s.pipeline.Await(ctx, doc.ID)
		if err != nil {
			return uploaded, err
		}
		uploaded[i] = final
	}
	return uploaded, nil
}

// ListDocuments returns every document in upload order.
func (s *RAGService) ListDocuments(ctx context.Context) ([]domain.Document, error) {
	return s.store.List(ctx)
}

// GetDocument returns a document by id.
func (s *RAGService) GetDocument(ctx context.Context, id string) (domain.Document, error) {
	return s.store.Get(ctx, id)
}

// AwaitDocument blocks until the document is ready or failed.
func (s *RAGService) AwaitDocument(ctx context.Context, id string) (domain.Document, error) {
	return s.pipeline.Await(ctx, id)
}

// CancelDocument stops the processing of a document, which then fails with
// reason cancelled. Documents already ready or failed are returned unchanged.
func (s *RAGService) CancelDocument(ctx context.Context, id string) (domain.Document, error) {
	doc, err := s.store.Get(ctx, id)
	if err != nil {
		return domain.Document{}, err
	}
	if doc.Status.Terminal() {
		return doc, nil
	}
	s.pipeline.Cancel(id)
	return s.pipeline.Await(ctx, id)
}

// DeleteDocument cancels processing and removes the document, its chunks
// and its index entries.
func (s *RAGService) DeleteDocument(ctx context.Context, id string) error {
	if _, err := s.store.Get(ctx, id); err != nil {
		return err
	}
	if s.pipeline.Cancel(id) {
		if _, err := s.pipeline.Await(ctx, id); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}
	}
	// The record goes first: index entries left behind by a failed remove
	// are skipped by search, a ready record without entries is not.
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	if err := s.index.Remove(ctx, id); err != nil {
		if !errors.Is(err, domain.ErrIndexWrite) {
			err = &domain.IndexWriteError{Op: "remove", DocumentID: id, Err: err}
		}
		s.log.Error().Err(err).Str("document_id", id).Msg("remove index entries of deleted document")
		return err
	}
	s.pipeline.refreshIndexGauge(ctx)
	s.log.Info().Str("document_id", id).Msg("document deleted")
	return nil
}

// Search ranks ready documents for query.
func (s *RAGService) Search(ctx context.Context, query string, maxResults int) ([]domain.SearchResult, error) {
	return s.retriever.Search(ctx, query, maxResults)
}

// Answer synthesizes an answer for query with model.
func (s *RAGService) Answer(ctx context.Context, query, model string) (domain.AnswerResult, error) {
	if strings.TrimSpace(query) == "" {
		return domain.AnswerResult{}, fmt.Errorf("%w: query is required", domain.ErrInvalidInput)
	}
	return s.synth.Answer(ctx, query, model)
}

// History returns the answer history in insertion order.
func (s *RAGService) History(ctx context.Context) ([]domain.AnswerRecord, error) {
	return s.synth.History(ctx)
}

// Restore rebuilds the index after a restart.
func (s *RAGService) Restore(ctx context.Context) (RestoreSummary, error) {
	return s.pipeline.Restore(ctx)
}

// MemoryStats is a snapshot of process memory in bytes.
type MemoryStats struct {
	HeapUsed  uint64 `json:"heapUsed"`
	HeapTotal uint64 `json:"heapTotal"`
	RSS       uint64 `json:"rss"`
}

// Stats is the admin snapshot.
type Stats struct {
	Uptime        time.Duration
	Memory        MemoryStats
	ActiveWorkers int64
	QueuedTasks   int
	TotalRequests int64
	Documents     map[domain.Status]int
	IndexEntries  int
}

// Stats returns counters for the admin endpoint.
func (s *RAGService) Stats(ctx context.Context) (Stats, error) {
	docs, err := s.store.List(ctx)
	if err != nil {
		return Stats{}, err
	}
	byStatus := map[domain.Status]int{
		domain.StatusPending:    0,
		domain.StatusProcessing: 0,
		domain.StatusReady:      0,
		domain.StatusFailed:     0,
	}
	for _, d := range docs {
		byStatus[d.Status]++
	}
	entries, err := s.index.Count(ctx, "")
	if err != nil {
		return Stats{}, err
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return Stats{
		Uptime:        s.metrics.Uptime(),
		Memory:        MemoryStats{HeapUsed: ms.HeapAlloc, HeapTotal: ms.HeapSys, RSS: ms.Sys},
		ActiveWorkers: s.metrics.ActiveWorkers(),
		QueuedTasks:   s.pipeline.Running(),
		TotalRequests: s.metrics.TotalRequests(),
		Documents:     byStatus,
		IndexEntries:  entries,
	}, nil
}

// Close stops background processing and releases the index and the store.
func (s *RAGService) Close(ctx context.Context) error {
	var errs []error
	if err := s.pipeline.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop pipeline: %w", err))
	}
	if err := s.index.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close index: %w", err))
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	return errors.Join(errs...)
}
