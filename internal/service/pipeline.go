package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"ragdocs/internal/domain"
	"ragdocs/internal/metrics"
	"ragdocs/internal/normalize"
	"ragdocs/internal/vectorstore"
)

// Embedder is the part of embedding.Client the service depends on.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// ErrClosed is returned by operations on a closed pipeline.
var ErrClosed = errors.New("pipeline closed")

const rollbackTimeout = 30 * time.Second

// UploadRequest is a document submitted for ingestion.
type UploadRequest struct {
	Filename string
	Content  string
	Metadata map[string]string
	// ContentType is optional; it is detected from the filename and content otherwise.
	ContentType string
	// SourcePath is recorded for files ingested from disk.
	SourcePath string
}

// PipelineOptions bounds background processing.
type PipelineOptions struct {
	Workers int
	// Timeout bounds the processing of a single document once it has a worker.
	Timeout time.Duration
}

type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Pipeline ingests documents asynchronously: upload persists a pending
// record, then a task chunks, embeds and indexes the document on a bounded
// pool of workers.
type Pipeline struct {
	store    domain.DocumentStore
	index    vectorstore.Index
	chunker  domain.Chunker
	embedder Embedder
	sem      *semaphore.Weighted
	timeout  time.Duration
	log      zerolog.Logger
	metrics  *metrics.Metrics

	base context.Context
	stop context.CancelFunc

	mu     sync.Mutex
	tasks  map[string]*task
	closed bool
	wg     sync.WaitGroup
}

// NewPipeline creates a pipeline. Workers below one are treated as one.
func NewPipeline(store domain.DocumentStore, index vectorstore.Index, chunker domain.Chunker, embedder Embedder, opts PipelineOptions, log zerolog.Logger, m *metrics.Metrics) *Pipeline {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	base, stop := context.WithCancel(context.Background())
	return &Pipeline{
		store:    store,
		index:    index,
		chunker:  chunker,
		embedder: embedder,
		sem:      semaphore.NewWeighted(int64(opts.Workers)),
		timeout:  opts.Timeout,
		log:      log.With().Str("component", "pipeline").Logger(),
		metrics:  m,
		base:     base,
		stop:     stop,
		tasks:    map[string]*task{},
	}
}

// Upload validates and persists a document, moves it to processing and
// schedules its stages. It returns once the record is stored.
func (p *Pipeline) Upload(ctx context.Context, req UploadRequest) (domain.Document, error) {
	filename := strings.TrimSpace(req.Filename)
	if filename == "" {
		return domain.Document{}, fmt.Errorf("%w: filename is required", domain.ErrInvalidInput)
	}
	norm, err := normalize.Content(filename, req.ContentType, req.Content)
	if err != nil {
		return domain.Document{}, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	if strings.TrimSpace(norm.Text) == "" {
		return domain.Document{}, fmt.Errorf("%w: content is empty", domain.ErrInvalidInput)
	}

	meta := make(map[string]string, len(req.Metadata)+2)
	for k, v := range req.Metadata {
		if strings.HasPrefix(k, domain.MetadataPrefix) {
			continue
		}
		meta[k] = v
	}
	meta[domain.MetaContentType] = norm.ContentType
	if norm.Title != "" {
		meta[domain.MetaTitle] = norm.Title
	}
	if req.SourcePath != "" {
		meta[domain.MetaSourcePath] = req.SourcePath
	}

	now := time.Now().UTC()
	doc := domain.Document{
		ID:        uuid.NewString(),
		Filename:  filename,
		Content:   norm.Text,
		Metadata:  meta,
		Status:    domain.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if p.isClosed() {
		return domain.Document{}, ErrClosed
	}
	if err := p.store.Create(ctx, doc); err != nil {
		return domain.Document{}, fmt.Errorf("persist document: %w", err)
	}
	// Accepted documents are processing while they wait for a worker slot.
	accepted, err := p.store.UpdateStatus(ctx, doc.ID, domain.StatusProcessing, "")
	if err != nil {
		p.fail(context.Background(), doc.ID, err)
		return domain.Document{}, fmt.Errorf("mark processing: %w", err)
	}
	doc = accepted
	if err := p.submit(doc.ID); err != nil {
		p.fail(context.Background(), doc.ID, context.Canceled)
		return domain.Document{}, err
	}
	p.log.Info().Str("document_id", doc.ID).Str("filename", doc.Filename).Int("bytes", len(doc.Content)).Msg("document accepted")
	return doc, nil
}

func (p *Pipeline) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Pipeline) submit(id string) error {
	ctx, cancel := context.WithCancel(p.base)
	t := &task{cancel: cancel, done: make(chan struct{})}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		cancel()
		return ErrClosed
	}
	if _, ok := p.tasks[id]; ok {
		p.mu.Unlock()
		cancel()
		return fmt.Errorf("document %s is already queued", id)
	}
	p.tasks[id] = t
	p.wg.Add(1)
	p.mu.Unlock()

	go p.run(ctx, id, t)
	return nil
}

func (p *Pipeline) run(ctx context.Context, id string, t *task) {
	defer p.wg.Done()
	defer func() {
		p.mu.Lock()
		if p.tasks[id] == t {
			delete(p.tasks, id)
		}
		p.mu.Unlock()
		t.cancel()
		close(t.done)
	}()

	if err := p.sem.Acquire(ctx, 1); err != nil {
		p.fail(ctx, id, err)
		return
	}
	defer p.sem.Release(1)

	p.metrics.WorkerStarted()
	defer p.metrics.WorkerFinished()

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	start := time.Now()
	if err := p.process(ctx, id); err != nil {
		p.fail(ctx, id, err)
		p.metrics.RecordIngestion(string(domain.StatusFailed), time.Since(start))
		return
	}
	p.metrics.RecordIngestion(string(domain.StatusReady), time.Since(start))
	p.refreshIndexGauge(ctx)
}

// process runs the stages of one document strictly in sequence.
func (p *Pipeline) process(ctx context.Context, id string) error {
	doc, err := p.store.UpdateStatus(ctx, id, domain.StatusProcessing, "")
	if err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	log := p.log.With().Str("document_id", id).Logger()
	log.Debug().Msg("processing started")

	chunks, err := p.chunker.Chunk(doc)
	if err != nil {
		return fmt.Errorf("chunk: %w", err)
	}
	if len(chunks) == 0 {
		return errors.New("chunk: document produced no chunks")
	}

	texts := make([]string, len(chunks))
	for i, ch := range chunks {
		texts[i] = ch.Text
	}
	vectors, err := p.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed: %w", err)
	}
	if len(vectors) != len(chunks) {
		return fmt.Errorf("embed: %w", &domain.EmbeddingProviderError{Provider: "client", Attempts: 1, Err: fmt.Errorf("got %d vectors for %d chunks", len(vectors), len(chunks))})
	}

	entries := make([]domain.IndexEntry, len(chunks))
	for i := range chunks {
		chunks[i].Embedding = vectors[i]
		entries[i] = domain.IndexEntry{ChunkID: chunks[i].ID, DocumentID: id, Vector: vectors[i], Chunk: chunks[i]}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.index.Insert(ctx, entries); err != nil {
		if !errors.Is(err, domain.ErrIndexWrite) {
			err = &domain.IndexWriteError{Op: "insert", DocumentID: id, Err: err}
		}
		return err
	}
	if err := p.store.SaveChunks(ctx, id, chunks); err != nil {
		return fmt.Errorf("persist chunks: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := p.store.UpdateStatus(ctx, id, domain.StatusReady, ""); err != nil {
		return fmt.Errorf("mark ready: %w", err)
	}
	log.Info().Int("chunks", len(chunks)).Msg("document ready")
	return nil
}

// fail rolls back whatever the task wrote and records the failure reason.
func (p *Pipeline) fail(ctx context.Context, id string, cause error) {
	reason := cause.Error()
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		reason = fmt.Sprintf("timed out after %s", p.timeout)
	case ctx.Err() != nil, errors.Is(cause, context.Canceled):
		reason = domain.ErrCancelled.Error()
	}

	bg, cancel := context.WithTimeout(context.Background(), rollbackTimeout)
	defer cancel()
	log := p.log.With().Str("document_id", id).Logger()

	if err := p.index.Remove(bg, id); err != nil {
		log.Error().Err(err).Msg("rollback: remove index entries")
	}
	if err := p.store.DeleteChunks(bg, id); err != nil && !errors.Is(err, domain.ErrNotFound) {
		log.Error().Err(err).Msg("rollback: delete chunks")
	}
	if _, err := p.store.UpdateStatus(bg, id, domain.StatusFailed, reason); err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			log.Error().Err(err).Msg("record failure")
		}
	}
	p.refreshIndexGauge(bg)
	log.Warn().Err(cause).Str("reason", reason).Msg("document failed")
}

func (p *Pipeline) refreshIndexGauge(ctx context.Context) {
	if p.metrics == nil {
		return
	}
	n, err := p.index.Count(ctx, "")
	if err != nil {
		return
	}
	p.metrics.SetIndexEntries(n)
}

// Cancel signals the task of a document. It reports whether a task was running.
func (p *Pipeline) Cancel(id string) bool {
	p.mu.Lock()
	t, ok := p.tasks[id]
	p.mu.Unlock()
	if ok {
		t.cancel()
	}
	return ok
}

// Await blocks until the document has no running task and returns its record.
func (p *Pipeline) Await(ctx context.Context, id string) (domain.Document, error) {
	p.mu.Lock()
	t := p.tasks[id]
	p.mu.Unlock()
	if t != nil {
		select {
		case <-t.done:
		case <-ctx.Done():
			return domain.Document{}, ctx.Err()
		}
	}
	return p.store.Get(ctx, id)
}

// Running returns the number of tasks not yet finished, queued or working.
func (p *Pipeline) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tasks)
}

// RestoreSummary reports what Restore did.
type RestoreSummary struct {
	Restored    int
	Resubmitted int
	Failed      int
}

// Restore rebuilds the index from the persisted vectors of ready documents
// and resubmits documents whose processing was interrupted.
func (p *Pipeline) Restore(ctx context.Context) (RestoreSummary, error) {
	var sum RestoreSummary
	docs, err := p.store.List(ctx)
	if err != nil {
		return sum, fmt.Errorf("list documents: %w", err)
	}
	for _, doc := range docs {
		switch doc.Status {
		case domain.StatusReady:
			if err := p.restoreReady(ctx, doc.ID); err != nil {
				if ctx.Err() != nil {
					return sum, ctx.Err()
				}
				sum.Failed++
				p.log.Error().Err(err).Str("document_id", doc.ID).Msg("restore index entries")
				continue
			}
			sum.Restored++
		case domain.StatusPending, domain.StatusProcessing:
			if err := p.index.Remove(ctx, doc.ID); err != nil {
				return sum, err
			}
			if err := p.submit(doc.ID); err != nil {
				return sum, err
			}
			sum.Resubmitted++
		}
	}
	p.refreshIndexGauge(ctx)
	p.log.Info().Int("restored", sum.Restored).Int("resubmitted", sum.Resubmitted).Int("failed", sum.Failed).Msg("index restored")
	return sum, nil
}

func (p *Pipeline) restoreReady(ctx context.Context, id string) error {
	if n, err := p.index.Count(ctx, id); err == nil && n > 0 {
		return nil
	}
	chunks, err := p.store.Chunks(ctx, id)
	if err != nil {
		return err
	}
	var missing []int
	for i, ch := range chunks {
		if len(ch.Embedding) == 0 {
			missing = append(missing, i)
		}
	}
	if len(missing) > 0 {
		// Stores written without vectors get them recomputed.
		texts := make([]string, len(missing))
		for j, i := range missing {
			texts[j] = chunks[i].Text
		}
		vectors, err := p.embedder.EmbedDocuments(ctx, texts)
		if err != nil {
			return err
		}
		for j, i := range missing {
			chunks[i].Embedding = vectors[j]
		}
		if err := p.store.SaveChunks(ctx, id, chunks); err != nil {
			return err
		}
	}
	entries := make([]domain.IndexEntry, 0, len(chunks))
	for _, ch := range chunks {
		entries = append(entries, domain.IndexEntry{ChunkID: ch.ID, DocumentID: id, Vector: ch.Embedding, Chunk: ch})
	}
	return p.index.Insert(ctx, entries)
}

// Close cancels every task and waits for them to roll back.
func (p *Pipeline) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.stop()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
