package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ragdocs/internal/chunker"
	"ragdocs/internal/domain"
	"ragdocs/internal/embedding"
	"ragdocs/internal/embedding/hashing"
	"ragdocs/internal/llm"
	"ragdocs/internal/logger"
	"ragdocs/internal/metrics"
	storemem "ragdocs/internal/store/memory"
	"ragdocs/internal/summarizer"
	"ragdocs/internal/vectorstore"
	vecmem "ragdocs/internal/vectorstore/memory"
)

const awaitTimeout = 5 * time.Second

type fixture struct {
	store    domain.DocumentStore
	index    vectorstore.Index
	embedder Embedder
	models   *llm.Registry
	metrics  *metrics.Metrics
	svc      *RAGService
}

type fixtureOption func(*fixture, *Options)

func withEmbedder(wrap func(Embedder) Embedder) fixtureOption {
	return func(f *fixture, _ *Options) { f.embedder = wrap(f.embedder) }
}

func withIndex(wrap func(vectorstore.Index) vectorstore.Index) fixtureOption {
	return func(f *fixture, _ *Options) { f.index = wrap(f.index) }
}

func withStore(wrap func(domain.DocumentStore) domain.DocumentStore) fixtureOption {
	return func(f *fixture, _ *Options) { f.store = wrap(f.store) }
}

func withGenerator(gen domain.Generator) fixtureOption {
	return func(f *fixture, _ *Options) { f.models = llm.NewRegistry(gen) }
}

func withOptions(fn func(*Options)) fixtureOption {
	return func(_ *fixture, o *Options) { fn(o) }
}

func newHashingClient(t *testing.T) *embedding.Client {
	t.Helper()
	provider, err := hashing.NewEmbedder(0)
	require.NoError(t, err)
	client, err := embedding.NewClient(provider, embedding.DefaultOptions())
	require.NoError(t, err)
	return client
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	f := &fixture{
		store:    storemem.New(),
		index:    vecmem.NewIndex(),
		embedder: newHashingClient(t),
		models:   llm.NewRegistry(summarizer.NewFrequencySummarizer(3)),
		metrics:  metrics.New(),
	}
	o := Options{Pipeline: PipelineOptions{Workers: 2}}
	for _, opt := range opts {
		opt(f, &o)
	}
	ch, err := chunker.New(200, 40)
	require.NoError(t, err)
	f.svc = NewRAGService(Deps{
		Store:    f.store,
		Index:    f.index,
		Chunker:  ch,
		Embedder: f.embedder,
		Models:   f.models,
		Logger:   logger.Nop(),
		Metrics:  f.metrics,
	}, o)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), awaitTimeout)
		defer cancel()
		_ = f.svc.Close(ctx)
	})
	return f
}

// ingest uploads content and waits for processing to finish.
func (f *fixture) ingest(t *testing.T, filename, content string) domain.Document {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), awaitTimeout)
	defer cancel()
	doc, err := f.svc.Upload(ctx, UploadRequest{Filename: filename, Content: content})
	require.NoError(t, err)
	final, err := f.svc.AwaitDocument(ctx, doc.ID)
	require.NoError(t, err)
	return final
}

// recordingStore remembers every status a document was moved to.
type recordingStore struct {
	domain.DocumentStore
	mu   sync.Mutex
	seen map[string][]domain.Status
}

func (r *recordingStore) UpdateStatus(ctx context.Context, id string, status domain.Status, reason string) (domain.Document, error) {
	doc, err := r.DocumentStore.UpdateStatus(ctx, id, status, reason)
	if err == nil {
		r.mu.Lock()
		if r.seen == nil {
			r.seen = map[string][]domain.Status{}
		}
		r.seen[id] = append(r.seen[id], status)
		r.mu.Unlock()
	}
	return doc, err
}

func (r *recordingStore) statuses(id string) []domain.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Status(nil), r.seen[id]...)
}

type failingEmbedder struct {
	Embedder
	err error
}

func (f failingEmbedder) EmbedDocuments(context.Context, []string) ([][]float32, error) {
	return nil, f.err
}

// blockingEmbedder holds bulk calls until their context ends.
type blockingEmbedder struct {
	Embedder
	once    sync.Once
	started chan struct{}
}

func newBlockingEmbedder(inner Embedder) *blockingEmbedder {
	return &blockingEmbedder{Embedder: inner, started: make(chan struct{})}
}

func (b *blockingEmbedder) EmbedDocuments(ctx context.Context, _ []string) ([][]float32, error) {
	b.once.Do(func() { close(b.started) })
	<-ctx.Done()
	return nil, ctx.Err()
}

// partialIndex writes the first entry of a batch and then fails.
type partialIndex struct {
	vectorstore.Index
}

func (p partialIndex) Insert(ctx context.Context, entries []domain.IndexEntry) error {
	if err := p.Index.Insert(ctx, entries[:1]); err != nil {
		return err
	}
	return &domain.IndexWriteError{Op: "insert", DocumentID: entries[0].DocumentID, Err: errDiskFull}
}
