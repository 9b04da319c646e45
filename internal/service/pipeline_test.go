package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragdocs/internal/chunker"
	"ragdocs/internal/domain"
	"ragdocs/internal/logger"
	storemem "ragdocs/internal/store/memory"
	"ragdocs/internal/vectorstore"
	vecmem "ragdocs/internal/vectorstore/memory"
)

var errDiskFull = errors.New("disk full")

const longText = `Go is an open source programming language. It makes it simple to build secure, scalable systems.

Goroutines are lightweight threads managed by the Go runtime. Channels let goroutines communicate safely.

The standard library covers networking, encoding and cryptography. Modules manage dependencies reproducibly.`

func TestUpload_BecomesReady(t *testing.T) {
	f := newFixture(t)
	doc := f.ingest(t, "go.txt", longText)

	assert.Equal(t, domain.StatusReady, doc.Status)
	assert.Empty(t, doc.FailureReason)
	assert.Equal(t, "go.txt", doc.Filename)
	assert.Equal(t, "text/plain", doc.Metadata[domain.MetaContentType])
	assert.Greater(t, doc.ChunkCount, 1)

	ctx := context.Background()
	chunks, err := f.store.Chunks(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, chunks, doc.ChunkCount)
	for _, ch := range chunks {
		assert.Equal(t, doc.ID, ch.DocumentID)
		assert.NotEmpty(t, ch.Embedding)
		assert.Equal(t, doc.Content[ch.Span.Start:ch.Span.End], ch.Text)
	}
	n, err := f.index.Count(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, doc.ChunkCount, n)
}

func TestUpload_ReturnsProcessingRecord(t *testing.T) {
	blocking := newBlockingEmbedder(nil)
	f := newFixture(t, withEmbedder(func(e Embedder) Embedder {
		blocking.Embedder = e
		return blocking
	}))
	doc, err := f.svc.Upload(context.Background(), UploadRequest{
		Filename: "notes.md",
		Content:  "# Notes\n\nSome text.",
		Metadata: map[string]string{"author": "kim", "ragdocs.content_type": "spoofed"},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessing, doc.Status)
	assert.NotEmpty(t, doc.ID)
	assert.Equal(t, "kim", doc.Metadata["author"])
	assert.Equal(t, "text/markdown", doc.Metadata[domain.MetaContentType])

	stored, err := f.svc.GetDocument(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, doc.ID, stored.ID)
}

func TestUpload_HTMLIsNormalized(t *testing.T) {
	f := newFixture(t)
	doc := f.ingest(t, "page.html", `<html><head><title>Guide</title><script>var x = 1;</script></head>
<body><main><h1>Intro</h1><p>Deep learning uses neural networks.</p></main></body></html>`)

	require.Equal(t, domain.StatusReady, doc.Status)
	assert.Equal(t, "text/html", doc.Metadata[domain.MetaContentType])
	assert.Equal(t, "Guide", doc.Metadata[domain.MetaTitle])
	assert.NotContains(t, doc.Content, "<p>")
	assert.NotContains(t, doc.Content, "var x")
	assert.Contains(t, doc.Content, "Deep learning uses neural networks.")
}

func TestUpload_InvalidInput(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		req  UploadRequest
	}{
		{"missing filename", UploadRequest{Content: "text"}},
		{"blank filename", UploadRequest{Filename: "  ", Content: "text"}},
		{"empty content", UploadRequest{Filename: "a.txt"}},
		{"blank content", UploadRequest{Filename: "a.txt", Content: " \n\t "}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Upload(context.Background(), tt.req)
			assert.ErrorIs(t, err, domain.ErrInvalidInput)
		})
	}
	docs, err := f.svc.ListDocuments(context.Background())
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestPipeline_StatusIsMonotonic(t *testing.T) {
	rec := &recordingStore{}
	f := newFixture(t, withStore(func(s domain.DocumentStore) domain.DocumentStore {
		rec.DocumentStore = s
		return rec
	}))
	ok := f.ingest(t, "ok.txt", longText)
	assert.Equal(t, []domain.Status{domain.StatusProcessing, domain.StatusProcessing, domain.StatusReady}, rec.statuses(ok.ID))

	prev := domain.StatusPending
	for _, st := range rec.statuses(ok.ID) {
		assert.True(t, prev.CanTransition(st), "%s -> %s", prev, st)
		prev = st
	}
	_, err := f.store.UpdateStatus(context.Background(), ok.ID, domain.StatusPending, "")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestPipeline_EmbeddingFailureRollsBack(t *testing.T) {
	providerErr := &domain.EmbeddingProviderError{Provider: "fake", Attempts: 6, Err: errors.New("503 unavailable")}
	f := newFixture(t, withEmbedder(func(e Embedder) Embedder {
		return failingEmbedder{Embedder: e, err: providerErr}
	}))
	doc := f.ingest(t, "go.txt", longText)

	assert.Equal(t, domain.StatusFailed, doc.Status)
	assert.Contains(t, doc.FailureReason, "503 unavailable")
	assert.Zero(t, doc.ChunkCount)

	n, err := f.index.Count(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
	chunks, err := f.store.Chunks(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestPipeline_IndexFailureRollsBack(t *testing.T) {
	f := newFixture(t, withIndex(func(x vectorstore.Index) vectorstore.Index {
		return partialIndex{Index: x}
	}))
	doc := f.ingest(t, "go.txt", longText)

	assert.Equal(t, domain.StatusFailed, doc.Status)
	assert.Contains(t, doc.FailureReason, "disk full")
	n, err := f.index.Count(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Zero(t, n, "partially written entries must be removed")
}

func TestPipeline_FailureDoesNotAffectOtherDocuments(t *testing.T) {
	f := newFixture(t)
	good := f.ingest(t, "good.txt", longText)

	failing := &domain.EmbeddingProviderError{Provider: "fake", Attempts: 1, Err: errors.New("bad request")}
	p := NewPipeline(f.store, f.index, mustChunker(t), failingEmbedder{err: failing}, PipelineOptions{Workers: 1}, logger.Nop(), nil)
	t.Cleanup(func() { _ = p.Close(context.Background()) })
	bad, err := p.Upload(context.Background(), UploadRequest{Filename: "bad.txt", Content: longText})
	require.NoError(t, err)
	bad, err = p.Await(context.Background(), bad.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailed, bad.Status)

	n, err := f.index.Count(context.Background(), good.ID)
	require.NoError(t, err)
	assert.Equal(t, good.ChunkCount, n)
	results, err := f.svc.Search(context.Background(), "goroutines channels", 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, good.ID, results[0].Document.ID)
}

func TestPipeline_ConcurrentUploads(t *testing.T) {
	f := newFixture(t, withOptions(func(o *Options) { o.Pipeline.Workers = 3 }))
	const docs = 8

	ids := make([]string, docs)
	var wg sync.WaitGroup
	for i := 0; i < docs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			content := strings.Repeat(fmt.Sprintf("Document %d talks about topic%d in depth. ", i, i), 12)
			doc, err := f.svc.Upload(context.Background(), UploadRequest{Filename: fmt.Sprintf("doc-%d.txt", i), Content: content})
			assert.NoError(t, err)
			ids[i] = doc.ID
		}(i)
	}
	wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), awaitTimeout)
	defer cancel()
	for i, id := range ids {
		doc, err := f.svc.AwaitDocument(ctx, id)
		require.NoError(t, err)
		require.Equal(t, domain.StatusReady, doc.Status, "doc %d", i)

		chunks, err := f.store.Chunks(ctx, id)
		require.NoError(t, err)
		for _, ch := range chunks {
			assert.Equal(t, id, ch.DocumentID)
			assert.True(t, strings.HasPrefix(ch.ID, id+":"))
			assert.Contains(t, ch.Text, fmt.Sprintf("topic%d", i))
		}
		n, err := f.index.Count(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, doc.ChunkCount, n)
	}
	assert.Zero(t, f.metrics.ActiveWorkers())
}

func TestPipeline_CancelRollsBack(t *testing.T) {
	blocking := newBlockingEmbedder(nil)
	f := newFixture(t, withEmbedder(func(e Embedder) Embedder {
		blocking.Embedder = e
		return blocking
	}))
	doc, err := f.svc.Upload(context.Background(), UploadRequest{Filename: "slow.txt", Content: longText})
	require.NoError(t, err)

	select {
	case <-blocking.started:
	case <-time.After(awaitTimeout):
		t.Fatal("embedding never started")
	}
	got, err := f.svc.GetDocument(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessing, got.Status)

	final, err := f.svc.CancelDocument(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, final.Status)
	assert.Equal(t, "cancelled", final.FailureReason)

	n, err := f.index.Count(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPipeline_QueuedDocumentIsProcessing(t *testing.T) {
	blocking := newBlockingEmbedder(nil)
	f := newFixture(t,
		withEmbedder(func(e Embedder) Embedder {
			blocking.Embedder = e
			return blocking
		}),
		withOptions(func(o *Options) { o.Pipeline.Workers = 1 }),
	)
	ctx := context.Background()
	first, err := f.svc.Upload(ctx, UploadRequest{Filename: "first.txt", Content: longText})
	require.NoError(t, err)
	select {
	case <-blocking.started:
	case <-time.After(awaitTimeout):
		t.Fatal("embedding never started")
	}

	queued, err := f.svc.Upload(ctx, UploadRequest{Filename: "queued.txt", Content: longText})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessing, queued.Status)

	time.Sleep(50 * time.Millisecond)
	got, err := f.svc.GetDocument(ctx, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessing, got.Status, "waiting for a worker slot")

	final, err := f.svc.CancelDocument(ctx, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, final.Status)
	assert.Equal(t, "cancelled", final.FailureReason)

	final, err = f.svc.CancelDocument(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, final.Status)
}

func TestPipeline_Timeout(t *testing.T) {
	blocking := newBlockingEmbedder(nil)
	f := newFixture(t,
		withEmbedder(func(e Embedder) Embedder {
			blocking.Embedder = e
			return blocking
		}),
		withOptions(func(o *Options) { o.Pipeline.Timeout = 20 * time.Millisecond }),
	)
	doc := f.ingest(t, "slow.txt", longText)
	assert.Equal(t, domain.StatusFailed, doc.Status)
	assert.True(t, strings.HasPrefix(doc.FailureReason, "timed out"), doc.FailureReason)
}

func TestPipeline_CancelTerminalDocumentIsNoop(t *testing.T) {
	f := newFixture(t)
	doc := f.ingest(t, "go.txt", longText)
	got, err := f.svc.CancelDocument(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReady, got.Status)

	_, err = f.svc.CancelDocument(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPipeline_Restore(t *testing.T) {
	ctx := context.Background()
	store := storemem.New()
	first := vecmem.NewIndex()
	p1 := NewPipeline(store, first, mustChunker(t), newHashingClient(t), PipelineOptions{Workers: 2}, logger.Nop(), nil)

	var ready []domain.Document
	for _, name := range []string{"a.txt", "b.txt"} {
		doc, err := p1.Upload(ctx, UploadRequest{Filename: name, Content: longText})
		require.NoError(t, err)
		doc, err = p1.Await(ctx, doc.ID)
		require.NoError(t, err)
		require.Equal(t, domain.StatusReady, doc.Status)
		ready = append(ready, doc)
	}
	require.NoError(t, p1.Close(ctx))

	interrupted := domain.Document{ID: "left-over", Filename: "c.txt", Content: longText, Status: domain.StatusPending, CreatedAt: time.Now()}
	require.NoError(t, store.Create(ctx, interrupted))
	_, err := store.UpdateStatus(ctx, interrupted.ID, domain.StatusProcessing, "")
	require.NoError(t, err)

	second := vecmem.NewIndex()
	p2 := NewPipeline(store, second, mustChunker(t), newHashingClient(t), PipelineOptions{Workers: 2}, logger.Nop(), nil)
	t.Cleanup(func() { _ = p2.Close(ctx) })

	sum, err := p2.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, RestoreSummary{Restored: 2, Resubmitted: 1}, sum)

	for _, doc := range ready {
		n, err := second.Count(ctx, doc.ID)
		require.NoError(t, err)
		assert.Equal(t, doc.ChunkCount, n)
	}
	resumed, err := p2.Await(ctx, interrupted.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReady, resumed.Status)
	n, err := second.Count(ctx, interrupted.ID)
	require.NoError(t, err)
	assert.Equal(t, resumed.ChunkCount, n)
}

func TestPipeline_CloseRejectsUploads(t *testing.T) {
	p := NewPipeline(storemem.New(), vecmem.NewIndex(), mustChunker(t), newHashingClient(t), PipelineOptions{}, logger.Nop(), nil)
	require.NoError(t, p.Close(context.Background()))
	_, err := p.Upload(context.Background(), UploadRequest{Filename: "a.txt", Content: "text"})
	assert.ErrorIs(t, err, ErrClosed)
}

func mustChunker(t *testing.T) domain.Chunker {
	t.Helper()
	c, err := chunker.New(200, 40)
	require.NoError(t, err)
	return c
}
