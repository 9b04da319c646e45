// Package storetest holds behaviour shared by every domain.DocumentStore.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragdocs/internal/domain"
)

// Factory returns a fresh, empty store.
type Factory func(t *testing.T) domain.DocumentStore

// Run exercises a store implementation.
func Run(t *testing.T, newStore Factory) {
	t.Run("CreateGetList", func(t *testing.T) { testCreateGetList(t, newStore(t)) })
	t.Run("StatusTransitions", func(t *testing.T) { testStatusTransitions(t, newStore(t)) })
	t.Run("Chunks", func(t *testing.T) { testChunks(t, newStore(t)) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, newStore(t)) })
	t.Run("AnswerHistory", func(t *testing.T) { testAnswerHistory(t, newStore(t)) })
	t.Run("ConcurrentWrites", func(t *testing.T) { testConcurrentWrites(t, newStore(t)) })
}

// Doc returns a pending document.
func Doc(id string) domain.Document {
	return domain.Document{
		ID:       id,
		Filename: id + ".txt",
		Content:  "content of " + id,
		Metadata: map[string]string{"author": "tester"},
		Status:   domain.StatusPending,
	}
}

func testCreateGetList(t *testing.T, s domain.DocumentStore) {
	ctx := context.Background()
	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, s.Create(ctx, Doc(id)))
	}
	assert.Error(t, s.Create(ctx, Doc("a")), "duplicate id")

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "a.txt", got.Filename)
	assert.Equal(t, "content of a", got.Content)
	assert.Equal(t, "tester", got.Metadata["author"])
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.False(t, got.CreatedAt.IsZero())

	got.Metadata["author"] = "mutated"
	again, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "tester", again.Metadata["author"])

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []string{"c", "a", "b"}, []string{list[0].ID, list[1].ID, list[2].ID})
}

func testStatusTransitions(t *testing.T, s domain.DocumentStore) {
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, Doc("d")))

	_, err := s.UpdateStatus(ctx, "d", domain.StatusReady, "")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	d, err := s.UpdateStatus(ctx, "d", domain.StatusProcessing, "")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessing, d.Status)

	d, err = s.UpdateStatus(ctx, "d", domain.StatusFailed, "embedding provider down")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, d.Status)
	assert.Equal(t, "embedding provider down", d.FailureReason)

	_, err = s.UpdateStatus(ctx, "d", domain.StatusProcessing, "")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	_, err = s.UpdateStatus(ctx, "d", domain.StatusReady, "")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	got, err := s.Get(ctx, "d")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)

	_, err = s.UpdateStatus(ctx, "missing", domain.StatusProcessing, "")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func testChunks(t *testing.T, s domain.DocumentStore) {
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, Doc("d")))
	chunks := []domain.Chunk{
		{ID: "d:0", DocumentID: "d", Index: 0, Span: domain.Span{Start: 0, End: 7}, Text: "content", Embedding: []float32{0.5, -1.25}},
		{ID: "d:1", DocumentID: "d", Index: 1, Span: domain.Span{Start: 5, End: 15}, Text: "nt of d", Embedding: []float32{3, 4}},
	}
	require.NoError(t, s.SaveChunks(ctx, "d", chunks))

	got, err := s.Chunks(ctx, "d")
	require.NoError(t, err)
	assert.Equal(t, chunks, got)

	doc, err := s.Get(ctx, "d")
	require.NoError(t, err)
	assert.Equal(t, 2, doc.ChunkCount)

	require.NoError(t, s.DeleteChunks(ctx, "d"))
	got, err = s.Chunks(ctx, "d")
	require.NoError(t, err)
	assert.Empty(t, got)
	doc, err = s.Get(ctx, "d")
	require.NoError(t, err)
	assert.Zero(t, doc.ChunkCount)

	require.NoError(t, s.DeleteChunks(ctx, "unknown"))
}

func testDelete(t *testing.T, s domain.DocumentStore) {
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, Doc("d")))
	require.NoError(t, s.SaveChunks(ctx, "d", []domain.Chunk{{ID: "d:0", DocumentID: "d", Text: "x", Embedding: []float32{1}}}))

	require.NoError(t, s.Delete(ctx, "d"))
	_, err := s.Get(ctx, "d")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	chunks, err := s.Chunks(ctx, "d")
	require.NoError(t, err)
	assert.Empty(t, chunks)

	assert.ErrorIs(t, s.Delete(ctx, "d"), domain.ErrNotFound)
}

func testAnswerHistory(t *testing.T, s domain.DocumentStore) {
	ctx := context.Background()
	empty, err := s.Answers(ctx)
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)

	for i := 0; i < 5; i++ {
		rec, err := s.AppendAnswer(ctx, domain.AnswerRecord{
			Query:      fmt.Sprintf("question %d", i),
			Model:      "extractive",
			Answer:     "answer",
			Answered:   true,
			Confidence: 0.5,
			CreatedAt:  time.Date(2024, 1, 1, 0, 0, 5-i, 0, time.UTC),
		})
		require.NoError(t, err)
		assert.NotZero(t, rec.ID)
	}

	got, err := s.Answers(ctx)
	require.NoError(t, err)
	require.Len(t, got, 5)
	for i, rec := range got {
		assert.Equal(t, fmt.Sprintf("question %d", i), rec.Query, "insertion order, not timestamp order")
		if i > 0 {
			assert.Greater(t, rec.ID, got[i-1].ID)
		}
	}
}

func testConcurrentWrites(t *testing.T, s domain.DocumentStore) {
	ctx := context.Background()
	const n = 10
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := fmt.Sprintf("doc-%d", i)
			if !assert.NoError(t, s.Create(ctx, Doc(id))) {
				return
			}
			_, err := s.UpdateStatus(ctx, id, domain.StatusProcessing, "")
			assert.NoError(t, err)
			assert.NoError(t, s.SaveChunks(ctx, id, []domain.Chunk{{ID: id + ":0", DocumentID: id, Text: id, Embedding: []float32{float32(i)}}}))
			_, err = s.UpdateStatus(ctx, id, domain.StatusReady, "")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, n)
	for _, d := range list {
		assert.Equal(t, domain.StatusReady, d.Status)
		chunks, err := s.Chunks(ctx, d.ID)
		require.NoError(t, err)
		require.Len(t, chunks, 1)
		assert.Equal(t, d.ID, chunks[0].DocumentID)
	}
}
