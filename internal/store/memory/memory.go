// Package memory provides a process-local document store.
package memory

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"ragdocs/internal/domain"
)

var errClosed = errors.New("store closed")

// Store keeps documents, chunks and answer history in memory. It is safe for
// concurrent use. Returned values are copies.
type Store struct {
	mu         sync.RWMutex
	docs       map[string]*domain.Document
	order      []string
	chunks     map[string][]domain.Chunk
	answers    []domain.AnswerRecord
	nextAnswer uint64
	closed     bool
}

// New returns an empty store.
func New() *Store {
	return &Store{
		docs:   make(map[string]*domain.Document),
		chunks: make(map[string][]domain.Chunk),
	}
}

func cloneDoc(d *domain.Document) domain.Document {
	out := *d
	out.Metadata = maps.Clone(d.Metadata)
	return out
}

func (s *Store) Create(_ context.Context, doc domain.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	if _, ok := s.docs[doc.ID]; ok {
		return fmt.Errorf("document %s already exists: %w", doc.ID, domain.ErrInvalidInput)
	}
	now := time.Now().UTC()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = doc.CreatedAt
	c := cloneDoc(&doc)
	s.docs[doc.ID] = &c
	s.order = append(s.order, doc.ID)
	return nil
}

func (s *Store) Get(_ context.Context, id string) (domain.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.docs[id]
	if !ok {
		return domain.Document{}, &domain.NotFoundError{Kind: "document", ID: id}
	}
	return cloneDoc(d), nil
}

func (s *Store) List(_ context.Context) ([]domain.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Document, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, cloneDoc(s.docs[id]))
	}
	return out, nil
}

func (s *Store) UpdateStatus(_ context.Context, id string, status domain.Status, reason string) (domain.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[id]
	if !ok {
		return domain.Document{}, &domain.NotFoundError{Kind: "document", ID: id}
	}
	if !d.Status.CanTransition(status) {
		return cloneDoc(d), fmt.Errorf("document %s: %s -> %s: %w", id, d.Status, status, domain.ErrInvalidTransition)
	}
	d.Status = status
	d.FailureReason = ""
	if status == domain.StatusFailed {
		d.FailureReason = reason
	}
	d.UpdatedAt = time.Now().UTC()
	return cloneDoc(d), nil
}

func (s *Store) SaveChunks(_ context.Context, documentID string, chunks []domain.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[documentID]
	if !ok {
		return &domain.NotFoundError{Kind: "document", ID: documentID}
	}
	cp := make([]domain.Chunk, len(chunks))
	for i, c := range chunks {
		c.Embedding = slices.Clone(c.Embedding)
		cp[i] = c
	}
	s.chunks[documentID] = cp
	d.ChunkCount = len(cp)
	return nil
}

func (s *Store) Chunks(_ context.Context, documentID string) ([]domain.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.chunks[documentID]
	out := make([]domain.Chunk, len(src))
	for i, c := range src {
		c.Embedding = slices.Clone(c.Embedding)
		out[i] = c
	}
	return out, nil
}

func (s *Store) DeleteChunks(_ context.Context, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.chunks, documentID)
	if d, ok := s.docs[documentID]; ok {
		d.ChunkCount = 0
	}
	return nil
}

func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[id]; !ok {
		return &domain.NotFoundError{Kind: "document", ID: id}
	}
	delete(s.docs, id)
	delete(s.chunks, id)
	s.order = slices.DeleteFunc(s.order, func(x string) bool { return x == id })
	return nil
}

func (s *Store) AppendAnswer(_ context.Context, rec domain.AnswerRecord) (domain.AnswerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.AnswerRecord{}, errClosed
	}
	s.nextAnswer++
	rec.ID = s.nextAnswer
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	s.answers = append(s.answers, rec)
	return rec, nil
}

func (s *Store) Answers(_ context.Context) ([]domain.AnswerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.AnswerRecord{}, s.answers...), nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
