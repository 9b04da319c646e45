package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"ragdocs/internal/domain"
	"ragdocs/internal/vectorstore"
)

// Index is an in-memory vector index using brute-force cosine similarity.
//
// The contents live in an immutable snapshot published through an atomic
// pointer. Readers never lock; writers serialize on a mutex, copy the
// segments they touch and publish a new snapshot. Vectors handed to Insert
// are owned by the index afterwards.
type Index struct {
	mu   sync.Mutex // serializes writers
	snap atomic.Pointer[snapshot]
	seq  uint64
}

type entry struct {
	domain.IndexEntry
	seq  uint64
	norm float64
}

// snapshot is never modified after publication.
type snapshot struct {
	dimension int
	count     int
	segments  map[string][]entry // by document id
}

var errClosed = errors.New("index closed")

// NewIndex returns an empty index. Dimension is fixed by the first insert.
func NewIndex() *Index {
	idx := &Index{}
	idx.snap.Store(&snapshot{segments: map[string][]entry{}})
	return idx
}

// Insert adds entries atomically. Duplicate chunk ids, empty vectors and
// dimension mismatches reject the whole batch.
func (x *Index) Insert(ctx context.Context, entries []domain.IndexEntry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	x.mu.Lock()
	defer x.mu.Unlock()

	cur := x.snap.Load()
	if cur == nil {
		return &domain.IndexWriteError{Op: "insert", DocumentID: entries[0].DocumentID, Err: errClosed}
	}
	dim := cur.dimension
	if cur.count == 0 {
		dim = len(entries[0].Vector)
	}

	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		fail := func(format string, args ...any) error {
			return &domain.IndexWriteError{Op: "insert", DocumentID: e.DocumentID, Err: fmt.Errorf(format, args...)}
		}
		switch {
		case e.ChunkID == "":
			return fail("entry without chunk id")
		case len(e.Vector) == 0:
			return fail("chunk %s has an empty vector", e.ChunkID)
		case len(e.Vector) != dim:
			return fail("chunk %s has dimension %d, index has %d", e.ChunkID, len(e.Vector), dim)
		}
		if _, dup := seen[e.ChunkID]; dup {
			return fail("duplicate chunk id %s in batch", e.ChunkID)
		}
		seen[e.ChunkID] = struct{}{}
		for _, old := range cur.segments[e.DocumentID] {
			if old.ChunkID == e.ChunkID {
				return fail("chunk %s already indexed", e.ChunkID)
			}
		}
	}

	next := &snapshot{
		dimension: dim,
		count:     cur.count + len(entries),
		segments:  make(map[string][]entry, len(cur.segments)+1),
	}
	for id, seg := range cur.segments {
		next.segments[id] = seg
	}
	touched := make(map[string]bool)
	for _, e := range entries {
		seg := next.segments[e.DocumentID]
		if !touched[e.DocumentID] {
			seg = append(make([]entry, 0, len(seg)+len(entries)), seg...)
			touched[e.DocumentID] = true
		}
		x.seq++
		next.segments[e.DocumentID] = append(seg, entry{IndexEntry: e, seq: x.seq, norm: vectorstore.Norm(e.Vector)})
	}
	x.snap.Store(next)
	return nil
}

// Search returns up to k entries most similar to vector.
func (x *Index) Search(ctx context.Context, vector []float32, k int) ([]domain.Hit, error) {
	snap := x.snap.Load()
	if snap == nil {
		return nil, errClosed
	}
	if k <= 0 || snap.count == 0 {
		return []domain.Hit{}, nil
	}
	if len(vector) != snap.dimension {
		return nil, fmt.Errorf("query dimension %d, index dimension %d: %w", len(vector), snap.dimension, domain.ErrInvalidInput)
	}
	qnorm := vectorstore.Norm(vector)
	if qnorm == 0 {
		return []domain.Hit{}, nil
	}

	hits := make([]domain.Hit, 0, snap.count)
	for _, seg := range snap.segments {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, e := range seg {
			if e.norm == 0 {
				continue
			}
			hits = append(hits, domain.Hit{
				Entry:      e.IndexEntry,
				Similarity: vectorstore.Cosine(e.Vector, vector, e.norm, qnorm),
				Seq:        e.seq,
			})
		}
	}
	vectorstore.SortHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Remove drops every entry of a document.
func (x *Index) Remove(ctx context.Context, documentID string) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	cur := x.snap.Load()
	if cur == nil {
		return &domain.IndexWriteError{Op: "remove", DocumentID: documentID, Err: errClosed}
	}
	seg, ok := cur.segments[documentID]
	if !ok {
		return nil
	}
	next := &snapshot{
		dimension: cur.dimension,
		count:     cur.count - len(seg),
		segments:  make(map[string][]entry, len(cur.segments)),
	}
	for id, s := range cur.segments {
		if id != documentID {
			next.segments[id] = s
		}
	}
	x.snap.Store(next)
	return nil
}

// Count returns the number of entries of documentID, or all entries when empty.
func (x *Index) Count(_ context.Context, documentID string) (int, error) {
	snap := x.snap.Load()
	if snap == nil {
		return 0, errClosed
	}
	if documentID == "" {
		return snap.count, nil
	}
	return len(snap.segments[documentID]), nil
}

// Close releases the contents. Later calls fail.
func (x *Index) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.snap.Store(nil)
	return nil
}
