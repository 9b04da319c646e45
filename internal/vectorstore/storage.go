package vectorstore

import (
	"context"
	"math"
	"slices"

	"ragdocs/internal/domain"
)

// Index stores chunk vectors and answers cosine similarity queries.
//
// Insert is atomic per call: concurrent searches observe either none or all
// of a batch. Search returns hits by descending similarity, ties going to the
// entry inserted first, and never returns zero-norm vectors. Remove drops
// every entry of a document and is a no-op for unknown ids.
type Index interface {
	Insert(ctx context.Context, entries []domain.IndexEntry) error
	Search(ctx context.Context, vector []float32, k int) ([]domain.Hit, error)
	Remove(ctx context.Context, documentID string) error
	// Count returns the number of entries of a document, or of the whole
	// index when documentID is empty.
	Count(ctx context.Context, documentID string) (int, error)
	Close() error
}

// Norm returns the Euclidean length of v.
func Norm(v []float32) float64 {
	sum := 0.0
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// Cosine returns the cosine similarity of a and b given their norms, or 0 if
// either is zero.
func Cosine(a, b []float32, normA, normB float64) float64 {
	if normA == 0 || normB == 0 {
		return 0
	}
	n := min(len(a), len(b))
	dot := 0.0
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot / (normA * normB)
}

// SortHits orders hits by descending similarity, then ascending insertion sequence.
func SortHits(hits []domain.Hit) {
	slices.SortFunc(hits, func(a, b domain.Hit) int {
		switch {
		case a.Similarity > b.Similarity:
			return -1
		case a.Similarity < b.Similarity:
			return 1
		case a.Seq < b.Seq:
			return -1
		case a.Seq > b.Seq:
			return 1
		}
		return 0
	})
}
