package vectorstore

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"ragdocs/internal/domain"
)

func TestCosine(t *testing.T) {
	a := []float32{3, 4}
	b := []float32{4, 3}
	assert.InDelta(t, 0.96, Cosine(a, b, Norm(a), Norm(b)), 1e-9)
	assert.Zero(t, Cosine(a, []float32{0, 0}, Norm(a), 0))
	assert.InDelta(t, 5.0, Norm(a), 1e-9)
}

func TestSortHits(t *testing.T) {
	hits := []domain.Hit{
		{Similarity: 0.5, Seq: 3},
		{Similarity: 0.9, Seq: 7},
		{Similarity: 0.5, Seq: 1},
		{Similarity: 0.9, Seq: 2},
	}
	SortHits(hits)
	var seqs []uint64
	for _, h := range hits {
		seqs = append(seqs, h.Seq)
	}
	assert.Equal(t, []uint64{2, 7, 1, 3}, seqs)
}
