package summarizer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragdocs/internal/domain"
)

func TestGenerate_PicksQueryRelevantSentences(t *testing.T) {
	s := NewFrequencySummarizer(1)
	answer, err := s.Generate(context.Background(), domain.GenerateRequest{
		Query: "what is deep learning",
		Context: []string{
			"Machine learning is a subset of AI. It improves with experience.",
			"Deep learning uses neural networks with many layers. It powers image recognition.",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "Deep learning uses neural networks with many layers. [2]", answer)
}

func TestGenerate_KeepsOriginalOrder(t *testing.T) {
	s := NewFrequencySummarizer(3)
	answer, err := s.Generate(context.Background(), domain.GenerateRequest{
		Query:   "rust ownership",
		Context: []string{"Ownership is central to Rust. Borrowing follows ownership.", "Rust has no garbage collector."},
	})
	require.NoError(t, err)
	assert.Equal(t, "Ownership is central to Rust. [1] Borrowing follows ownership. [1] Rust has no garbage collector. [2]", answer)
}

func TestGenerate_Errors(t *testing.T) {
	s := NewFrequencySummarizer(2)
	_, err := s.Generate(context.Background(), domain.GenerateRequest{Query: "q"})
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Generate(ctx, domain.GenerateRequest{Query: "q", Context: []string{"text."}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSummarize(t *testing.T) {
	s := NewFrequencySummarizer(2)
	text := "Go has goroutines. Goroutines are cheap. Channels connect goroutines. The weather is nice."
	summary := s.Summarize(text, 2)
	assert.Equal(t, "Go has goroutines. Channels connect goroutines.", summary)
	assert.Equal(t, "", s.Summarize("", 2))
	assert.Equal(t, "extractive", s.Name())
}
