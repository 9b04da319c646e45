package tui

import (
	"context"
	"errors"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragdocs/internal/domain"
)

type fakePort struct {
	results []domain.SearchResult
	answer  domain.AnswerResult
	err     error

	queries []string
	models  []string
}

func (f *fakePort) Search(_ context.Context, query string, _ int) ([]domain.SearchResult, error) {
	f.queries = append(f.queries, query)
	return f.results, f.err
}

func (f *fakePort) Answer(_ context.Context, query, model string) (domain.AnswerResult, error) {
	f.queries = append(f.queries, query)
	f.models = append(f.models, model)
	return f.answer, f.err
}

func result(name, text string, sim float64) domain.SearchResult {
	return domain.SearchResult{
		Document:   domain.Document{ID: name, Filename: name + ".txt"},
		Similarity: sim,
		Chunks:     []domain.ScoredChunk{{Chunk: domain.Chunk{Text: text}, Similarity: sim}},
	}
}

// submit types q, presses enter and feeds the command's message back.
func submit(t *testing.T, m Model, q string) Model {
	t.Helper()
	m.input.SetValue(q)
	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	require.NotNil(t, cmd)
	m = next.(Model)
	assert.True(t, m.busy)
	next, _ = m.Update(cmd())
	return next.(Model)
}

func sized(m Model) Model {
	next, _ := m.Update(tea.WindowSizeMsg{Width: 100, Height: 40})
	return next.(Model)
}

func TestModel_Search(t *testing.T) {
	port := &fakePort{results: []domain.SearchResult{
		result("ml", "Machine learning is a subset of AI. It learns from data.", 0.9),
		result("go", "Go has goroutines.", 0.2),
	}}
	m := sized(New(port, "2 documents", ""))

	m = submit(t, m, "machine learning")
	assert.False(t, m.busy)
	assert.Equal(t, []string{"machine learning"}, port.queries)
	require.Len(t, m.results, 2)
	assert.Contains(t, m.status, `2 results for "machine learning"`)
	assert.Contains(t, m.render(), "ml.txt")

	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyDown})
	m = next.(Model)
	assert.Equal(t, 1, m.cursor)
	assert.Contains(t, m.render(), "go.txt")

	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyDown})
	m = next.(Model)
	assert.Equal(t, 0, m.cursor, "cursor wraps")

	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyUp})
	m = next.(Model)
	assert.Equal(t, 1, m.cursor)
}

func TestModel_AskMode(t *testing.T) {
	text := "AI is the study of intelligent machines. [1]"
	port := &fakePort{answer: domain.AnswerResult{
		Query:         "what is ai",
		Model:         "extractive",
		Answer:        &text,
		Confidence:    0.8,
		SearchResults: 1,
		Sources:       []domain.Source{{DocumentID: "ai", Filename: "ai.txt", Excerpt: "AI is the study"}},
	}}
	m := sized(New(port, "", "claude-3-5-haiku-latest"))

	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyTab})
	m = next.(Model)
	assert.Equal(t, modeAsk, m.mode)
	assert.Contains(t, m.View(), "[ask]")

	m = submit(t, m, "what is ai")
	assert.Equal(t, []string{"claude-3-5-haiku-latest"}, port.models)
	require.NotNil(t, m.answer)
	out := m.render()
	assert.Contains(t, out, "intelligent machines")
	assert.Contains(t, out, "confidence=0.80")
	assert.Contains(t, out, "[1] ai.txt")

	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyTab})
	assert.Equal(t, modeSearch, next.(Model).mode)
}

func TestModel_AskWithoutEvidence(t *testing.T) {
	port := &fakePort{answer: domain.AnswerResult{Query: "q", Model: "extractive", Sources: []domain.Source{}}}
	m := sized(New(port, "", ""))
	m.mode = modeAsk
	m = submit(t, m, "q")
	assert.Contains(t, m.render(), "No relevant documents found.")
}

func TestModel_ErrorIsShown(t *testing.T) {
	port := &fakePort{err: errors.New("index offline")}
	m := sized(New(port, "", ""))
	m = submit(t, m, "anything")
	assert.Equal(t, "Error: index offline", m.status)
	assert.Equal(t, "No results yet.", m.render())
}

func TestModel_IgnoresBlankQuery(t *testing.T) {
	port := &fakePort{}
	m := New(port, "", "")
	m.input.SetValue("   ")
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	assert.Nil(t, cmd)
	assert.Empty(t, port.queries)
}

func TestModel_ViewBeforeSize(t *testing.T) {
	assert.Equal(t, "Loading...", New(&fakePort{}, "", "").View())
}

func TestHighlightBestSentence(t *testing.T) {
	text := "Cats sleep a lot. Neural networks have many layers. Dogs bark."
	out := highlightBestSentence(text, "neural layers")
	for _, s := range []string{"Cats sleep a lot.", "Neural networks have many layers.", "Dogs bark."} {
		assert.Contains(t, out, s)
	}
	assert.Contains(t, highlightBestSentence(text, ""), "Dogs bark.")
	assert.Equal(t, "  ", highlightBestSentence("  ", "q"))
}

func TestTokenOverlapScore(t *testing.T) {
	q := toTokenSet("Neural networks, NEURAL layers")
	assert.Len(t, q, 3)
	assert.Equal(t, 2, tokenOverlapScore(q, "neural neural networks rock"))
	assert.Equal(t, 0, tokenOverlapScore(q, "nothing here"))
	assert.Contains(t, toTokenSet("don’t stop"), "don’t")
}
