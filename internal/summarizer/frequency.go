// Package summarizer implements the offline extractive generator: it answers
// by selecting the retrieved sentences that best cover the query.
package summarizer

import (
	"context"
	"errors"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"ragdocs/internal/domain"
)

// Name is the model name the extractive generator answers to.
const Name = "extractive"

var sentenceRe = regexp.MustCompile(`(?s)[^.!?]+(?:[.!?]+|$)`)

// FrequencySummarizer ranks sentences by word frequency (stopwords filtered)
// and, when a query is given, by how many query terms they contain.
type FrequencySummarizer struct {
	tokenPattern *regexp.Regexp
	stopwords    map[string]struct{}
	maxSentences int
}

// NewFrequencySummarizer creates a frequency-based sentence ranker.
func NewFrequencySummarizer(maxSentences int) *FrequencySummarizer {
	if maxSentences <= 0 {
		maxSentences = 3
	}
	return &FrequencySummarizer{
		tokenPattern: regexp.MustCompile(`\p{L}+(?:['’]\p{L}+)*|\p{N}+`),
		stopwords:    defaultStopwords(),
		maxSentences: maxSentences,
	}
}

// Name returns the identifier of this generator.
func (s *FrequencySummarizer) Name() string { return Name }

type sentence struct {
	source int // 1-based excerpt number
	pos    int
	text   string
	score  float64
}

// Generate answers from req.Context, citing excerpts as [n].
func (s *FrequencySummarizer) Generate(ctx context.Context, req domain.GenerateRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(req.Context) == 0 {
		return "", errors.New("extractive generator needs context")
	}
	var sentences []sentence
	for i, excerpt := range req.Context {
		for j, sent := range s.split(excerpt) {
			sentences = append(sentences, sentence{source: i + 1, pos: j, text: sent})
		}
	}
	if len(sentences) == 0 {
		return "", errors.New("context contains no sentences")
	}

	texts := make([]string, len(sentences))
	for i, sent := range sentences {
		texts[i] = sent.text
	}
	freq := s.frequencies(texts)
	query := s.termSet(req.Query)
	for i := range sentences {
		sentences[i].score = s.score(sentences[i].text, freq, query)
	}

	picked := s.top(sentences, s.maxSentences)
	var out []string
	for _, sent := range picked {
		out = append(out, sent.text+" ["+strconv.Itoa(sent.source)+"]")
	}
	return strings.Join(out, " "), nil
}

// Summarize returns a short summary by ranking sentences using token frequency.
func (s *FrequencySummarizer) Summarize(text string, maxSentences int) string {
	if maxSentences <= 0 {
		maxSentences = s.maxSentences
	}
	parts := s.split(text)
	if len(parts) == 0 {
		return strings.TrimSpace(text)
	}
	freq := s.frequencies(parts)
	sentences := make([]sentence, len(parts))
	for i, p := range parts {
		sentences[i] = sentence{pos: i, text: p, score: s.score(p, freq, nil)}
	}
	var out []string
	for _, sent := range s.top(sentences, maxSentences) {
		out = append(out, sent.text)
	}
	return strings.Join(out, " ")
}

// top keeps the n best sentences in their original order.
func (s *FrequencySummarizer) top(sentences []sentence, n int) []sentence {
	ranked := make([]sentence, len(sentences))
	copy(ranked, sentences)
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
	if n > len(ranked) {
		n = len(ranked)
	}
	ranked = ranked[:n]
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].source != ranked[j].source {
			return ranked[i].source < ranked[j].source
		}
		return ranked[i].pos < ranked[j].pos
	})
	return ranked
}

func (s *FrequencySummarizer) split(text string) []string {
	var out []string
	for _, m := range sentenceRe.FindAllString(text, -1) {
		if t := strings.Join(strings.Fields(m), " "); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// frequencies returns term frequencies normalized by the most frequent term.
func (s *FrequencySummarizer) frequencies(sentences []string) map[string]float64 {
	freq := map[string]float64{}
	for _, sent := range sentences {
		for _, tok := range s.tokens(sent) {
			freq[tok]++
		}
	}
	maxF := 0.0
	for _, v := range freq {
		if v > maxF {
			maxF = v
		}
	}
	if maxF > 0 {
		for k, v := range freq {
			freq[k] = v / maxF
		}
	}
	return freq
}

func (s *FrequencySummarizer) score(sent string, freq map[string]float64, query map[string]struct{}) float64 {
	toks := s.tokens(sent)
	if len(toks) == 0 {
		return 0
	}
	score := 0.0
	hits := map[string]struct{}{}
	for _, tok := range toks {
		score += freq[tok]
		if _, ok := query[tok]; ok {
			hits[tok] = struct{}{}
		}
	}
	// Normalize by sentence length to avoid bias
	score /= math.Sqrt(float64(len(toks)))
	return score + 2*float64(len(hits))
}

func (s *FrequencySummarizer) termSet(text string) map[string]struct{} {
	m := map[string]struct{}{}
	for _, t := range s.tokens(text) {
		m[t] = struct{}{}
	}
	return m
}

func (s *FrequencySummarizer) tokens(text string) []string {
	raw := s.tokenPattern.FindAllString(strings.ToLower(text), -1)
	out := raw[:0]
	for _, t := range raw {
		if _, isStop := s.stopwords[t]; isStop {
			continue
		}
		out = append(out, t)
	}
	return out
}

func defaultStopwords() map[string]struct{} {
	words := []string{
		"a", "an", "the", "and", "or", "but", "if", "then", "else", "for", "to", "of", "in", "on", "at", "by", "with", "as", "is", "are", "was", "were", "be", "been", "being", "it", "this", "that", "these", "those", "from", "up", "down", "over", "under", "again", "further", "than", "so", "such", "into", "about", "between", "through", "during", "before", "after", "above", "below", "out", "off", "own", "same", "too", "very", "can", "will", "just", "don", "should", "now",
		"what", "which", "who", "how", "does", "do",
	}
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}
