package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragdocs/internal/domain"
)

func newTestGenerator(t *testing.T, h http.HandlerFunc) *Generator {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	t.Setenv("TEST_OPENAI_KEY", "sk-test")
	g, err := New(Config{BaseURL: srv.URL, APIKeyEnv: "TEST_OPENAI_KEY", Model: "gpt-4o-mini"})
	require.NoError(t, err)
	return g
}

func TestNew_MissingKey(t *testing.T) {
	t.Setenv("TEST_OPENAI_KEY", "")
	_, err := New(Config{APIKeyEnv: "TEST_OPENAI_KEY"})
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestGenerate_SendsMessages(t *testing.T) {
	g := newTestGenerator(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		var body struct {
			Model     string `json:"model"`
			MaxTokens int    `json:"max_tokens"`
			Messages  []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "gpt-4o", body.Model)
		assert.Equal(t, 128, body.MaxTokens)
		require.Len(t, body.Messages, 2)
		assert.Equal(t, "system", body.Messages[0].Role)
		assert.Equal(t, "answer from excerpts", body.Messages[0].Content)
		assert.Equal(t, "user", body.Messages[1].Role)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","choices":[
			{"index":0,"message":{"role":"assistant","content":"  Deep learning uses layers [1].  "},"finish_reason":"stop"}
		]}`))
	})

	out, err := g.Generate(context.Background(), domain.GenerateRequest{
		Model:     "gpt-4o",
		System:    "answer from excerpts",
		Prompt:    "What is deep learning?",
		MaxTokens: 128,
	})
	require.NoError(t, err)
	assert.Equal(t, "Deep learning uses layers [1].", out)
}

func TestGenerate_NoChoices(t *testing.T) {
	g := newTestGenerator(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","choices":[]}`))
	})
	_, err := g.Generate(context.Background(), domain.GenerateRequest{Prompt: "x"})
	assert.Error(t, err)
}

func TestGenerate_ClassifiesErrors(t *testing.T) {
	for status, transient := range map[int]bool{
		http.StatusTooManyRequests:     true,
		http.StatusBadGateway:          true,
		http.StatusBadRequest:          false,
		http.StatusUnprocessableEntity: false,
	} {
		g := newTestGenerator(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":{"message":"nope","type":"test_error"}}`))
		})
		_, err := g.Generate(context.Background(), domain.GenerateRequest{Prompt: "x"})
		require.Error(t, err)
		assert.Equal(t, transient, domain.IsTransient(err), "status %d", status)
	}
}
