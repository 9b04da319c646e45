package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragdocs/internal/chunker"
	"ragdocs/internal/domain"
	"ragdocs/internal/embedding"
	"ragdocs/internal/embedding/hashing"
	"ragdocs/internal/llm"
	"ragdocs/internal/logger"
	"ragdocs/internal/metrics"
	"ragdocs/internal/service"
	storemem "ragdocs/internal/store/memory"
	"ragdocs/internal/summarizer"
	vecmem "ragdocs/internal/vectorstore/memory"
)

type failingGenerator struct{}

func (failingGenerator) Name() string { return "broken" }
func (failingGenerator) Generate(context.Context, domain.GenerateRequest) (string, error) {
	return "", errors.New("upstream 500")
}

type testServer struct {
	svc     *service.RAGService
	metrics *metrics.Metrics
	srv     *Server
	handler http.Handler
}

func newTestServer(t *testing.T, gen domain.Generator) *testServer {
	t.Helper()
	provider, err := hashing.NewEmbedder(0)
	require.NoError(t, err)
	client, err := embedding.NewClient(provider, embedding.DefaultOptions())
	require.NoError(t, err)
	ch, err := chunker.New(500, 50)
	require.NoError(t, err)
	if gen == nil {
		gen = summarizer.NewFrequencySummarizer(2)
	}
	m := metrics.New()
	svc := service.NewRAGService(service.Deps{
		Store:    storemem.New(),
		Index:    vecmem.NewIndex(),
		Chunker:  ch,
		Embedder: client,
		Models:   llm.NewRegistry(gen),
		Logger:   logger.Nop(),
		Metrics:  m,
	}, service.Options{Pipeline: service.PipelineOptions{Workers: 2}})
	t.Cleanup(func() { _ = svc.Close(context.Background()) })
	srv := New(svc, m, logger.Nop(), Options{BodyLimit: "1M"})
	return &testServer{svc: svc, metrics: m, srv: srv, handler: srv.Handler()}
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// uploadReady uploads a document and waits until it is processed.
func (ts *testServer) uploadReady(t *testing.T, filename, content string) string {
	t.Helper()
	body, err := json.Marshal(map[string]any{"filename": filename, "content": content, "metadata": map[string]string{"source": "test"}})
	require.NoError(t, err)
	rec := ts.do(t, http.MethodPost, "/api/documents/upload", string(body))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[uploadResponse](t, rec)
	assert.Equal(t, filename, resp.Filename)
	assert.Equal(t, domain.StatusProcessing, resp.Status)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	doc, err := ts.svc.AwaitDocument(ctx, resp.DocumentID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusReady, doc.Status)
	return resp.DocumentID
}

const mlText = "Machine learning is a subset of AI. Deep learning uses neural networks."

func TestHealth(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestDocumentsLifecycle(t *testing.T) {
	ts := newTestServer(t, nil)
	id := ts.uploadReady(t, "ml.txt", mlText)

	rec := ts.do(t, http.MethodGet, "/api/documents", "")
	require.Equal(t, http.StatusOK, rec.Code)
	docs := decode[[]map[string]any](t, rec)
	require.Len(t, docs, 1)
	assert.Equal(t, id, docs[0]["id"])
	assert.Equal(t, "ready", docs[0]["status"])
	assert.NotContains(t, docs[0], "content")

	rec = ts.do(t, http.MethodGet, "/api/documents/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)
	doc := decode[domain.Document](t, rec)
	assert.Equal(t, mlText, doc.Content)
	assert.Equal(t, "test", doc.Metadata["source"])

	rec = ts.do(t, http.MethodDelete, "/api/documents/"+id, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/documents/"+id, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, CodeNotFound, decode[errorResponse](t, rec).Code)

	rec = ts.do(t, http.MethodDelete, "/api/documents/"+id, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpload_Invalid(t *testing.T) {
	ts := newTestServer(t, nil)
	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"filename":`},
		{"missing filename", `{"content":"text"}`},
		{"empty content", `{"filename":"a.txt","content":""}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/api/documents/upload", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, CodeInvalidInput, decode[errorResponse](t, rec).Code)
		})
	}
}

func TestSearch(t *testing.T) {
	ts := newTestServer(t, nil)
	id := ts.uploadReady(t, "ml.txt", mlText)

	rec := ts.do(t, http.MethodPost, "/api/search", `{"query":"What is deep learning?","maxResults":3}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[searchResponse](t, rec)
	assert.Equal(t, "What is deep learning?", resp.Query)
	require.Equal(t, 1, resp.TotalResults)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, id, resp.Results[0].Document.ID)
	assert.Empty(t, resp.Results[0].Document.Content)
	require.NotEmpty(t, resp.Results[0].Chunks)
	c := resp.Results[0].Chunks[0]
	assert.Contains(t, c.Text, "Deep learning uses neural networks")
	assert.Equal(t, 0, c.Start)
	assert.Equal(t, len(mlText), c.End)

	rec = ts.do(t, http.MethodPost, "/api/search", `{"query":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSearch_EmptyIndex(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(t, http.MethodPost, "/api/search", `{"query":"anything"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"query":"anything","totalResults":0,"results":[]}`, rec.Body.String())
}

func TestAsk(t *testing.T) {
	ts := newTestServer(t, nil)
	id := ts.uploadReady(t, "ml.txt", mlText)

	rec := ts.do(t, http.MethodPost, "/api/ask-documents", `{"query":"What is deep learning?","model":"extractive"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[domain.AnswerResult](t, rec)
	require.NotNil(t, res.Answer)
	assert.Contains(t, *res.Answer, "Deep learning")
	assert.Equal(t, "extractive", res.Model)
	assert.Equal(t, 1, res.SearchResults)
	assert.InDelta(t, 0.5, res.Confidence, 0.5)
	require.Len(t, res.Sources, 1)
	assert.Equal(t, id, res.Sources[0].DocumentID)
	assert.Equal(t, "ml.txt", res.Sources[0].Filename)

	rec = ts.do(t, http.MethodGet, "/api/answers/history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	history := decode[[]domain.AnswerRecord](t, rec)
	require.Len(t, history, 1)
	assert.Equal(t, "What is deep learning?", history[0].Query)
}

func TestAsk_NoDocuments(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(t, http.MethodPost, "/api/ask-documents", `{"query":"What is deep learning?"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Nil(t, body["answer"])
	assert.Equal(t, 0.0, body["confidence"])
	assert.Equal(t, []any{}, body["sources"])
	assert.Equal(t, 0.0, body["searchResults"])
}

func TestAsk_SynthesisFailureKeepsSources(t *testing.T) {
	ts := newTestServer(t, failingGenerator{})
	ts.uploadReady(t, "ml.txt", mlText)

	rec := ts.do(t, http.MethodPost, "/api/ask-documents", `{"query":"What is deep learning?"}`)
	require.Equal(t, http.StatusBadGateway, rec.Code)
	body := decode[askFailure](t, rec)
	assert.Equal(t, CodeSynthesis, body.Code)
	assert.Contains(t, body.Error, "upstream 500")
	assert.Equal(t, 1, body.SearchResults)
	require.Len(t, body.Sources, 1)
	assert.Equal(t, "ml.txt", body.Sources[0].Filename)
}

func TestAdminMetrics(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.uploadReady(t, "ml.txt", mlText)
	ts.do(t, http.MethodGet, "/health", "")

	rec := ts.do(t, http.MethodGet, "/api/admin/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	m := decode[adminMetrics](t, rec)
	assert.GreaterOrEqual(t, m.Uptime, 0.0)
	assert.Positive(t, m.Memory.HeapUsed)
	assert.Equal(t, 1, m.Documents[domain.StatusReady])
	assert.Equal(t, 1, m.IndexEntries)
	assert.GreaterOrEqual(t, m.TotalRequests, int64(2))
}

func TestPrometheusEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.do(t, http.MethodGet, "/health", "")
	rec := ts.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `ragdocs_http_requests_total{method="GET",route="/health",status="200"} 1`)
}

func TestUnknownRoute(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(t, http.MethodGet, "/api/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, CodeNotFound, decode[errorResponse](t, rec).Code)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{&domain.NotFoundError{Kind: "document", ID: "x"}, http.StatusNotFound, CodeNotFound},
		{&domain.ConfigurationError{Field: "f", Reason: "r"}, http.StatusInternalServerError, CodeConfiguration},
		{&domain.EmbeddingProviderError{Provider: "p", Err: errors.New("x")}, http.StatusBadGateway, CodeEmbeddingProvider},
		{&domain.IndexWriteError{Op: "insert", Err: errors.New("x")}, http.StatusInternalServerError, CodeIndexWrite},
		{&domain.SynthesisError{Model: "m", Err: errors.New("x")}, http.StatusBadGateway, CodeSynthesis},
		{context.Canceled, http.StatusRequestTimeout, CodeCancelled},
		{errors.New("boom"), http.StatusInternalServerError, CodeInternal},
	}
	for _, tt := range tests {
		status, code := classify(tt.err)
		assert.Equal(t, tt.status, status, tt.err.Error())
		assert.Equal(t, tt.code, code, tt.err.Error())
	}
}

func TestPanickingHandlerIsRecorded(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.srv.e.GET("/explode", func(echo.Context) error { panic("boom") })

	rec := ts.do(t, http.MethodGet, "/explode", "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, CodeInternal, decode[errorResponse](t, rec).Code)
	assert.Equal(t, int64(1), ts.metrics.TotalRequests())

	rec = ts.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `ragdocs_http_requests_total{method="GET",route="/explode",status="500"} 1`)
}
