package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestNew_InstancesDoNotCollide(t *testing.T) {
	a := New()
	b := New()
	a.RecordAnswer("answered")
	assert.Contains(t, scrape(t, a), `ragdocs_answers_total{outcome="answered"} 1`)
	assert.NotContains(t, scrape(t, b), `ragdocs_answers_total{outcome="answered"}`)
}

func TestWorkers(t *testing.T) {
	m := New()
	m.WorkerStarted()
	m.WorkerStarted()
	m.WorkerFinished()
	assert.Equal(t, int64(1), m.ActiveWorkers())
	assert.Contains(t, scrape(t, m), "ragdocs_ingestion_workers_active 1")
}

func TestRecordHTTPRequest(t *testing.T) {
	m := New()
	m.RecordHTTPRequest(http.MethodPost, "/api/search", 200, 15*time.Millisecond)
	m.RecordHTTPRequest(http.MethodGet, "/health", 200, time.Millisecond)
	assert.Equal(t, int64(2), m.TotalRequests())
	assert.Contains(t, scrape(t, m), `ragdocs_http_requests_total{method="POST",route="/api/search",status="200"} 1`)
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordHTTPRequest("GET", "/", 200, time.Millisecond)
		m.WorkerStarted()
		m.WorkerFinished()
		m.RecordIngestion("ready", time.Second)
		m.SetIndexEntries(3)
		m.RecordEmbeddingCall("bulk", "ok", time.Millisecond)
		m.RecordEmbeddingRetry()
		m.RecordSearch(time.Millisecond)
		m.RecordAnswer("failed")
	})
	assert.Zero(t, m.ActiveWorkers())
	assert.Zero(t, m.TotalRequests())
}

func TestHandler_ExposesCollectors(t *testing.T) {
	m := New()
	m.SetIndexEntries(7)

	body := scrape(t, m)
	assert.Contains(t, body, "ragdocs_index_entries 7")
	assert.Contains(t, body, "go_goroutines")
}
