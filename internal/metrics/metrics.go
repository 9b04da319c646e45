// Package metrics provides Prometheus metrics for ragdocs
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for ragdocs. Every method is safe to
// call on a nil *Metrics, which records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	// HTTP request metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Ingestion metrics
	IngestionsTotal   *prometheus.CounterVec
	IngestionDuration prometheus.Histogram
	WorkersActive     prometheus.Gauge
	IndexEntries      prometheus.Gauge

	// Embedding metrics
	EmbeddingCallsTotal   *prometheus.CounterVec
	EmbeddingRetriesTotal prometheus.Counter
	EmbeddingDuration     *prometheus.HistogramVec

	// Query metrics
	SearchDuration prometheus.Histogram
	AnswersTotal   *prometheus.CounterVec

	// Server metrics
	UptimeSeconds prometheus.Gauge
	StartTime     time.Time

	activeWorkers atomic.Int64
	totalRequests atomic.Int64
}

// New creates all collectors on a private registry, so several instances can
// coexist in one process.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	m := &Metrics{Registry: reg, StartTime: time.Now()}

	m.HTTPRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragdocs_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	m.HTTPRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ragdocs_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	m.IngestionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragdocs_ingestions_total",
			Help: "Documents that finished ingestion, by final status",
		},
		[]string{"status"},
	)

	m.IngestionDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ragdocs_ingestion_duration_seconds",
			Help:    "Time from worker pickup to final status",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	m.WorkersActive = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "ragdocs_ingestion_workers_active",
			Help: "Ingestion tasks currently holding a worker slot",
		},
	)

	m.IndexEntries = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "ragdocs_index_entries",
			Help: "Entries in the vector index",
		},
	)

	m.EmbeddingCallsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragdocs_embedding_calls_total",
			Help: "Embedding provider calls by priority and outcome",
		},
		[]string{"priority", "outcome"},
	)

	m.EmbeddingRetriesTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "ragdocs_embedding_retries_total",
			Help: "Embedding provider calls retried after a transient failure",
		},
	)

	m.EmbeddingDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ragdocs_embedding_duration_seconds",
			Help:    "Duration of embedding provider calls in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"priority"},
	)

	m.SearchDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ragdocs_search_duration_seconds",
			Help:    "Duration of retrieval queries in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	m.AnswersTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragdocs_answers_total",
			Help: "Answer requests by outcome",
		},
		[]string{"outcome"},
	)

	m.UptimeSeconds = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "ragdocs_uptime_seconds",
			Help: "Server uptime in seconds",
		},
	)

	return m
}

// RunUptimeUpdater periodically updates the uptime gauge until ctx is done.
func (m *Metrics) RunUptimeUpdater(ctx context.Context) {
	if m == nil {
		return
	}
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		m.UptimeSeconds.Set(time.Since(m.StartTime).Seconds())
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// RecordHTTPRequest records a served HTTP request
func (m *Metrics) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.totalRequests.Add(1)
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// WorkerStarted marks an ingestion task as holding a worker slot.
func (m *Metrics) WorkerStarted() {
	if m == nil {
		return
	}
	m.activeWorkers.Add(1)
	m.WorkersActive.Inc()
}

// WorkerFinished releases what WorkerStarted recorded.
func (m *Metrics) WorkerFinished() {
	if m == nil {
		return
	}
	m.activeWorkers.Add(-1)
	m.WorkersActive.Dec()
}

// RecordIngestion records a document reaching a final status.
func (m *Metrics) RecordIngestion(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.IngestionsTotal.WithLabelValues(status).Inc()
	m.IngestionDuration.Observe(duration.Seconds())
}

// SetIndexEntries updates the index size gauge.
func (m *Metrics) SetIndexEntries(n int) {
	if m == nil {
		return
	}
	m.IndexEntries.Set(float64(n))
}

// RecordEmbeddingCall records one provider call attempt.
func (m *Metrics) RecordEmbeddingCall(priority, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.EmbeddingCallsTotal.WithLabelValues(priority, outcome).Inc()
	m.EmbeddingDuration.WithLabelValues(priority).Observe(duration.Seconds())
}

// RecordEmbeddingRetry counts a retry after a transient failure.
func (m *Metrics) RecordEmbeddingRetry() {
	if m == nil {
		return
	}
	m.EmbeddingRetriesTotal.Inc()
}

// RecordSearch records a retrieval query.
func (m *Metrics) RecordSearch(duration time.Duration) {
	if m == nil {
		return
	}
	m.SearchDuration.Observe(duration.Seconds())
}

// RecordAnswer records an answer request outcome: answered, no_results,
// failed or cancelled.
func (m *Metrics) RecordAnswer(outcome string) {
	if m == nil {
		return
	}
	m.AnswersTotal.WithLabelValues(outcome).Inc()
}

// ActiveWorkers returns the number of busy ingestion workers.
func (m *Metrics) ActiveWorkers() int64 {
	if m == nil {
		return 0
	}
	return m.activeWorkers.Load()
}

// TotalRequests returns the number of HTTP requests served.
func (m *Metrics) TotalRequests() int64 {
	if m == nil {
		return 0
	}
	return m.totalRequests.Load()
}

// Uptime returns the time since the metrics were created.
func (m *Metrics) Uptime() time.Duration {
	if m == nil {
		return 0
	}
	return time.Since(m.StartTime)
}
