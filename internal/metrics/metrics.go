// Package metrics provides Prometheus metrics for the annales server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "annales_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "annales_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Transfer metrics
	bytesServed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "annales_bytes_served_total",
			Help: "Total bytes streamed from view/download endpoints",
		},
	)

	bytesUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "annales_bytes_uploaded_total",
			Help: "Total bytes accepted by the upload endpoint",
		},
	)

	downloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "annales_downloads_total",
			Help: "Total number of document retrievals",
		},
		[]string{"status"},
	)

	uploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "annales_uploads_total",
			Help: "Total number of document uploads",
		},
		[]string{"status"},
	)

	uploadSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "annales_upload_size_bytes",
			Help:    "Size distribution of accepted uploads",
			Buckets: prometheus.ExponentialBuckets(64*1024, 4, 8),
		},
	)

	// Auth metrics
	authAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "annales_auth_attempts_total",
			Help: "Total authentication attempts",
		},
		[]string{"result"},
	)

	// Database metrics
	dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "annales_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query"},
	)

	dbConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "annales_db_connections_open",
			Help: "Number of open database connections",
		},
	)

	// Storage backend metrics
	storageOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "annales_storage_operation_duration_seconds",
			Help:    "Storage backend operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider", "operation"},
	)

	storageOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "annales_storage_operations_total",
			Help: "Total storage backend operations",
		},
		[]string{"provider", "operation", "status"},
	)

	// Cleanup sweep metrics
	sweepRunsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "annales_sweep_runs_total",
			Help: "Total cleanup sweep executions",
		},
	)

	sweepRecordsChecked = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "annales_sweep_records_checked_total",
			Help: "File records checked by the cleanup sweep",
		},
	)

	sweepRecordsRemoved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "annales_sweep_records_removed_total",
			Help: "Dangling file records removed by the cleanup sweep",
		},
	)

	sweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "annales_sweep_duration_seconds",
			Help:    "Cleanup sweep duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// SSE metrics
	sseConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "annales_sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	sseEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "annales_sse_events_total",
			Help: "Total SSE events published",
		},
		[]string{"type"},
	)

	sseEventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "annales_sse_events_dropped_total",
			Help: "SSE events dropped because a subscriber's backlog was full",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordDownload records a document retrieval.
func RecordDownload(bytes int64, success bool) {
	bytesServed.Add(float64(bytes))
	status := "success"
	if !success {
		status = "error"
	}
	downloadsTotal.WithLabelValues(status).Inc()
}

// RecordUpload records a document upload.
func RecordUpload(bytes int64, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	uploadsTotal.WithLabelValues(status).Inc()
	if success {
		bytesUploaded.Add(float64(bytes))
		uploadSize.Observe(float64(bytes))
	}
}

// RecordAuthAttempt records an authentication attempt.
func RecordAuthAttempt(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	authAttemptsTotal.WithLabelValues(result).Inc()
}

// RecordDBQuery records a database query duration.
func RecordDBQuery(query string, duration time.Duration) {
	dbQueryDuration.WithLabelValues(query).Observe(duration.Seconds())
}

// SetDBConnectionsOpen sets the number of open database connections.
func SetDBConnectionsOpen(count int) {
	dbConnectionsOpen.Set(float64(count))
}

// RecordStorageOperation records a storage backend operation.
func RecordStorageOperation(provider, operation string, duration time.Duration, success bool) {
	storageOperationDuration.WithLabelValues(provider, operation).Observe(duration.Seconds())
	status := "success"
	if !success {
		status = "error"
	}
	storageOperationsTotal.WithLabelValues(provider, operation, status).Inc()
}

// RecordSweep records one cleanup sweep execution.
func RecordSweep(checked, removed int, duration time.Duration) {
	sweepRunsTotal.Inc()
	sweepRecordsChecked.Add(float64(checked))
	sweepRecordsRemoved.Add(float64(removed))
	sweepDuration.Observe(duration.Seconds())
}

// SetSSEConnectionsActive sets the number of active SSE connections.
func SetSSEConnectionsActive(count int64) {
	sseConnectionsActive.Set(float64(count))
}

// RecordSSEEvent records an SSE event publication.
func RecordSSEEvent(eventType string) {
	sseEventsTotal.WithLabelValues(eventType).Inc()
}

// RecordSSEEventDropped records an event a slow subscriber missed.
func RecordSSEEventDropped() {
	sseEventsDropped.Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics.
// It must wrap the mux directly so r.Pattern is populated after routing;
// the pattern keeps the path label cardinality bounded.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		path := r.Pattern
		if path == "" {
			path = r.URL.Path
		}
		RecordHTTPRequest(r.Method, path, rw.statusCode, time.Since(start))
	})
}
