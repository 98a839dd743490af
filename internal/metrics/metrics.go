// Package metrics provides Prometheus metrics for the cellbridge server.
package metrics

import (
	"bufio"
	"net"
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
			Name: "cellbridge_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cellbridge_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Worker protocol metrics
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cellbridge_requests_total",
			Help: "Total worker requests by kind and outcome",
		},
		[]string{"kind", "status"},
	)

	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cellbridge_request_duration_seconds",
			Help:    "Worker request handling time in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	pendingRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cellbridge_pending_requests",
			Help: "Requests awaiting a worker response across all controllers",
		},
	)

	workerCrashesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cellbridge_worker_crashes_total",
			Help: "Worker faults that rejected all pending requests",
		},
	)

	sessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cellbridge_sessions_active",
			Help: "Number of connected notebook sessions",
		},
	)

	statusEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cellbridge_status_events_total",
			Help: "Status events published",
		},
		[]string{"status"},
	)

	// Execution metrics
	codeExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cellbridge_code_executions_total",
			Help: "Cells executed by language and outcome",
		},
		[]string{"lang", "status"},
	)

	codeExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cellbridge_code_execution_duration_seconds",
			Help:    "Cell execution time in seconds",
			Buckets: []float64{.005, .01, .05, .1, .5, 1, 5, 15, 60},
		},
		[]string{"lang"},
	)

	// Remote storage metrics
	s3OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cellbridge_s3_operation_duration_seconds",
			Help:    "S3 operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	s3OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cellbridge_s3_operations_total",
			Help: "Total S3 operations",
		},
		[]string{"operation", "status"},
	)

	remoteBytesFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cellbridge_remote_bytes_fetched_total",
			Help: "Bytes downloaded from the remote device by access mode",
		},
		[]string{"mode"},
	)

	cacheHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cellbridge_cache_hits_total",
			Help: "Remote reads served from the content cache",
		},
	)

	cacheMissesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cellbridge_cache_misses_total",
			Help: "Remote reads that required a fetch",
		},
	)

	cacheBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cellbridge_cache_bytes",
			Help: "Bytes held by the remote content cache",
		},
	)

	cacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cellbridge_cache_entries",
			Help: "Objects held by the remote content cache",
		},
	)

	// Sync bridge metrics
	bridgeRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cellbridge_bridge_requests_total",
			Help: "Range requests passed through the sync bridge",
		},
		[]string{"status"},
	)

	bridgeDowngradesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cellbridge_bridge_downgrades_total",
			Help: "Times a remote device fell back to full fetch",
		},
	)

	// Lease metrics
	leaseSuspendsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cellbridge_lease_suspends_total",
			Help: "Idle suspensions that released local handles",
		},
	)

	leaseResumesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cellbridge_lease_resumes_total",
			Help: "Resumptions that reacquired local handles",
		},
	)

	authAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cellbridge_auth_attempts_total",
			Help: "Session token validations by outcome",
		},
		[]string{"status"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordRequest records one handled worker request.
func RecordRequest(kind string, duration time.Duration, success bool) {
	requestsTotal.WithLabelValues(kind, outcome(success)).Inc()
	requestDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordAuthAttempt records a token validation.
func RecordAuthAttempt(success bool) {
	authAttemptsTotal.WithLabelValues(outcome(success)).Inc()
}

// AddPendingRequests adjusts the pending request gauge.
func AddPendingRequests(delta int) {
	pendingRequests.Add(float64(delta))
}

// RecordWorkerCrash records a worker fault.
func RecordWorkerCrash() {
	workerCrashesTotal.Inc()
}

// AddSessions adjusts the active session gauge.
func AddSessions(delta int) {
	sessionsActive.Add(float64(delta))
}

// RecordStatusEvent records a published status event.
func RecordStatusEvent(status string) {
	statusEventsTotal.WithLabelValues(status).Inc()
}

// RecordExecution records a cell execution.
func RecordExecution(lang string, duration time.Duration, success bool) {
	codeExecutionsTotal.WithLabelValues(lang, outcome(success)).Inc()
	codeExecutionDuration.WithLabelValues(lang).Observe(duration.Seconds())
}

// RecordS3Operation records an S3 operation.
func RecordS3Operation(operation string, duration time.Duration, success bool) {
	s3OperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	s3OperationsTotal.WithLabelValues(operation, outcome(success)).Inc()
}

// RecordRemoteFetch records bytes fetched in "full" or "range" mode.
func RecordRemoteFetch(mode string, bytes int64) {
	remoteBytesFetched.WithLabelValues(mode).Add(float64(bytes))
}

// RecordCacheHit records a read served from the content cache.
func RecordCacheHit() {
	cacheHitsTotal.Inc()
}

// RecordCacheMiss records a read that had to go to the origin.
func RecordCacheMiss() {
	cacheMissesTotal.Inc()
}

// SetCacheUsage reports the content cache's current size.
func SetCacheUsage(bytes int64, entries int) {
	cacheBytes.Set(float64(bytes))
	cacheEntries.Set(float64(entries))
}

// RecordBridgeRequest records a sync bridge round trip.
func RecordBridgeRequest(success bool) {
	bridgeRequestsTotal.WithLabelValues(outcome(success)).Inc()
}

// RecordBridgeDowngrade records a fallback to full fetch.
func RecordBridgeDowngrade() {
	bridgeDowngradesTotal.Inc()
}

// RecordLeaseSuspend records an idle suspension.
func RecordLeaseSuspend() {
	leaseSuspendsTotal.Inc()
}

// RecordLeaseResume records a resumption.
func RecordLeaseResume() {
	leaseResumesTotal.Inc()
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

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return http.NewResponseController(rw.ResponseWriter).Hijack()
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		RecordHTTPRequest(r.Method, r.URL.Path, rw.statusCode, time.Since(start))
	})
}
