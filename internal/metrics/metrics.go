package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smsgate_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "smsgate_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	smsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smsgate_sms_dispatched_total",
			Help: "Messages handed to the push transport by send path and outcome",
		},
		[]string{"path", "outcome"},
	)

	batchesSettled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smsgate_batches_settled_total",
			Help: "Batches reaching a settled status",
		},
		[]string{"status"},
	)

	queueJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smsgate_queue_jobs_total",
			Help: "Send jobs by result",
		},
		[]string{"result"},
	)

	queueJobsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "smsgate_queue_jobs_in_flight",
			Help: "Send jobs currently being processed",
		},
	)

	statusCallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smsgate_status_callbacks_total",
			Help: "Device status callbacks by reported status",
		},
		[]string{"status"},
	)

	webhookDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smsgate_webhook_deliveries_total",
			Help: "Webhook delivery attempts by result",
		},
		[]string{"result"},
	)

	webhookLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "smsgate_webhook_latency_seconds",
			Help:    "Webhook POST round trip time",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10},
		},
	)

	sweptRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smsgate_swept_records_total",
			Help: "Records moved to unknown by the pending sweeper",
		},
		[]string{"kind"},
	)

	taskRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smsgate_scheduled_task_runs_total",
			Help: "Periodic task runs by task and result",
		},
		[]string{"task", "result"},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "smsgate_push_breaker_state",
			Help: "Push circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"breaker"},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "smsgate_idempotency_hits_total",
			Help: "Send requests served from the idempotency cache",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smsgate_rate_limit_rejections_total",
			Help: "Requests rejected by the API or quota limiter",
		},
		[]string{"scope"},
	)

	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "smsgate_db_connections_active",
			Help: "Acquired database connections",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordDispatch counts successes and failures of one push call
func RecordDispatch(path string, success, failure int) {
	smsDispatched.WithLabelValues(path, "success").Add(float64(success))
	smsDispatched.WithLabelValues(path, "failure").Add(float64(failure))
}

// RecordBatchSettled counts a batch reaching status
func RecordBatchSettled(status string) {
	batchesSettled.WithLabelValues(status).Inc()
}

// RecordQueueJob counts a job result: succeeded, retried, exhausted, enqueue_failed
func RecordQueueJob(result string) {
	queueJobs.WithLabelValues(result).Inc()
}

// IncJobsInFlight and DecJobsInFlight track the jobs being handled
func IncJobsInFlight() { queueJobsInFlight.Inc() }

func DecJobsInFlight() { queueJobsInFlight.Dec() }

// RecordStatusCallback counts a device status report
func RecordStatusCallback(status string) {
	statusCallbacks.WithLabelValues(status).Inc()
}

// RecordWebhookDelivery records one webhook attempt
func RecordWebhookDelivery(result string, latency time.Duration) {
	webhookDeliveries.WithLabelValues(result).Inc()
	if latency > 0 {
		webhookLatency.Observe(latency.Seconds())
	}
}

// RecordSwept counts records the sweeper moved to unknown
func RecordSwept(kind string, n int) {
	sweptRecords.WithLabelValues(kind).Add(float64(n))
}

// RecordTaskRun counts a periodic task run
func RecordTaskRun(task, result string) {
	taskRuns.WithLabelValues(task, result).Inc()
}

// SetBreakerState exports a breaker state as a number
func SetBreakerState(breaker string, state int) {
	breakerState.WithLabelValues(breaker).Set(float64(state))
}

// RecordIdempotencyHit records a cache hit for idempotency
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordRateLimitRejection records a rejection; scope is "api", "device" or "quota"
func RecordRateLimitRejection(scope string) {
	rateLimitRejections.WithLabelValues(scope).Inc()
}

// SetDBConnections sets acquired database connection count
func SetDBConnections(count int) {
	dbConnectionsActive.Set(float64(count))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics. Paths are
// labelled with the chi route pattern so IDs do not explode cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		RecordRequest(r.Method, path, wrapped.status, time.Since(start))
	})
}
