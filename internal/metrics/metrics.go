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
			Name: "herald_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "herald_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 5, 30},
		},
		[]string{"method", "route"},
	)

	pushSends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_push_sends_total",
			Help: "Push send attempts by category and result",
		},
		[]string{"category", "result"},
	)

	pushLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "herald_push_send_duration_seconds",
			Help:    "Provider round-trip time per push",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10},
		},
		[]string{"provider"},
	)

	tokensDeactivated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "herald_tokens_deactivated_total",
			Help: "Device tokens deactivated after a permanent provider rejection",
		},
	)

	eventsApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_events_applied_total",
			Help: "Engagement events applied by event type and whether status advanced",
		},
		[]string{"event", "advanced"},
	)

	segmentSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "herald_segment_size",
			Help:    "Recipient tokens produced per segment resolution",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		},
	)

	campaignRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_campaign_runs_total",
			Help: "Campaign executions by outcome",
		},
		[]string{"result"},
	)

	triggerRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_trigger_runs_total",
			Help: "Trigger executions by trigger and outcome",
		},
		[]string{"trigger", "result"},
	)

	orchestratorRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_orchestrator_runs_total",
			Help: "Orchestrator runs by success",
		},
		[]string{"success"},
	)

	alertsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_alerts_sent_total",
			Help: "Health alerts by severity and delivery result",
		},
		[]string{"severity", "result"},
	)

	circuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "herald_circuit_state",
			Help: "Circuit breaker state per provider (0 closed, 1 half-open, 2 open)",
		},
		[]string{"provider"},
	)

	sqsMessagesInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "herald_sqs_messages_in_flight",
			Help: "Current event messages being processed from SQS",
		},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "herald_idempotency_hits_total",
			Help: "Requests served from idempotency cache",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
		[]string{"scope"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordPushSend records one provider attempt.
func RecordPushSend(category, result string) {
	pushSends.WithLabelValues(category, result).Inc()
}

// RecordPushLatency records provider round-trip time.
func RecordPushLatency(provider string, d time.Duration) {
	pushLatency.WithLabelValues(provider).Observe(d.Seconds())
}

func RecordTokenDeactivated() {
	tokensDeactivated.Inc()
}

// RecordEventApplied records an engagement event and whether it moved the
// delivery status forward.
func RecordEventApplied(event string, advanced bool) {
	eventsApplied.WithLabelValues(event, strconv.FormatBool(advanced)).Inc()
}

func ObserveSegmentSize(n int) {
	segmentSize.Observe(float64(n))
}

func RecordCampaignRun(result string) {
	campaignRuns.WithLabelValues(result).Inc()
}

func RecordTriggerRun(trigger, result string) {
	triggerRuns.WithLabelValues(trigger, result).Inc()
}

func RecordOrchestratorRun(success bool) {
	orchestratorRuns.WithLabelValues(strconv.FormatBool(success)).Inc()
}

func RecordAlert(severity, result string) {
	alertsSent.WithLabelValues(severity, result).Inc()
}

// SetCircuitState publishes the breaker state for a provider.
func SetCircuitState(provider string, state int) {
	circuitState.WithLabelValues(provider).Set(float64(state))
}

// SetSQSMessagesInFlight sets the current in-flight message count
func SetSQSMessagesInFlight(count int) {
	sqsMessagesInFlight.Set(float64(count))
}

// RecordIdempotencyHit records a cache hit for idempotency
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(scope string) {
	rateLimitRejections.WithLabelValues(scope).Inc()
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

// Middleware returns HTTP middleware that records request metrics. Requests
// are labeled by chi route pattern to keep cardinality bounded.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, routePattern(r), wrapped.status, time.Since(start))
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}
