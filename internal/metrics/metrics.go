// Package metrics exposes Prometheus collectors for the stream manager.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	streamRecordsTotal         *prometheus.CounterVec
	streamMalformedTotal       prometheus.Counter
	streamReconnectsTotal      *prometheus.CounterVec
	streamSessionsActive       prometheus.Gauge
	ruleSlotsUsed              *prometheus.GaugeVec
	crawlersByState            *prometheus.GaugeVec
	eventsDroppedTotal         prometheus.Counter
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		streamRecordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stream_records_total",
				Help: "Total number of records routed to sinks, labeled by crawler.",
			},
			[]string{"crawler"},
		)

		streamMalformedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "stream_malformed_records_total",
				Help: "Total number of records rejected at the wire boundary.",
			},
		)

		streamReconnectsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stream_reconnects_total",
				Help: "Total number of stream reconnect attempts, labeled by credential.",
			},
			[]string{"credential"},
		)

		streamSessionsActive = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "stream_sessions_active",
				Help: "Number of credentials with an open supervision session.",
			},
		)

		ruleSlotsUsed = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "rule_slots_used",
				Help: "Rule quota currently consumed, labeled by credential.",
			},
			[]string{"credential"},
		)

		crawlersByState = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "crawlers",
				Help: "Number of crawlers in each lifecycle state.",
			},
			[]string{"state"},
		)

		eventsDroppedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "events_dropped_total",
				Help: "Total number of events dropped by the hub under backpressure.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rule_api_rate_limit_delays_seconds",
				Help:    "Histogram of waits imposed before rule-set mutations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"credential"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRecord increments the routed-record counter for a crawler.
func ObserveRecord(crawler string) {
	streamRecordsTotal.WithLabelValues(crawler).Inc()
}

// ObserveMalformedRecord counts a record rejected at the boundary.
func ObserveMalformedRecord() {
	streamMalformedTotal.Inc()
}

// ObserveReconnect counts a reconnect attempt for a credential.
func ObserveReconnect(credential string) {
	streamReconnectsTotal.WithLabelValues(credential).Inc()
}

// IncSessions increments the active session gauge.
func IncSessions() {
	streamSessionsActive.Inc()
}

// DecSessions decrements the active session gauge.
func DecSessions() {
	streamSessionsActive.Dec()
}

// SetRuleSlotsUsed records the quota consumed on a credential.
func SetRuleSlotsUsed(credential string, used int) {
	ruleSlotsUsed.WithLabelValues(credential).Set(float64(used))
}

// SetCrawlerStates records the current state distribution.
func SetCrawlerStates(active, paused int) {
	crawlersByState.WithLabelValues("active").Set(float64(active))
	crawlersByState.WithLabelValues("paused").Set(float64(paused))
}

// ObserveDroppedEvents adds to the hub drop counter.
func ObserveDroppedEvents(n int) {
	if n > 0 {
		eventsDroppedTotal.Add(float64(n))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(credential string, duration time.Duration) {
	rateLimitDelaysSeconds.WithLabelValues(credential).Observe(duration.Seconds())
}

// statusRecorder captures the response code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware records request counts and latencies for every route. Mount it
// on the chi router so the route pattern is resolvable after serving.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		ObserveHTTPRequest(r.Method, route, rec.status, time.Since(start))
	})
}
