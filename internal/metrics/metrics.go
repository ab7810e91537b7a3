// Package metrics exposes Prometheus collectors for the fetch pipeline.
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
	fetchAttemptsTotal         *prometheus.CounterVec
	fetchResultsTotal          *prometheus.CounterVec
	fetchDurationSeconds       *prometheus.HistogramVec
	rateLimitDelaySeconds      *prometheus.HistogramVec
	browserSlotsInUse          prometheus.Gauge
	imagesTotal                *prometheus.CounterVec
	breakerStateChangesTotal   *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors. It is safe to call multiple times.
func Init() {
	once.Do(func() {
		fetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetch_attempts_total",
				Help: "Strategy attempts, labeled by strategy and outcome.",
			},
			[]string{"strategy", "outcome"},
		)

		fetchResultsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetch_results_total",
				Help: "Completed fetches, labeled by winning method and status.",
			},
			[]string{"method", "status"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fetch_duration_seconds",
				Help:    "End-to-end fetch latency, labeled by status.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"status"},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fetch_rate_limit_delay_seconds",
				Help:    "Politeness delays applied before a request.",
				Buckets: []float64{0.1, 0.5, 1, 2, 3, 5, 10},
			},
			[]string{"domain"},
		)

		browserSlotsInUse = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "fetch_browser_slots_in_use",
				Help: "Headless browser slots currently held.",
			},
		)

		imagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetch_images_total",
				Help: "Images processed during finalization, labeled by status.",
			},
			[]string{"status"},
		)

		breakerStateChangesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetch_breaker_state_changes_total",
				Help: "Circuit breaker transitions, labeled by breaker and new state.",
			},
			[]string{"breaker", "state"},
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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 30, 120},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveAttempt counts one strategy attempt.
func ObserveAttempt(strategy string, success bool) {
	Init()
	outcome := "rejected"
	if success {
		outcome = "accepted"
	}
	fetchAttemptsTotal.WithLabelValues(strategy, outcome).Inc()
}

// ObserveResult records a finished fetch.
func ObserveResult(method string, success bool, duration time.Duration) {
	Init()
	status := "failed"
	if success {
		status = "succeeded"
	}
	if method == "" {
		method = "none"
	}
	fetchResultsTotal.WithLabelValues(method, status).Inc()
	fetchDurationSeconds.WithLabelValues(status).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a politeness wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// IncBrowserSlots increments the browser slot gauge.
func IncBrowserSlots() {
	Init()
	browserSlotsInUse.Inc()
}

// DecBrowserSlots decrements the browser slot gauge.
func DecBrowserSlots() {
	Init()
	browserSlotsInUse.Dec()
}

// ObserveImage counts an image by status ("saved", "skipped", "failed").
func ObserveImage(status string) {
	Init()
	imagesTotal.WithLabelValues(status).Inc()
}

// ObserveBreakerState counts a circuit breaker transition.
func ObserveBreakerState(breaker, state string) {
	Init()
	breakerStateChangesTotal.WithLabelValues(breaker, state).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := "unknown"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			routePattern = rc.RoutePattern()
		}
		ObserveHTTPRequest(r.Method, routePattern, ww.status, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
