package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const unmatched = "unmatched"

// Search outcomes, one per way POST /search can end.
const (
	searchOK            = "ok"
	searchInvalid       = "invalid"
	searchTimeout       = "timeout"
	searchDisconnected  = "disconnected"
	searchEngineFailure = "engine_failure"
	searchError         = "error"
)

// requestBuckets reach past the longest sync search deadline, since a
// search request is held open until its worker replies.
var requestBuckets = []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300}

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sieve_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sieve_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: requestBuckets,
		},
		[]string{"method", "path"},
	)

	searchesInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sieve_http_searches_in_flight",
			Help: "Synchronous searches waiting on a worker reply.",
		},
	)

	searchOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sieve_http_search_outcomes_total",
			Help: "Synchronous searches by how they ended.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(httpRequestDuration)
	prometheus.MustRegister(searchesInFlight)
	prometheus.MustRegister(searchOutcomes)

	for _, o := range []string{searchOK, searchInvalid, searchTimeout, searchDisconnected, searchEngineFailure, searchError} {
		searchOutcomes.WithLabelValues(o)
	}
}

// metricsMiddleware records request count and duration for every HTTP request.
// Uses the chi route pattern (not the raw path) to avoid unbounded cardinality.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		duration := time.Since(start).Seconds()
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		path := routePattern(r)
		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// routePattern extracts the matched chi route pattern, falling back to "unmatched".
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return unmatched
}

// metricsHandler returns the Prometheus metrics handler.
func metricsHandler() http.Handler {
	return promhttp.Handler()
}
