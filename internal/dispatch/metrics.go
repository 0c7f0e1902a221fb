package dispatch

import "github.com/prometheus/client_golang/prometheus"

// Metric label values.
const (
	modeSync  = "sync"
	modeAsync = "async"

	outcomeReply        = "reply"
	outcomeFailure      = "failure"
	outcomeTimeout      = "timeout"
	outcomeDisconnected = "disconnected"
	outcomeQueued       = "queued"
	outcomeError        = "error"
)

var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sieve_dispatch_requests_total",
			Help: "Dispatched requests by mode and outcome.",
		},
		[]string{"mode", "outcome"},
	)

	pendingGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sieve_dispatch_pending",
			Help: "Synchronous requests currently waiting for a reply.",
		},
	)

	orphanRepliesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sieve_dispatch_orphan_replies_total",
			Help: "Replies that arrived with no waiter, usually after a timeout.",
		},
	)

	syncDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sieve_dispatch_sync_seconds",
			Help:    "Time from publish to outcome for synchronous requests, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(requestsTotal)
	prometheus.MustRegister(pendingGauge)
	prometheus.MustRegister(orphanRepliesTotal)
	prometheus.MustRegister(syncDuration)

	for _, o := range []string{outcomeReply, outcomeFailure, outcomeTimeout, outcomeDisconnected, outcomeError} {
		requestsTotal.WithLabelValues(modeSync, o)
	}
	requestsTotal.WithLabelValues(modeAsync, outcomeQueued)
	requestsTotal.WithLabelValues(modeAsync, outcomeError)
}
