package engine

import "github.com/prometheus/client_golang/prometheus"

// Metric label values.
const (
	outcomeOK       = "ok"
	outcomeFailed   = "failed"
	outcomeCanceled = "canceled"

	reasonCrash  = "crash"
	reasonCancel = "cancel"
)

var (
	runDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sieve_engine_run_seconds",
			Help:    "Engine time per query, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode", "outcome"},
	)

	restartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sieve_engine_restarts_total",
			Help: "Warm engine restarts by reason.",
		},
		[]string{"reason"},
	)

	cancelsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sieve_engine_cancels_total",
			Help: "In-flight engine requests aborted by cancellation.",
		},
		[]string{"mode"},
	)

	engineUp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sieve_engine_up",
			Help: "Whether the warm engine process is running.",
		},
	)
)

func init() {
	prometheus.MustRegister(runDuration)
	prometheus.MustRegister(restartsTotal)
	prometheus.MustRegister(cancelsTotal)
	prometheus.MustRegister(engineUp)

	for _, m := range []string{ModeWarm, ModeCold} {
		for _, o := range []string{outcomeOK, outcomeFailed, outcomeCanceled} {
			runDuration.WithLabelValues(m, o)
		}
		cancelsTotal.WithLabelValues(m)
	}
	restartsTotal.WithLabelValues(reasonCrash)
	restartsTotal.WithLabelValues(reasonCancel)
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return outcomeOK
	case isCanceled(err):
		return outcomeCanceled
	default:
		return outcomeFailed
	}
}
