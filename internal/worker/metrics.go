package worker

import "github.com/prometheus/client_golang/prometheus"

// Task outcomes.
const (
	outcomeDone     = "done"
	outcomeFailed   = "failed"
	outcomeCanceled = "canceled"
	outcomeSkipped  = "skipped"
	outcomeExpired  = "expired"
)

var (
	tasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sieve_worker_tasks_total",
			Help: "Tasks consumed by this worker, by outcome.",
		},
		[]string{"outcome"},
	)

	taskDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sieve_worker_task_seconds",
			Help:    "Time from delivery to ack, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	busy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sieve_worker_busy",
			Help: "Whether the worker is currently running a task on the engine.",
		},
	)
)

func init() {
	prometheus.MustRegister(tasksTotal)
	prometheus.MustRegister(taskDuration)
	prometheus.MustRegister(busy)

	for _, o := range []string{outcomeDone, outcomeFailed, outcomeCanceled, outcomeSkipped, outcomeExpired} {
		tasksTotal.WithLabelValues(o)
	}
}
