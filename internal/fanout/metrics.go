package fanout

import "github.com/prometheus/client_golang/prometheus"

const (
	directionSent     = "sent"
	directionReceived = "received"
)

var (
	registrySize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sieve_fanout_registry_size",
			Help: "Number of canceled correlation ids held in the local registry.",
		},
	)

	signalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sieve_fanout_signals_total",
			Help: "Cancellation signals sent and received by this process.",
		},
		[]string{"direction"},
	)
)

func init() {
	prometheus.MustRegister(registrySize)
	prometheus.MustRegister(signalsTotal)

	signalsTotal.WithLabelValues(directionSent)
	signalsTotal.WithLabelValues(directionReceived)
}
