package lifecycle

import "github.com/prometheus/client_golang/prometheus"

var (
	loadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "repod",
			Subsystem: "lifecycle",
			Name:      "loads_total",
			Help:      "Total version load attempts by outcome",
		},
		[]string{"model", "result"},
	)

	unloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "repod",
			Subsystem: "lifecycle",
			Name:      "unloads_total",
			Help:      "Total version unloads",
		},
		[]string{"model"},
	)

	readyVersionsGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "repod",
			Subsystem: "lifecycle",
			Name:      "ready_versions",
			Help:      "Number of versions currently at READY state",
		},
		[]string{"model"},
	)

	inferenceTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "repod",
			Subsystem: "inference",
			Name:      "requests_total",
			Help:      "Total inference executions by outcome",
		},
		[]string{"model", "version", "result"},
	)
)

func init() {
	prometheus.MustRegister(loadsTotal, unloadsTotal, readyVersionsGauge, inferenceTotal)
}
