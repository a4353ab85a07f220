package dispatch

import "github.com/prometheus/client_golang/prometheus"

var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relayd",
			Subsystem: "dispatch",
			Name:      "requests_total",
			Help:      "Dispatched frames by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "relayd",
			Subsystem: "dispatch",
			Name:      "queue_depth",
			Help:      "Requests waiting for an admission permit",
		},
	)

	inflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "relayd",
			Subsystem: "dispatch",
			Name:      "inflight_requests",
			Help:      "Requests holding an admission permit",
		},
	)

	backpressureTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relayd",
			Subsystem: "dispatch",
			Name:      "backpressure_total",
			Help:      "Admission rejections by policy",
		},
		[]string{"policy"},
	)
)

func init() {
	prometheus.MustRegister(requestsTotal, queueDepth, inflight, backpressureTotal)
}
