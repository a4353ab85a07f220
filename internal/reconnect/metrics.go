package reconnect

import "github.com/prometheus/client_golang/prometheus"

var (
	stateGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "relayd",
			Subsystem: "reconnect",
			Name:      "state",
			Help:      "Link lifecycle state (0 disconnected through 4 failed)",
		},
	)

	transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relayd",
			Subsystem: "reconnect",
			Name:      "transitions_total",
			Help:      "Link state transitions by destination state",
		},
		[]string{"to"},
	)
)

func init() {
	prometheus.MustRegister(stateGauge, transitionsTotal)
}
