package server

import "github.com/prometheus/client_golang/prometheus"

var (
	framesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relayd",
			Subsystem: "server",
			Name:      "frames_total",
			Help:      "Frames moved over the shared channel by direction and type",
		},
		[]string{"direction", "type"},
	)

	ringFullTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "relayd",
			Subsystem: "server",
			Name:      "ring_full_total",
			Help:      "Outbound writes that found the ring full",
		},
	)

	tokensTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "relayd",
			Subsystem: "server",
			Name:      "stream_tokens_total",
			Help:      "Stream tokens delivered to clients",
		},
	)
)

func init() {
	prometheus.MustRegister(framesTotal, ringFullTotal, tokensTotal)
}
