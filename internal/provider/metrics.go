package provider

import "github.com/prometheus/client_golang/prometheus"

var (
	providerRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relayd",
			Subsystem: "provider",
			Name:      "requests_total",
			Help:      "Provider calls by outcome",
		},
		[]string{"provider", "outcome"},
	)

	breakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relayd",
			Subsystem: "provider",
			Name:      "breaker_transitions_total",
			Help:      "Circuit breaker state transitions",
		},
		[]string{"provider", "to"},
	)

	rateBudgetRejectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relayd",
			Subsystem: "provider",
			Name:      "rate_budget_rejects_total",
			Help:      "Requests deflected to the next provider by rate budget",
		},
		[]string{"provider"},
	)
)

func init() {
	prometheus.MustRegister(providerRequestsTotal, breakerTransitionsTotal, rateBudgetRejectsTotal)
}
