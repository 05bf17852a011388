package resilience

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	dependencyCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "healthvault",
		Name:      "dependency_calls_total",
		Help:      "External dependency calls by final outcome.",
	}, []string{"dependency", "outcome"})

	dependencyRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "healthvault",
		Name:      "dependency_retries_total",
		Help:      "Retries issued against external dependencies.",
	}, []string{"dependency"})

	circuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "healthvault",
		Name:      "circuit_state",
		Help:      "Breaker state per dependency (0 closed, 1 half-open, 2 open).",
	}, []string{"dependency"})
)

func observeState(dependency string, s State) {
	circuitState.WithLabelValues(dependency).Set(float64(s))
}

func observeOutcome(dependency, outcome string) {
	dependencyCalls.WithLabelValues(dependency, outcome).Inc()
}
