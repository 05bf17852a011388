package documents

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "healthvault",
		Name:      "document_transitions_total",
		Help:      "Document run state transitions.",
	}, []string{"from", "to"})

	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "healthvault",
		Name:      "document_stage_seconds",
		Help:      "Time spent in pipeline stages that call external dependencies.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"stage"})

	runsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "healthvault",
		Name:      "document_runs_in_flight",
		Help:      "Document runs currently held by the coordinator.",
	})
)

func observeTransition(from, to State) {
	runTransitions.WithLabelValues(string(from), string(to)).Inc()
}

func observeStage(stage State, d time.Duration) {
	stageDuration.WithLabelValues(string(stage)).Observe(d.Seconds())
}
