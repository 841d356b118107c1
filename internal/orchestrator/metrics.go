package orchestrator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/dyluth/warren/pkg/canon"
)

// Pipeline metrics, served on /metrics by the health server.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "warren",
		Subsystem: "pipeline",
		Name:      "requests_total",
		Help:      "Change requests that reached a terminal state, by state",
	}, []string{"state"})

	inFlightRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "warren",
		Subsystem: "pipeline",
		Name:      "in_flight_requests",
		Help:      "Requests between acceptance and a terminal state",
	})

	blockedRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "warren",
		Subsystem: "pipeline",
		Name:      "blocked_requests",
		Help:      "Requests held behind an older overlapping request",
	})

	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "warren",
		Subsystem: "pipeline",
		Name:      "stage_duration_seconds",
		Help:      "Wall time spent in each pipeline stage",
		Buckets:   []float64{0.05, 0.25, 1, 5, 15, 60, 300, 900},
	}, []string{"stage"})

	mergesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "warren",
		Subsystem: "pipeline",
		Name:      "merges_total",
		Help:      "Successful merges into the canonical graph",
	})

	conflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "warren",
		Subsystem: "pipeline",
		Name:      "conflicts_total",
		Help:      "Requests blocked at least once by the conflict check",
	})

	generationRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "warren",
		Subsystem: "pipeline",
		Name:      "generation_retries_total",
		Help:      "Generator attempts beyond the first",
	})
)

// observeStage records the wall time of one completed stage.
func observeStage(stage canon.PipelineState, started time.Time) {
	stageDuration.WithLabelValues(string(stage)).Observe(time.Since(started).Seconds())
}
