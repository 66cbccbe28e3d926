package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "researchd",
		Subsystem: "pipeline",
		Name:      "tasks_total",
		Help:      "Research tasks that reached a terminal status.",
	}, []string{"status"})

	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "researchd",
		Subsystem: "pipeline",
		Name:      "stage_duration_seconds",
		Help:      "Stage agent run time.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"stage", "outcome"})

	gateViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "researchd",
		Subsystem: "pipeline",
		Name:      "gate_violations_total",
		Help:      "Violations raised by stage gates.",
	}, []string{"gate", "severity"})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "researchd",
		Subsystem: "pipeline",
		Name:      "queue_depth",
		Help:      "Tasks waiting for a worker.",
	})

	activeRuns = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "researchd",
		Subsystem: "pipeline",
		Name:      "active_runs",
		Help:      "Tasks currently being run by a worker.",
	})
)
