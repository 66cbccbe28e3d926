package llm

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Labels: provider, outcome (success, error)
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "researchd",
			Subsystem: "llm",
			Name:      "requests_total",
			Help:      "Total number of LLM completion calls",
		},
		[]string{"provider", "outcome"},
	)

	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "researchd",
			Subsystem: "llm",
			Name:      "request_duration_seconds",
			Help:      "Duration of LLM completion calls including retries",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"provider"},
	)

	retriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "researchd",
			Subsystem: "llm",
			Name:      "retries_total",
			Help:      "Total number of retried LLM calls",
		},
		[]string{"provider"},
	)
)
