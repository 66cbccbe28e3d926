package knowledge

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Labels: backend (chromem, qdrant), operation (put, query), result (success, error)
	operationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "researchd",
			Subsystem: "knowledge",
			Name:      "operations_total",
			Help:      "Total number of knowledge store operations",
		},
		[]string{"backend", "operation", "result"},
	)

	operationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "researchd",
			Subsystem: "knowledge",
			Name:      "operation_duration_seconds",
			Help:      "Duration of knowledge store operations in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)
)

func observe(backend, operation string, start time.Time, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	operationsTotal.WithLabelValues(backend, operation, result).Inc()
	operationDuration.WithLabelValues(backend, operation).Observe(time.Since(start).Seconds())
}
