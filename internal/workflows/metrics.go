package workflows

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/fyrsmithlabs/researchd/internal/workflows"

var (
	launchCounter        metric.Int64Counter
	activityDuration     metric.Float64Histogram
	activityErrorCounter metric.Int64Counter
)

func must[T any](inst T, err error) T {
	if err != nil {
		panic(fmt.Sprintf("workflows: creating instrument: %v", err))
	}
	return inst
}

func init() {
	meter := otel.Meter(instrumentationName)

	launchCounter = must(meter.Int64Counter("researchd.workflows.research.launches",
		metric.WithDescription("Research workflows submitted to Temporal"),
		metric.WithUnit("{workflow}")))

	// Stage activities wrap LLM calls and run for minutes, so the default
	// millisecond buckets are useless here.
	activityDuration = must(meter.Float64Histogram("researchd.workflows.activity.duration",
		metric.WithDescription("Duration of stage, finalize and fail activities"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 15, 30, 60, 120, 300, 600)))

	activityErrorCounter = must(meter.Int64Counter("researchd.workflows.activity.errors",
		metric.WithDescription("Activities that returned an error, by activity name"),
		metric.WithUnit("{error}")))
}
