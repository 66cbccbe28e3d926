package embeddings

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/researchd/internal/embeddings"

// recorder tracks embedding calls made while indexing sources and querying
// the knowledge store.
type recorder struct {
	model    string
	latency  metric.Float64Histogram
	volume   metric.Int64Counter
	failures metric.Int64Counter
}

func newRecorder(model string, meter metric.Meter, logger *zap.Logger) *recorder {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &recorder{model: model}
	var err error

	if r.latency, err = meter.Float64Histogram("researchd.embeddings.duration",
		metric.WithDescription("Latency of embedding API calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	); err != nil {
		logger.Warn("failed to create embedding latency histogram", zap.Error(err))
	}
	if r.volume, err = meter.Int64Counter("researchd.embeddings.characters",
		metric.WithDescription("Characters sent for embedding. Tracks the cost of indexing scraped sources."),
		metric.WithUnit("{char}"),
	); err != nil {
		logger.Warn("failed to create embedding volume counter", zap.Error(err))
	}
	if r.failures, err = meter.Int64Counter("researchd.embeddings.failures",
		metric.WithDescription("Embedding calls that returned an error."),
		metric.WithUnit("{call}"),
	); err != nil {
		logger.Warn("failed to create embedding failure counter", zap.Error(err))
	}
	return r
}

// observe records one call. op is "documents" or "query".
func (r *recorder) observe(ctx context.Context, op string, start time.Time, texts []string, err error) {
	attrs := metric.WithAttributes(
		attribute.String("model", r.model),
		attribute.String("op", op),
	)
	if r.latency != nil {
		r.latency.Record(ctx, time.Since(start).Seconds(), attrs)
	}
	if r.volume != nil {
		var n int
		for _, t := range texts {
			n += len(t)
		}
		r.volume.Add(ctx, int64(n), attrs)
	}
	if err != nil && r.failures != nil {
		r.failures.Add(ctx, 1, attrs)
	}
}
