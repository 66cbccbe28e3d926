package embeddings

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/researchd/internal/config"
)

func TestHashEmbedder_Deterministic(t *testing.T) {
	h := NewHashEmbedder(32)
	ctx := context.Background()

	a, err := h.EmbedQuery(ctx, "Quantum error correction")
	require.NoError(t, err)
	b, err := h.EmbedQuery(ctx, "quantum ERROR correction!")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 32)

	var norm float64
	for _, x := range a {
		norm += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, norm, 1e-5)
}

func TestHashEmbedder_SimilarTextsCloser(t *testing.T) {
	h := NewHashEmbedder(128)
	ctx := context.Background()

	vecs, err := h.EmbedDocuments(ctx, []string{
		"quantum computing qubits",
		"quantum computing error correction qubits",
		"marine biology coral reefs",
	})
	require.NoError(t, err)
	assert.Greater(t, dot(vecs[0], vecs[1]), dot(vecs[0], vecs[2]))
}

func TestHashEmbedder_EmptyTextIsNonZero(t *testing.T) {
	v, err := NewHashEmbedder(8).EmbedQuery(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, float32(1), v[0])
}

func TestNewService_Validation(t *testing.T) {
	_, err := NewService(config.EmbeddingsConfig{APIKey: "k"}, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewService(config.EmbeddingsConfig{Model: "text-embedding-004"}, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	svc, err := NewService(config.EmbeddingsConfig{
		Model:   "text-embedding-004",
		APIKey:  "k",
		BaseURL: "http://127.0.0.1:1/v1",
	}, nil, zap.NewNop())
	require.NoError(t, err)

	_, err = svc.EmbedDocuments(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestRecorder_Observe(t *testing.T) {
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))
	r := newRecorder("text-embedding-004", mp.Meter(instrumentationName), zap.NewNop())
	ctx := context.Background()

	start := time.Now().Add(-100 * time.Millisecond)
	r.observe(ctx, "documents", start, []string{"abc", "defgh"}, nil)
	r.observe(ctx, "query", start, []string{"xy"}, errors.New("boom"))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	sums := map[string]int64{}
	found := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			found[m.Name] = true
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					sums[m.Name] += dp.Value
				}
			}
		}
	}
	assert.True(t, found["researchd.embeddings.duration"])
	assert.Equal(t, int64(10), sums["researchd.embeddings.characters"])
	assert.Equal(t, int64(1), sums["researchd.embeddings.failures"])
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return math.Abs(s)
}
