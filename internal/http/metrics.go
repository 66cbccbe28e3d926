package http

import (
	"context"
	"errors"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const httpInstrumentationName = "github.com/fyrsmithlabs/researchd/internal/http"

// serverMetrics records API traffic and research submissions.
// Instruments that failed to register stay nil and are skipped.
type serverMetrics struct {
	requests metric.Int64Counter
	latency  metric.Float64Histogram
	starts   metric.Int64Counter
	streams  metric.Int64UpDownCounter
}

func newServerMetrics(meter metric.Meter, logger *zap.Logger) *serverMetrics {
	if meter == nil {
		meter = otel.Meter(httpInstrumentationName)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	warn := func(name string, err error) {
		if err != nil {
			logger.Warn("failed to create http instrument", zap.String("instrument", name), zap.Error(err))
		}
	}

	m := &serverMetrics{}
	var err error

	m.requests, err = meter.Int64Counter("researchd.http.requests",
		metric.WithDescription("API requests by method, route template and response status."),
		metric.WithUnit("{request}"),
	)
	warn("requests", err)

	m.latency, err = meter.Float64Histogram("researchd.http.request.duration",
		metric.WithDescription("API request latency. Stream requests last as long as the connection."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.025, 0.1, 0.5, 1, 5, 30, 300),
	)
	warn("latency", err)

	m.starts, err = meter.Int64Counter("researchd.research.submissions",
		metric.WithDescription("Research start requests by domain source (user or auto) and outcome."),
		metric.WithUnit("{task}"),
	)
	warn("starts", err)

	m.streams, err = meter.Int64UpDownCounter("researchd.http.streams.open",
		metric.WithDescription("Progress streams currently connected."),
		metric.WithUnit("{stream}"),
	)
	warn("streams", err)

	return m
}

// middleware records one request sample after the handler returns.
func (m *serverMetrics) middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			attrs := metric.WithAttributes(
				attribute.String("method", c.Request().Method),
				attribute.String("route", routeLabel(c.Path())),
				attribute.Int("status", responseStatus(c, err)),
			)
			ctx := c.Request().Context()
			if m.requests != nil {
				m.requests.Add(ctx, 1, attrs)
			}
			if m.latency != nil {
				m.latency.Record(ctx, time.Since(start).Seconds(), attrs)
			}
			return err
		}
	}
}

// submitted counts a start request. domain is the requested domain, empty
// when the server picks one.
func (m *serverMetrics) submitted(ctx context.Context, domain string, accepted bool) {
	if m.starts == nil {
		return
	}
	source, outcome := "user", "accepted"
	if domain == "" {
		source = "auto"
	}
	if !accepted {
		outcome = "rejected"
	}
	m.starts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("domain_source", source),
		attribute.String("outcome", outcome),
	))
}

// streamOpened tracks a connected stream and returns the matching close func.
func (m *serverMetrics) streamOpened(ctx context.Context) func() {
	if m.streams == nil {
		return func() {}
	}
	m.streams.Add(ctx, 1)
	return func() { m.streams.Add(context.WithoutCancel(ctx), -1) }
}

// routeLabel maps the matched route to a metric label. Echo reports the
// route template (/research/status/:id) rather than the request path, so
// task ids never become labels.
func routeLabel(path string) string {
	if path == "" || path == "/*" {
		return "unmatched"
	}
	return path
}

// responseStatus returns the status the client will see. Handler errors are
// written by the error handler after the middleware chain returns.
func responseStatus(c echo.Context, err error) int {
	var he *echo.HTTPError
	if err != nil && !c.Response().Committed && errors.As(err, &he) {
		return he.Code
	}
	return c.Response().Status
}
