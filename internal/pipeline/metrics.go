package pipeline

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const instrumentationName = "github.com/kalambet/docent/internal/pipeline"

// metrics holds the pipeline instruments. They report to the global meter
// provider, which is a no-op unless telemetry is set up.
type metrics struct {
	submissions metric.Int64Counter
	chunks      metric.Int64Counter
	inflight    metric.Int64UpDownCounter
	duration    metric.Float64Histogram
}

func newMetrics(logger *slog.Logger) *metrics {
	meter := otel.Meter(instrumentationName)
	m, err := buildMetrics(meter)
	if err != nil {
		logger.Warn("pipeline metrics disabled", "error", err)
		m, _ = buildMetrics(noop.NewMeterProvider().Meter(instrumentationName))
	}
	return m
}

func buildMetrics(meter metric.Meter) (*metrics, error) {
	submissions, err := meter.Int64Counter("docent.pipeline.submissions",
		metric.WithDescription("Finished submissions by outcome"))
	if err != nil {
		return nil, err
	}
	chunks, err := meter.Int64Counter("docent.pipeline.chunks",
		metric.WithDescription("Stream chunks routed to items, by kind"))
	if err != nil {
		return nil, err
	}
	inflight, err := meter.Int64UpDownCounter("docent.pipeline.inflight",
		metric.WithDescription("Submissions currently in flight"))
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("docent.pipeline.duration",
		metric.WithDescription("Submission wall time"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	return &metrics{
		submissions: submissions,
		chunks:      chunks,
		inflight:    inflight,
		duration:    duration,
	}, nil
}

func (m *metrics) finished(ctx context.Context, flow string, stage Stage, seconds float64) {
	outcome := "ready"
	if stage != "" {
		outcome = string(stage)
	}
	attrs := metric.WithAttributes(
		attribute.String("flow", flow),
		attribute.String("outcome", outcome),
	)
	m.submissions.Add(ctx, 1, attrs)
	m.duration.Record(ctx, seconds, attrs)
}

func (m *metrics) chunk(ctx context.Context, kind string) {
	m.chunks.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
