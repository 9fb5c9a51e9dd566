package orchestrator

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type runMetrics struct {
	runs     metric.Int64Counter
	failures metric.Int64Counter
	duration metric.Float64Histogram
}

func newRunMetrics(meter metric.Meter) (*runMetrics, error) {
	runs, err := meter.Int64Counter("canvas.node.runs",
		metric.WithDescription("Number of node run attempts"),
	)
	if err != nil {
		return nil, err
	}

	failures, err := meter.Int64Counter("canvas.node.failures",
		metric.WithDescription("Number of failed node run attempts"),
	)
	if err != nil {
		return nil, err
	}

	duration, err := meter.Float64Histogram("canvas.node.duration",
		metric.WithDescription("Duration of node run attempts in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &runMetrics{runs: runs, failures: failures, duration: duration}, nil
}

func (m *runMetrics) record(ctx context.Context, nodeType string, out *Outcome) {
	attrs := metric.WithAttributes(
		attribute.String("node_type", nodeType),
		attribute.String("phase", string(out.Phase)),
	)
	m.runs.Add(ctx, 1, attrs)
	m.duration.Record(ctx, out.Duration.Seconds(), attrs)
	if !out.Succeeded() {
		m.failures.Add(ctx, 1, metric.WithAttributes(
			attribute.String("node_type", nodeType),
			attribute.String("failed_in", string(out.FailedIn)),
			attribute.Bool("retryable", out.Retryable),
		))
	}
}
