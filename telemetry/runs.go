package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	"tangled.sh/tangled.sh/conveyor/conveyor/models"
)

// RunMetrics records pipeline run lifecycles.
type RunMetrics struct {
	started  otelmetric.Int64Counter
	finished otelmetric.Int64Counter
	duration otelmetric.Int64Histogram
}

func NewRunMetrics(meter otelmetric.Meter) (*RunMetrics, error) {
	started, err := meter.Int64Counter(
		"runs_started",
		otelmetric.WithDescription("Number of pipeline runs that began executing."),
		otelmetric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to create runs_started counter: %w", err)
	}

	finished, err := meter.Int64Counter(
		"runs_finished",
		otelmetric.WithDescription("Number of pipeline runs that reached a terminal status."),
		otelmetric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to create runs_finished counter: %w", err)
	}

	duration, err := meter.Int64Histogram(
		"run_duration_millis",
		otelmetric.WithDescription("Wall time from trigger to terminal status, in milliseconds."),
		otelmetric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to create run_duration_millis histogram: %w", err)
	}

	return &RunMetrics{started: started, finished: finished, duration: duration}, nil
}

func (m *RunMetrics) RunStarted(ctx context.Context, pipelineId string) {
	m.started.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("pipeline", pipelineId)))
}

func (m *RunMetrics) RunFinished(ctx context.Context, run *models.Run) {
	attrs := otelmetric.WithAttributes(
		attribute.String("pipeline", run.PipelineId),
		attribute.String("status", string(run.Status)),
	)
	m.finished.Add(ctx, 1, attrs)
	m.duration.Record(ctx, run.Duration().Milliseconds(), attrs)
}
