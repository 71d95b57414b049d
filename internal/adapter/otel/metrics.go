package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "conductor"

// Metrics implements the costmeter.Meter port with OpenTelemetry instruments.
type Metrics struct {
	executions        metric.Int64Counter
	executionDuration metric.Float64Histogram
	corrections       metric.Int64Counter
	confidence        metric.Int64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.executions, err = meter.Int64Counter("conductor.executions",
		metric.WithDescription("Number of task executions"))
	if err != nil {
		return nil, err
	}

	m.executionDuration, err = meter.Float64Histogram("conductor.execution.duration_ms",
		metric.WithDescription("Task execution duration in milliseconds"))
	if err != nil {
		return nil, err
	}

	m.corrections, err = meter.Int64Counter("conductor.corrections",
		metric.WithDescription("Number of applied correction strategies"))
	if err != nil {
		return nil, err
	}

	m.confidence, err = meter.Int64Histogram("conductor.confidence",
		metric.WithDescription("Posterior confidence scores"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordExecution counts one task execution and its duration.
func (m *Metrics) RecordExecution(ctx context.Context, taskType string, durationMS int64, success bool) {
	attrs := metric.WithAttributes(
		attribute.String("task.type", taskType),
		attribute.Bool("success", success),
	)
	m.executions.Add(ctx, 1, attrs)
	m.executionDuration.Record(ctx, float64(durationMS), attrs)
}

// RecordCorrection counts one applied correction strategy.
func (m *Metrics) RecordCorrection(ctx context.Context, strategy string, success bool) {
	m.corrections.Add(ctx, 1, metric.WithAttributes(
		attribute.String("strategy", strategy),
		attribute.Bool("success", success),
	))
}

// RecordConfidence records one posterior confidence score.
func (m *Metrics) RecordConfidence(ctx context.Context, taskType string, confidence int) {
	m.confidence.Record(ctx, int64(confidence), metric.WithAttributes(
		attribute.String("task.type", taskType),
	))
}
