package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "conductor"

// StartExecutionSpan starts a span for one task execution attempt.
func StartExecutionSpan(ctx context.Context, taskID, taskType string, attempt int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "execution",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.String("task.type", taskType),
			attribute.Int("task.attempt", attempt),
		),
	)
}

// StartCorrectionSpan starts a span for an auto-correction attempt.
func StartCorrectionSpan(ctx context.Context, taskID, executionID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "correction",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.String("execution.id", executionID),
		),
	)
}
