package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "taskforge"

// StartDispatchSpan starts a span covering one task assignment.
func StartDispatchSpan(ctx context.Context, taskID, workerID string, attempt int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "dispatch",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.String("worker.id", workerID),
			attribute.Int("task.attempt", attempt),
		),
	)
}

// StartRetrySpan starts a span covering a retry decision for a failed task.
func StartRetrySpan(ctx context.Context, taskID string, attempt int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "retry",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.Int("task.attempt", attempt),
		),
	)
}
