package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "agentpilot"

// StartTaskSpan starts a span for one task execution attempt.
func StartTaskSpan(ctx context.Context, taskID, agentType string, attempt int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "task.execute",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.String("task.agent", agentType),
			attribute.Int("task.attempt", attempt),
		),
	)
}

// StartToolCallSpan starts a span for a tool call within a run.
func StartToolCallSpan(ctx context.Context, callID, tool string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "toolcall",
		trace.WithAttributes(
			attribute.String("toolcall.id", callID),
			attribute.String("toolcall.tool", tool),
		),
	)
}

// StartHandoffSpan starts a span for a delegation from one agent to another.
func StartHandoffSpan(ctx context.Context, taskID, from, to string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "handoff",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.String("handoff.from", from),
			attribute.String("handoff.to", to),
		),
	)
}
