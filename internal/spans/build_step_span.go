package spans

import (
	"context"

	"github.com/ivov/pipeline-tracer/internal/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// NewBuildStepSpan creates a span for the time a freestyle build step took to execute
func NewBuildStepSpan(
	spanCtx StartContext,
	event models.BuildStepStartedEvent,
) (context.Context, trace.Span) {
	step := event.Payload.Step

	ctx, span := spanCtx.Tracer.Start(spanCtx.parentCtx(), "buildstep."+step.Type, startOptions(event.Timestamp)...)

	span.SetAttributes(runAttributes(spanCtx.Run)...)
	span.SetAttributes(attribute.String(AttrBuildStep, step.Type))

	if step.Name != "" {
		span.SetAttributes(attribute.String(AttrStepName, step.Name))
	}

	return ctx, span
}
