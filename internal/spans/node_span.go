package spans

import (
	"context"

	"github.com/ivov/pipeline-tracer/internal/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// NewStepSpan creates a span for the time a pipeline step took to execute,
// including the body of block steps such as stages and parallel branches
func NewStepSpan(
	spanCtx StartContext,
	node models.FlowNode,
	timestamp string,
) (context.Context, trace.Span) {
	name := "step." + node.FunctionName()
	if node.FunctionName() == "" {
		name = "step"
	}

	ctx, span := spanCtx.Tracer.Start(spanCtx.parentCtx(), name, startOptions(timestamp)...)

	span.SetAttributes(runAttributes(spanCtx.Run)...)
	span.SetAttributes(
		attribute.String(AttrStepID, node.ID()),
		attribute.String(AttrStepFunction, node.FunctionName()),
	)

	if node.DisplayName() != "" {
		span.SetAttributes(attribute.String(AttrStepName, node.DisplayName()))
	}

	return ctx, span
}

// NewAgentAllocateSpan creates a span for the time an executor step waited for
// an agent. It ends when the step's body starts.
func NewAgentAllocateSpan(
	spanCtx StartContext,
	node models.FlowNode,
	timestamp string,
) (context.Context, trace.Span) {
	ctx, span := spanCtx.Tracer.Start(spanCtx.parentCtx(), "agent.allocate", startOptions(timestamp)...)

	span.SetAttributes(runAttributes(spanCtx.Run)...)
	span.SetAttributes(attribute.String(AttrStepID, node.ID()))

	return ctx, span
}
