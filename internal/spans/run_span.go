package spans

import (
	"context"
	"time"

	"github.com/ivov/pipeline-tracer/internal/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	AttrRunJob       = "ci.pipeline.id"
	AttrRunNumber    = "ci.pipeline.run.number"
	AttrRunKind      = "ci.pipeline.kind"
	AttrRunResult    = "ci.pipeline.run.result"
	AttrPhase        = "ci.pipeline.phase"
	AttrStepID       = "ci.pipeline.step.id"
	AttrStepFunction = "ci.pipeline.step.function"
	AttrStepName     = "ci.pipeline.step.name"
	AttrBuildStep    = "ci.pipeline.buildstep.type"
)

// NewRunSpan creates the root span of a run, covering it from start to completion
func NewRunSpan(
	spanCtx StartContext,
	event models.RunStartedEvent,
) (context.Context, trace.Span) {
	ctx, span := spanCtx.Tracer.Start(spanCtx.parentCtx(), "run", startOptions(event.Timestamp)...)

	span.SetAttributes(runAttributes(spanCtx.Run)...)
	span.SetAttributes(attribute.String(AttrRunKind, event.Payload.Kind))

	return ctx, span
}

// NewPhaseSpan creates a span for one coarse phase of a run (start, run, finalize)
func NewPhaseSpan(
	spanCtx StartContext,
	event models.PhaseStartedEvent,
) (context.Context, trace.Span) {
	ctx, span := spanCtx.Tracer.Start(spanCtx.parentCtx(), "phase."+event.Payload.Phase, startOptions(event.Timestamp)...)

	span.SetAttributes(runAttributes(spanCtx.Run)...)
	span.SetAttributes(attribute.String(AttrPhase, event.Payload.Phase))

	return ctx, span
}

func EndRunSpan(span trace.Span, event models.RunCompletedEvent) {
	if event.Payload.Result != "" {
		span.SetAttributes(attribute.String(AttrRunResult, event.Payload.Result))
	}
	if event.Payload.Result == "FAILURE" {
		span.SetStatus(codes.Error, "The run failed.")
	}
	EndSpan(span, event.Timestamp)
}

func EndSpan(span trace.Span, timestamp string) {
	opts := []trace.SpanEndOption{}
	if eventTime := parseEventTime(timestamp); !eventTime.IsZero() {
		opts = append(opts, trace.WithTimestamp(eventTime))
	}
	span.End(opts...)
}

// EndSpanOnEviction ends a span whose run was dropped from memory without
// completing.
func EndSpanOnEviction(span trace.Span) {
	span.SetAttributes(attribute.String("otel.status_code", "ERROR_RUN_EVICTED"))
	span.SetStatus(codes.Error, "The run went stale and was evicted before completing.")
	span.End()
}

func runAttributes(run models.RunIdentifier) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrRunJob, run.JobFullPath),
		attribute.Int(AttrRunNumber, run.RunNumber),
	}
}

func startOptions(timestamp string) []trace.SpanStartOption {
	opts := []trace.SpanStartOption{}
	if eventTime := parseEventTime(timestamp); !eventTime.IsZero() {
		opts = append(opts, trace.WithTimestamp(eventTime))
	}
	return opts
}

func parseEventTime(timestamp string) time.Time {
	eventTime, err := time.Parse(time.RFC3339Nano, timestamp)
	if err != nil {
		return time.Time{} // zero time indicates parsing failure
	}

	return eventTime
}
