package core_test

import (
	"context"
	"testing"
	"time"

	"github.com/ivov/pipeline-tracer/internal/core"
	"github.com/ivov/pipeline-tracer/internal/harness"
	"github.com/ivov/pipeline-tracer/internal/models"
	"github.com/ivov/pipeline-tracer/internal/spans"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace"
)

// eventBuilder creates the events of one run, with timestamps that advance
// by one millisecond per offset unit.
type eventBuilder struct {
	base models.BasePayload
	now  time.Time
}

func newEventBuilder(job string, run int) eventBuilder {
	return eventBuilder{
		base: models.BasePayload{Job: job, Run: run},
		now:  time.Date(2025, 6, 9, 20, 0, 0, 0, time.UTC),
	}
}

func (b eventBuilder) ts(offset int) string {
	return b.now.Add(time.Duration(offset) * time.Millisecond).Format(time.RFC3339Nano)
}

func (b eventBuilder) runStarted(offset int, kind models.RunKind) models.RunStartedEvent {
	return models.RunStartedEvent{Timestamp: b.ts(offset), Payload: models.RunStartedPayload{BasePayload: b.base, Kind: kind}}
}

func (b eventBuilder) runCompleted(offset int, result string) models.RunCompletedEvent {
	return models.RunCompletedEvent{Timestamp: b.ts(offset), Payload: models.RunCompletedPayload{BasePayload: b.base, Result: result}}
}

func (b eventBuilder) phaseStarted(offset int, phase string) models.PhaseStartedEvent {
	return models.PhaseStartedEvent{Timestamp: b.ts(offset), Payload: models.PhasePayload{BasePayload: b.base, Phase: phase}}
}

func (b eventBuilder) phaseFinished(offset int, phase string) models.PhaseFinishedEvent {
	return models.PhaseFinishedEvent{Timestamp: b.ts(offset), Payload: models.PhasePayload{BasePayload: b.base, Phase: phase}}
}

func (b eventBuilder) nodeStarted(offset int, node models.NodeDescriptor) models.NodeStartedEvent {
	return models.NodeStartedEvent{Timestamp: b.ts(offset), Payload: models.NodePayload{BasePayload: b.base, Node: node}}
}

func (b eventBuilder) nodeFinished(offset int, node models.NodeDescriptor) models.NodeFinishedEvent {
	return models.NodeFinishedEvent{Timestamp: b.ts(offset), Payload: models.NodePayload{BasePayload: b.base, Node: node}}
}

func (b eventBuilder) buildStepStarted(offset int, stepType string) models.BuildStepStartedEvent {
	return models.BuildStepStartedEvent{Timestamp: b.ts(offset), Payload: models.BuildStepPayload{BasePayload: b.base, Step: models.BuildStepDescriptor{Type: stepType}}}
}

func (b eventBuilder) buildStepFinished(offset int, stepType string) models.BuildStepFinishedEvent {
	return models.BuildStepFinishedEvent{Timestamp: b.ts(offset), Payload: models.BuildStepPayload{BasePayload: b.base, Step: models.BuildStepDescriptor{Type: stepType}}}
}

func processAll(t *testing.T, tracer *core.Tracer, events ...any) {
	t.Helper()
	for _, event := range events {
		require.NoError(t, tracer.ProcessEvent(event), "event %T", event)
	}
}

func assertChildOf(t *testing.T, child, parent trace.ReadOnlySpan) {
	t.Helper()
	assert.Equal(t, parent.SpanContext().SpanID(), child.Parent().SpanID(),
		"%s should be a child of %s", child.Name(), parent.Name())
	assert.Equal(t, parent.SpanContext().TraceID(), child.SpanContext().TraceID())
}

func Test_Pipeline_ExecutorWithAllocation(t *testing.T) {
	h, cleanup := harness.NewTestHarness(t)
	defer cleanup()

	b := newEventBuilder("team/app/main", 42)

	flowStart := models.NodeDescriptor{ID: "2", Kind: models.NodeKindFlowStart, Function: "flow"}
	executor := models.NodeDescriptor{ID: "3", Kind: models.NodeKindStepStart, Function: "node", DisplayName: "Allocate node : Start", ParentIDs: []string{"2"}, EnclosingID: "2"}
	allocated := models.NodeDescriptor{ID: "4", Kind: models.NodeKindStepStart, Function: "node", ParentIDs: []string{"3"}, EnclosingID: "3", Allocation: true}
	shell := models.NodeDescriptor{ID: "5", Kind: models.NodeKindAtom, Function: "sh", DisplayName: "make test", ParentIDs: []string{"4"}, EnclosingID: "4"}
	allocatedEnd := models.NodeDescriptor{ID: "6", Kind: models.NodeKindStepEnd, Function: "node", ParentIDs: []string{"5"}, StartID: "4"}
	executorEnd := models.NodeDescriptor{ID: "7", Kind: models.NodeKindStepEnd, Function: "node", ParentIDs: []string{"6"}, StartID: "3"}
	flowEnd := models.NodeDescriptor{ID: "8", Kind: models.NodeKindFlowEnd, ParentIDs: []string{"7"}, StartID: "2"}

	processAll(t, h.Tracer,
		b.runStarted(0, models.RunKindPipeline),
		b.phaseStarted(10, "run"),
		b.nodeStarted(20, flowStart),
		b.nodeStarted(30, executor),
		b.nodeStarted(500, allocated),
		b.nodeStarted(510, shell),
		b.nodeFinished(900, shell),
		b.nodeStarted(910, allocatedEnd),
		b.nodeStarted(920, executorEnd),
		b.nodeStarted(930, flowEnd),
		b.phaseFinished(940, "run"),
		b.runCompleted(950, "SUCCESS"),
	)

	ended := h.SpanRecorder.Ended()
	require.Len(t, ended, 5, "expected run, phase, executor, allocate and shell spans")

	runSpan := harness.FindSpanByName(t, ended, "run")
	phaseSpan := harness.FindSpanByName(t, ended, "phase.run")
	allocateSpan := harness.FindSpanByName(t, ended, "agent.allocate")
	executorSpan := harness.FindSpanByNodeID(t, ended, "3")
	shellSpan := harness.FindSpanByNodeID(t, ended, "5")

	assertChildOf(t, phaseSpan, runSpan)
	assertChildOf(t, executorSpan, phaseSpan)
	assertChildOf(t, allocateSpan, executorSpan)
	assertChildOf(t, shellSpan, executorSpan)

	assert.Equal(t, "step.node", executorSpan.Name())
	assert.Equal(t, "step.sh", shellSpan.Name())

	assert.Equal(t, 470*time.Millisecond, allocateSpan.EndTime().Sub(allocateSpan.StartTime()), "allocation lasts until the body starts")
	assert.Equal(t, 390*time.Millisecond, shellSpan.EndTime().Sub(shellSpan.StartTime()))

	runAttrs := harness.ToMap(runSpan.Attributes())
	assert.Equal(t, "team/app/main", runAttrs[attribute.Key(spans.AttrRunJob)])
	assert.Equal(t, "42", runAttrs[attribute.Key(spans.AttrRunNumber)])
	assert.Equal(t, "SUCCESS", runAttrs[attribute.Key(spans.AttrRunResult)])
	assert.Equal(t, codes.Unset, runSpan.Status().Code)

	shellAttrs := harness.ToMap(shellSpan.Attributes())
	assert.Equal(t, "make test", shellAttrs[attribute.Key(spans.AttrStepName)])
	assert.Equal(t, "sh", shellAttrs[attribute.Key(spans.AttrStepFunction)])

	assert.Zero(t, h.Tracer.RunsInMemory())
	assert.Zero(t, h.Service.RunsInMemory())
	assert.Equal(t, float64(7), testutil.ToFloat64(h.Metrics.EventsProcessed.WithLabelValues(models.EventTypeNodeStarted)))
}

func Test_Pipeline_ParallelBranches(t *testing.T) {
	h, cleanup := harness.NewTestHarness(t)
	defer cleanup()

	b := newEventBuilder("team/app/main", 7)

	node := func(id, kind, function, enclosing string) models.NodeDescriptor {
		return models.NodeDescriptor{ID: id, Kind: kind, Function: function, EnclosingID: enclosing, ParentIDs: []string{enclosing}}
	}
	end := func(id, start string) models.NodeDescriptor {
		return models.NodeDescriptor{ID: id, Kind: models.NodeKindStepEnd, StartID: start}
	}

	stage := node("3", models.NodeKindStepStart, "stage", "2")
	parallel := node("4", models.NodeKindStepStart, "parallel", "3")
	branchA := node("5", models.NodeKindStepStart, "parallel", "4")
	branchB := node("6", models.NodeKindStepStart, "parallel", "4")
	shellA := node("7", models.NodeKindAtom, "sh", "5")
	shellB := node("8", models.NodeKindAtom, "sh", "6")

	processAll(t, h.Tracer,
		b.runStarted(0, models.RunKindPipeline),
		b.phaseStarted(1, "run"),
		b.nodeStarted(2, models.NodeDescriptor{ID: "2", Kind: models.NodeKindFlowStart}),
		b.nodeStarted(3, stage),
		b.nodeStarted(4, parallel),
		b.nodeStarted(5, branchA),
		b.nodeStarted(6, branchB),
		b.nodeStarted(7, shellA),
		b.nodeStarted(8, shellB),
		b.nodeFinished(20, shellB),
		b.nodeFinished(30, shellA),
		b.nodeStarted(31, end("9", "6")),
		b.nodeStarted(32, end("10", "5")),
		b.nodeStarted(33, end("11", "4")),
		b.nodeStarted(34, end("12", "3")),
		b.phaseFinished(35, "run"),
		b.runCompleted(36, "SUCCESS"),
	)

	ended := h.SpanRecorder.Ended()
	require.Len(t, ended, 8)

	phaseSpan := harness.FindSpanByName(t, ended, "phase.run")
	stageSpan := harness.FindSpanByNodeID(t, ended, "3")
	parallelSpan := harness.FindSpanByNodeID(t, ended, "4")
	branchASpan := harness.FindSpanByNodeID(t, ended, "5")
	branchBSpan := harness.FindSpanByNodeID(t, ended, "6")

	assertChildOf(t, stageSpan, phaseSpan)
	assertChildOf(t, parallelSpan, stageSpan)
	assertChildOf(t, branchASpan, parallelSpan)
	assertChildOf(t, branchBSpan, parallelSpan)
	assertChildOf(t, harness.FindSpanByNodeID(t, ended, "7"), branchASpan)
	assertChildOf(t, harness.FindSpanByNodeID(t, ended, "8"), branchBSpan)
}

func Test_Freestyle_NestedBuildSteps(t *testing.T) {
	h, cleanup := harness.NewTestHarness(t)
	defer cleanup()

	b := newEventBuilder("legacy/nightly", 3)

	processAll(t, h.Tracer,
		b.runStarted(0, models.RunKindFreestyle),
		b.buildStepStarted(10, "Shell"),
		b.buildStepStarted(20, "Maven"),
		b.buildStepFinished(30, "Maven"),
		b.buildStepFinished(40, "Shell"),
		b.buildStepStarted(50, "ArtifactArchiver"),
		b.buildStepFinished(60, "ArtifactArchiver"),
		b.runCompleted(70, "SUCCESS"),
	)

	ended := h.SpanRecorder.Ended()
	require.Len(t, ended, 4)

	runSpan := harness.FindSpanByName(t, ended, "run")
	shellSpan := harness.FindSpanByName(t, ended, "buildstep.Shell")

	assertChildOf(t, shellSpan, runSpan)
	assertChildOf(t, harness.FindSpanByName(t, ended, "buildstep.Maven"), shellSpan)
	assertChildOf(t, harness.FindSpanByName(t, ended, "buildstep.ArtifactArchiver"), runSpan)

	assert.Equal(t, "freestyle", harness.ToMap(runSpan.Attributes())[attribute.Key(spans.AttrRunKind)])
	assert.Zero(t, h.Service.RunsInMemory())
}

func Test_FailedRun(t *testing.T) {
	h, cleanup := harness.NewTestHarness(t)
	defer cleanup()

	b := newEventBuilder("team/app/main", 8)

	processAll(t, h.Tracer,
		b.runStarted(0, models.RunKindPipeline),
		b.runCompleted(10, "FAILURE"),
	)

	runSpan := harness.FindSpanByName(t, h.SpanRecorder.Ended(), "run")
	assert.Equal(t, codes.Error, runSpan.Status().Code)
	assert.Equal(t, "The run failed.", runSpan.Status().Description)
}

func Test_RestartGaps_AreTolerated(t *testing.T) {
	h, cleanup := harness.NewTestHarness(t)
	defer cleanup()

	// Events of a run that started before the tracer did.
	b := newEventBuilder("team/app/main", 99)
	shell := models.NodeDescriptor{ID: "12", Kind: models.NodeKindAtom, Function: "sh"}

	processAll(t, h.Tracer,
		b.nodeFinished(0, shell),
		b.nodeStarted(1, models.NodeDescriptor{ID: "13", Kind: models.NodeKindStepEnd, StartID: "11"}),
		b.buildStepFinished(2, "Shell"),
		b.phaseFinished(3, "run"),
	)

	assert.Equal(t, 1, h.Tracer.RunsInMemory())

	processAll(t, h.Tracer, b.runCompleted(4, "SUCCESS"))

	assert.Empty(t, h.SpanRecorder.Ended(), "no real span can be ended after a restart")
	assert.Zero(t, h.Tracer.RunsInMemory())
	assert.Zero(t, h.Service.RunsInMemory())

	assert.Equal(t, float64(1), testutil.ToFloat64(h.Metrics.RestartGaps.WithLabelValues("remove_node_span")))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.Metrics.RestartGaps.WithLabelValues("remove_build_step_span")))
	assert.Equal(t, float64(2), testutil.ToFloat64(h.Metrics.RestartGaps.WithLabelValues("current_phase_span")))
	assert.Equal(t, 1, h.Logs.FilterMessage("Ignoring node referencing an unknown node, tracer may have restarted").Len())
}

func Test_OrphanSpans(t *testing.T) {
	h, cleanup := harness.NewTestHarness(t)
	defer cleanup()

	b := newEventBuilder("team/app/main", 100)

	noPhase := models.NodeDescriptor{ID: "3", Kind: models.NodeKindAtom, Function: "echo"}
	noEnclosingSpan := models.NodeDescriptor{ID: "4", Kind: models.NodeKindAtom, Function: "sh", EnclosingID: "2"}

	processAll(t, h.Tracer,
		b.nodeStarted(0, models.NodeDescriptor{ID: "2", Kind: models.NodeKindFlowStart}),
		b.nodeStarted(1, noPhase),
		b.nodeFinished(2, noPhase),
		b.nodeStarted(3, noEnclosingSpan),
		b.nodeFinished(4, noEnclosingSpan),
	)

	ended := h.SpanRecorder.Ended()
	require.Len(t, ended, 2)

	tests := []struct {
		nodeID string
		reason string
	}{
		{nodeID: "3", reason: spans.ReasonMissingPhaseSpan},
		{nodeID: "4", reason: spans.ReasonMissingEnclosingSpan},
	}

	for _, tt := range tests {
		span := harness.FindSpanByNodeID(t, ended, tt.nodeID)
		attrs := harness.ToMap(span.Attributes())

		assert.Equal(t, "true", attrs["span.orphaned"])
		assert.Equal(t, tt.reason, attrs["span.orphaned.reason"])
		assert.False(t, span.Parent().IsValid(), "orphan spans start a trace of their own")
	}

	assert.Equal(t, 2, h.Logs.FilterMessageSnippet("Created orphan").Len())
}

func Test_PhaseStarted_AfterRestart_IsOrphan(t *testing.T) {
	h, cleanup := harness.NewTestHarness(t)
	defer cleanup()

	// The run span was lost with the previous tracer process.
	b := newEventBuilder("team/app/main", 101)

	processAll(t, h.Tracer,
		b.phaseStarted(0, "finalize"),
		b.phaseFinished(25, "finalize"),
	)

	ended := h.SpanRecorder.Ended()
	require.Len(t, ended, 1)

	phaseSpan := harness.FindSpanByName(t, ended, "phase.finalize")
	attrs := harness.ToMap(phaseSpan.Attributes())
	assert.Equal(t, "true", attrs["span.orphaned"])
	assert.Equal(t, spans.ReasonMissingPhaseSpan, attrs["span.orphaned.reason"])
	assert.Equal(t, "finalize", attrs[attribute.Key(spans.AttrPhase)])
	assert.False(t, phaseSpan.Parent().IsValid(), "orphan spans start a trace of their own")
	assert.Equal(t, 25*time.Millisecond, phaseSpan.EndTime().Sub(phaseSpan.StartTime()))

	assert.Equal(t, 1, h.Logs.FilterMessageSnippet("Missing parent phase span").Len())
	assert.Zero(t, testutil.ToFloat64(h.Metrics.OpenScopes), "the scope is closed after the span starts")
}

func Test_ExecutorEndsBeforeAllocation(t *testing.T) {
	h, cleanup := harness.NewTestHarness(t)
	defer cleanup()

	b := newEventBuilder("team/app/main", 5)

	processAll(t, h.Tracer,
		b.runStarted(0, models.RunKindPipeline),
		b.phaseStarted(1, "run"),
		b.nodeStarted(2, models.NodeDescriptor{ID: "3", Kind: models.NodeKindStepStart, Function: "node"}),
		b.nodeStarted(3, models.NodeDescriptor{ID: "4", Kind: models.NodeKindStepEnd, Function: "node", StartID: "3"}),
		b.phaseFinished(4, "run"),
		b.runCompleted(5, "ABORTED"),
	)

	ended := h.SpanRecorder.Ended()
	require.Len(t, ended, 4)

	allocateSpan := harness.FindSpanByName(t, ended, "agent.allocate")
	assertChildOf(t, allocateSpan, harness.FindSpanByNodeID(t, ended, "3"))
	assert.Zero(t, testutil.ToFloat64(h.Metrics.VerificationFailures.WithLabelValues("remove_node_span")))
}

func Test_PhaseFinished_WithOpenStep_FailsVerification(t *testing.T) {
	h, cleanup := harness.NewTestHarness(t)
	defer cleanup()

	b := newEventBuilder("team/app/main", 6)

	processAll(t, h.Tracer,
		b.runStarted(0, models.RunKindPipeline),
		b.phaseStarted(1, "run"),
		b.nodeStarted(2, models.NodeDescriptor{ID: "3", Kind: models.NodeKindAtom, Function: "sh"}),
	)

	err := h.Tracer.ProcessEvent(b.phaseFinished(3, "run"))
	require.ErrorIs(t, err, core.ErrVerification)
	assert.Contains(t, err.Error(), "failed to process phase.finished for run team/app/main#6")

	err = h.Tracer.ProcessEvent(b.runCompleted(4, "FAILURE"))
	require.ErrorIs(t, err, core.ErrVerification)
	assert.Zero(t, h.Tracer.RunsInMemory(), "a completed run is forgotten even when verification fails")
	assert.Zero(t, h.Service.RunsInMemory())
}

func Test_ProcessEvent_RejectsInvalidEvents(t *testing.T) {
	h, cleanup := harness.NewTestHarness(t)
	defer cleanup()

	err := h.Tracer.ProcessEvent("not an event")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported event")

	err = h.Tracer.ProcessEvent(models.RunStartedEvent{Timestamp: "2025-06-09T20:00:00Z"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to find run identifier")

	assert.Zero(t, h.Tracer.RunsInMemory())
}

func Test_GC_EvictsStaleRuns(t *testing.T) {
	h, cleanup := harness.NewTestHarness(t)
	defer cleanup()

	b := newEventBuilder("team/app/main", 11)

	processAll(t, h.Tracer,
		b.runStarted(0, models.RunKindPipeline),
		b.phaseStarted(1, "run"),
		b.nodeStarted(2, models.NodeDescriptor{ID: "3", Kind: models.NodeKindAtom, Function: "sh"}),
	)
	require.Equal(t, 1, h.Tracer.RunsInMemory())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.Tracer.StartGC(ctx, time.Nanosecond, 10*time.Millisecond)
	}()

	require.Eventually(t, func() bool {
		return h.Tracer.RunsInMemory() == 0 && h.Service.RunsInMemory() == 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done

	ended := h.SpanRecorder.Ended()
	require.Len(t, ended, 3)
	for _, span := range ended {
		assert.Equal(t, codes.Error, span.Status().Code, span.Name())
		assert.Equal(t, "ERROR_RUN_EVICTED", harness.ToMap(span.Attributes())["otel.status_code"])
	}
}
