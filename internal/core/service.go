package core

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ivov/pipeline-tracer/internal/metrics"
	"github.com/ivov/pipeline-tracer/internal/models"
	s "github.com/ivov/pipeline-tracer/internal/spans"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

const InstrumentationName = "pipeline-tracer"

// ErrVerification is wrapped by every error reporting a broken span
// bookkeeping invariant. Such errors point to a bug in the caller or in the
// service and must not be ignored.
var ErrVerification = errors.New("span verification failed")

// TraceService maps every run in progress to the spans currently open for it.
//
// State is not persisted: after a restart, lookups return non-recording spans
// and removals of unknown spans are ignored.
type TraceService struct {
	tracer     trace.Tracer
	noopTracer trace.Tracer
	logger     *zap.Logger
	metrics    *metrics.Metrics

	spansByRun          map[models.RunIdentifier]*RunSpans
	freestyleSpansByRun map[models.RunIdentifier]*FreestyleRunSpans
	mu                  sync.Mutex
}

type Option func(*TraceService)

func WithLogger(logger *zap.Logger) Option {
	return func(ts *TraceService) { ts.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(ts *TraceService) { ts.metrics = m }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(ts *TraceService) { ts.tracer = tracer }
}

func NewTraceService(opts ...Option) *TraceService {
	ts := &TraceService{
		tracer:              otel.Tracer(InstrumentationName),
		noopTracer:          noop.NewTracerProvider().Tracer(InstrumentationName),
		logger:              zap.NewNop(),
		spansByRun:          make(map[models.RunIdentifier]*RunSpans),
		freestyleSpansByRun: make(map[models.RunIdentifier]*FreestyleRunSpans),
	}

	for _, opt := range opts {
		opt(ts)
	}

	return ts
}

// Tracer returns the tracer to create real spans with.
func (ts *TraceService) Tracer() trace.Tracer {
	return ts.tracer
}

// Stores are created on first reference, which covers runs that were already
// in progress when the process started.
func (ts *TraceService) runSpans(run models.RunIdentifier) *RunSpans {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	rs, ok := ts.spansByRun[run]
	if !ok {
		rs = newRunSpans()
		ts.spansByRun[run] = rs
	}
	return rs
}

func (ts *TraceService) freestyleRunSpans(run models.RunIdentifier) *FreestyleRunSpans {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	frs, ok := ts.freestyleSpansByRun[run]
	if !ok {
		frs = newFreestyleRunSpans()
		ts.freestyleSpansByRun[run] = frs
	}
	return frs
}

// ----------------
//     lookup
// ----------------

// CurrentPhaseSpan returns the span of the innermost open phase of run. With
// requireNoOpenStepSpans, it fails if step spans are still open for the run.
func (ts *TraceService) CurrentPhaseSpan(run models.RunIdentifier, requireNoOpenStepSpans bool) (trace.Span, error) {
	rs := ts.runSpans(run)
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if requireNoOpenStepSpans && len(rs.stepsByNode) > 0 {
		return nil, ts.verificationFailed("current_phase_span",
			"%s - can't access run phase span while there are remaining pipeline step spans: %s", run, rs.string())
	}

	return ts.topPhaseSpan("current_phase_span", run, rs.phases), nil
}

// SpanForNode returns the span of the nearest ancestor of node that has one,
// falling back to the current phase span.
func (ts *TraceService) SpanForNode(run models.RunIdentifier, node models.FlowNode) trace.Span {
	rs := ts.runSpans(run)
	rs.mu.Lock()
	defer rs.mu.Unlock()

	for _, ancestor := range Ancestors(node) {
		if spanCtx, ok := rs.stepsByNode.last(ancestor.ID()); ok {
			return spanCtx.Span()
		}
	}

	return ts.topPhaseSpan("span_for_node", run, rs.phases)
}

// SpanForBuildStep returns the innermost open span of a freestyle run.
func (ts *TraceService) SpanForBuildStep(run models.RunIdentifier, step models.BuildStep) trace.Span {
	frs := ts.freestyleRunSpans(run)
	frs.mu.Lock()
	defer frs.mu.Unlock()

	ts.logger.Debug("Looking up span for build step",
		zap.Stringer("run", run),
		zap.String("step", step.Type),
	)

	return ts.topPhaseSpan("span_for_build_step", run, frs.phases)
}

// NodeSpan returns the span recorded for the node that removing node would
// affect, without falling back to ancestors.
func (ts *TraceService) NodeSpan(run models.RunIdentifier, node models.FlowNode) (trace.Span, bool, error) {
	target, err := removalTarget(node)
	if err != nil {
		return nil, false, ts.verificationFailed("node_span", "%s - %v", run, err)
	}

	rs := ts.runSpans(run)
	rs.mu.Lock()
	defer rs.mu.Unlock()

	spanCtx, ok := rs.stepsByNode.last(target.ID())
	if !ok {
		return nil, false, nil
	}
	return spanCtx.Span(), true, nil
}

func (ts *TraceService) topPhaseSpan(op string, run models.RunIdentifier, phases phaseStack) trace.Span {
	span, ok := phases.top()
	if !ok {
		return ts.recoverySpan(op, run)
	}
	return span
}

// ----------------
//     record
// ----------------

func (ts *TraceService) RecordPhaseSpan(run models.RunIdentifier, span trace.Span) {
	rs := ts.runSpans(run)
	rs.mu.Lock()
	defer rs.mu.Unlock()

	rs.phases.push(span)

	if ts.logger.Core().Enabled(zap.DebugLevel) {
		ts.logger.Debug("Recorded phase span", zap.Stringer("run", run), zap.String("spans", rs.string()))
	}
}

func (ts *TraceService) RecordNodeSpan(run models.RunIdentifier, node models.FlowNode, span trace.Span) {
	rs := ts.runSpans(run)
	rs.mu.Lock()
	defer rs.mu.Unlock()

	rs.stepsByNode.put(node.ID(), s.NewPipelineSpanContext(span, node))

	if ts.logger.Core().Enabled(zap.DebugLevel) {
		ts.logger.Debug("Recorded node span",
			zap.Stringer("run", run),
			zap.String("node", node.ID()),
			zap.String("function", node.FunctionName()),
			zap.String("spans", rs.string()),
		)
	}
}

// RecordBuildStepSpan pushes the span of a freestyle build step. Build steps
// nest like phases, so the span becomes the parent of the next build step.
func (ts *TraceService) RecordBuildStepSpan(run models.RunIdentifier, step models.BuildStep, span trace.Span) {
	frs := ts.freestyleRunSpans(run)
	frs.mu.Lock()
	defer frs.mu.Unlock()

	frs.phases.push(span)
	frs.stepsByType.put(step.Type, s.NewFreestyleSpanContext(span, step))
}

// ----------------
//     remove
// ----------------

// RemoveNodeSpan removes the last span recorded for the node that owns the
// span of node. Nothing recorded is not an error, since the process may have
// restarted since the span was created.
func (ts *TraceService) RemoveNodeSpan(run models.RunIdentifier, node models.FlowNode, span trace.Span) error {
	target, err := removalTarget(node)
	if err != nil {
		return ts.verificationFailed("remove_node_span", "%s - %v", run, err)
	}

	rs := ts.runSpans(run)
	rs.mu.Lock()
	defer rs.mu.Unlock()

	last, ok := rs.stepsByNode.last(target.ID())
	if !ok {
		ts.restartGap("remove_node_span", run,
			zap.String("node", node.ID()),
			zap.String("function", node.FunctionName()),
		)
		return nil
	}

	if !s.SameSpan(last.Span(), span) {
		return ts.verificationFailed("remove_node_span",
			"%s - failure to remove span %s for node %s, last recorded is %s: %s",
			run, spanID(span), target.ID(), last, rs.string())
	}

	rs.stepsByNode.popLast(target.ID())
	return nil
}

// RemovePhaseSpan removes span from the top of the phase stack of run.
func (ts *TraceService) RemovePhaseSpan(run models.RunIdentifier, span trace.Span) error {
	rs := ts.runSpans(run)
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if len(rs.stepsByNode) > 0 {
		return ts.verificationFailed("remove_phase_span",
			"%s - try to remove span associated with a run phase even though there are remaining spans associated with flow nodes: %s", run, rs.string())
	}

	top, ok := rs.phases.top()
	if !ok {
		ts.restartGap("remove_phase_span", run)
		return nil
	}

	if !s.SameSpan(top, span) {
		return ts.verificationFailed("remove_phase_span",
			"%s - failure to remove span %s: %s", run, spanID(span), rs.string())
	}

	rs.phases.pop()
	return nil
}

// RemoveBuildStepSpan removes span from the top of the stack of a freestyle
// run.
func (ts *TraceService) RemoveBuildStepSpan(run models.RunIdentifier, step models.BuildStep, span trace.Span) error {
	frs := ts.freestyleRunSpans(run)
	frs.mu.Lock()
	defer frs.mu.Unlock()

	top, ok := frs.phases.top()
	if !ok {
		ts.restartGap("remove_build_step_span", run, zap.String("step", step.Type))
		return nil
	}

	if !s.SameSpan(top, span) {
		return ts.verificationFailed("remove_build_step_span",
			"%s - failure to remove span %s of build step %s: %s", run, spanID(span), step.Type, frs.string())
	}

	frs.phases.pop()
	if last, ok := frs.stepsByType.last(step.Type); ok && s.SameSpan(last.Span(), span) {
		frs.stepsByType.popLast(step.Type)
	}
	return nil
}

// PurgeRun drops all state held for run. It fails if spans are still open,
// but the state is dropped regardless.
func (ts *TraceService) PurgeRun(run models.RunIdentifier) error {
	ts.mu.Lock()
	rs := ts.spansByRun[run]
	frs := ts.freestyleSpansByRun[run]
	delete(ts.spansByRun, run)
	delete(ts.freestyleSpansByRun, run)
	ts.mu.Unlock()

	var errs []error

	if rs != nil {
		rs.mu.Lock()
		if !rs.empty() {
			errs = append(errs, ts.verificationFailed("purge_run",
				"%s - some spans have not been ended and removed: %s", run, rs.string()))
		}
		rs.mu.Unlock()
	}

	if frs != nil {
		frs.mu.Lock()
		if !frs.empty() {
			errs = append(errs, ts.verificationFailed("purge_run",
				"%s - some build step spans have not been ended and removed: %s", run, frs.string()))
		}
		frs.mu.Unlock()
	}

	return errors.Join(errs...)
}

// Evict drops all state held for run without verification and returns the
// spans that were still open, innermost first.
func (ts *TraceService) Evict(run models.RunIdentifier) []trace.Span {
	ts.mu.Lock()
	rs := ts.spansByRun[run]
	frs := ts.freestyleSpansByRun[run]
	delete(ts.spansByRun, run)
	delete(ts.freestyleSpansByRun, run)
	ts.mu.Unlock()

	var open []trace.Span

	if frs != nil {
		frs.mu.Lock()
		open = append(open, frs.openSpans()...)
		frs.mu.Unlock()
	}

	if rs != nil {
		rs.mu.Lock()
		open = append(open, rs.openSpans()...)
		rs.mu.Unlock()
	}

	return open
}

// RunsInMemory returns the number of runs the service holds state for.
func (ts *TraceService) RunsInMemory() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	count := len(ts.spansByRun)
	for run := range ts.freestyleSpansByRun {
		if _, ok := ts.spansByRun[run]; !ok {
			count++
		}
	}
	return count
}

// ----------------
//     context
// ----------------

// SetupContext activates the current phase span of run on top of ctx. The
// returned scope must be closed on every path, even when the span is a
// non-recording one.
func (ts *TraceService) SetupContext(ctx context.Context, run models.RunIdentifier, requireNoOpenStepSpans bool) (*Scope, error) {
	span, err := ts.CurrentPhaseSpan(run, requireNoOpenStepSpans)
	if err != nil {
		return nil, err
	}

	ts.metrics.ScopeOpened()

	return &Scope{
		ctx:     ContextWithRun(trace.ContextWithSpan(ctx, span), run),
		parent:  ctx,
		span:    span,
		release: ts.metrics.ScopeClosed,
	}, nil
}

// ----------------
//     helpers
// ----------------

// removalTarget returns the node under which the span of node was recorded.
func removalTarget(node models.FlowNode) (models.FlowNode, error) {
	if node == nil {
		return nil, errors.New("can't remove span from nil node")
	}

	switch n := node.(type) {
	case *models.AtomNode:
		return n, nil
	case *models.StepEndNode:
		if n.Start == nil {
			return nil, fmt.Errorf("step end node %s has no start node", n.ID())
		}
		return n.Start, nil
	case *models.StepStartNode:
		// The allocation span is recorded on the executor step, the parent of
		// the allocation node.
		if n.Allocation {
			parents := n.Parents()
			if len(parents) == 0 {
				return nil, fmt.Errorf("allocation node %s has no parent", n.ID())
			}
			return parents[0], nil
		}
	}

	return nil, fmt.Errorf("can't remove span from node of type %T - %s", node, node.ID())
}

func (ts *TraceService) verificationFailed(op string, format string, args ...any) error {
	err := fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrVerification)
	ts.logger.Error("Span verification failed", zap.String("op", op), zap.Error(err))
	ts.metrics.VerificationFailed(op)
	return err
}

func (ts *TraceService) restartGap(op string, run models.RunIdentifier, fields ...zap.Field) {
	fields = append([]zap.Field{zap.String("op", op), zap.Stringer("run", run)}, fields...)
	ts.logger.Debug("No span found for run, tracer may have restarted", fields...)
	ts.metrics.RestartGap(op)
}

// recoverySpan returns a non-recording span standing in for a span lost on
// restart.
func (ts *TraceService) recoverySpan(op string, run models.RunIdentifier) trace.Span {
	ts.restartGap(op, run)
	_, span := ts.noopTracer.Start(context.Background(), "noop-recovery-run-span-for-"+run.String())
	return span
}

func spanID(span trace.Span) string {
	if span == nil {
		return "<nil>"
	}
	return span.SpanContext().SpanID().String()
}
