package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ivov/pipeline-tracer/internal/metrics"
	m "github.com/ivov/pipeline-tracer/internal/models"
	s "github.com/ivov/pipeline-tracer/internal/spans"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// executorFunction is the function name of the step that allocates an agent.
const executorFunction = "node"

type runState struct {
	kind  m.RunKind
	graph *m.Graph

	// `agent.allocate` spans waiting for the allocation node, by executor step id
	allocating map[string]trace.Span

	openBuildSteps int

	lastUpdated time.Time
	mu          sync.Mutex
}

func newRunState() *runState {
	return &runState{
		kind:        m.RunKindPipeline,
		graph:       m.NewGraph(),
		allocating:  make(map[string]trace.Span),
		lastUpdated: time.Now(),
	}
}

// Tracer turns build lifecycle events into spans, using the TraceService to
// find the parent of every span and to track the spans still open.
type Tracer struct {
	service *TraceService
	runs    map[m.RunIdentifier]*runState
	mu      sync.Mutex
	ctx     context.Context
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewTracer(service *TraceService, logger *zap.Logger, tracerMetrics *metrics.Metrics) *Tracer {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Tracer{
		service: service,
		runs:    make(map[m.RunIdentifier]*runState),
		ctx:     context.Background(),
		logger:  logger,
		metrics: tracerMetrics,
	}
}

func (t *Tracer) getOrCreateRunState(run m.RunIdentifier) *runState {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.runs[run]
	if !ok {
		state = newRunState()
		t.runs[run] = state
	}
	return state
}

func (t *Tracer) forgetRun(run m.RunIdentifier) {
	t.mu.Lock()
	delete(t.runs, run)
	t.mu.Unlock()
}

func (t *Tracer) ProcessEvent(event any) error {
	runEvent, ok := event.(m.RunEvent)
	if !ok {
		return fmt.Errorf("unsupported event: %T", event)
	}

	run := runEvent.RunIdentifier()
	if run.JobFullPath == "" {
		return fmt.Errorf("failed to find run identifier for event: %s", runEvent.EventType())
	}

	t.logger.Debug("Processing event",
		zap.String("event", runEvent.EventType()),
		zap.Stringer("run", run),
	)

	state := t.getOrCreateRunState(run)
	state.mu.Lock()

	state.lastUpdated = time.Now()

	var err error
	isFinalEvent := false // whether this event marks the end of a run

	switch e := event.(type) {
	case m.RunStartedEvent:
		err = t.handleRunStarted(run, state, e)
	case m.RunCompletedEvent:
		isFinalEvent = true
		err = t.handleRunCompleted(run, e)
	case m.PhaseStartedEvent:
		err = t.handlePhaseStarted(run, e)
	case m.PhaseFinishedEvent:
		err = t.handlePhaseFinished(run, e)
	case m.NodeStartedEvent:
		err = t.handleNodeStarted(run, state, e)
	case m.NodeFinishedEvent:
		err = t.handleNodeFinished(run, state, e)
	case m.BuildStepStartedEvent:
		t.handleBuildStepStarted(run, state, e)
	case m.BuildStepFinishedEvent:
		err = t.handleBuildStepFinished(run, state, e)
	}

	state.mu.Unlock()

	if isFinalEvent {
		t.forgetRun(run)
	}

	t.metrics.EventProcessed(runEvent.EventType())

	if err != nil {
		return fmt.Errorf("failed to process %s for run %s: %w", runEvent.EventType(), run, err)
	}

	return nil
}

func (t *Tracer) startContext(run m.RunIdentifier, parent trace.Span) s.StartContext {
	return s.StartContext{
		Ctx:        t.ctx,
		Tracer:     t.service.Tracer(),
		ParentSpan: parent,
		Run:        run,
	}
}

func (t *Tracer) flagOrphan(span trace.Span, parent trace.Span, reason string, run m.RunIdentifier) {
	if parent.IsRecording() {
		return
	}

	warning, err := s.SetOrphanAttributes(span, reason, run)
	if err != nil {
		t.logger.Error("Failed to flag orphan span", zap.Error(err))
		return
	}
	t.logger.Warn(warning)
}

// ----------------
//       run
// ----------------

func (t *Tracer) handleRunStarted(run m.RunIdentifier, state *runState, event m.RunStartedEvent) error {
	if event.Payload.Kind != "" {
		state.kind = event.Payload.Kind
	}

	_, span := s.NewRunSpan(t.startContext(run, nil), event)
	t.service.RecordPhaseSpan(run, span)

	t.logger.Info("Run started", zap.Stringer("run", run), zap.String("kind", state.kind))

	return nil
}

func (t *Tracer) handleRunCompleted(run m.RunIdentifier, event m.RunCompletedEvent) error {
	span, err := t.service.CurrentPhaseSpan(run, true)
	if err != nil {
		return errors.Join(err, t.service.PurgeRun(run))
	}

	if span.IsRecording() {
		s.EndRunSpan(span, event)
		err = t.service.RemovePhaseSpan(run, span)
	}

	t.logger.Info("Run completed", zap.Stringer("run", run), zap.String("result", event.Payload.Result))

	return errors.Join(err, t.service.PurgeRun(run))
}

// ----------------
//      phase
// ----------------

func (t *Tracer) handlePhaseStarted(run m.RunIdentifier, event m.PhaseStartedEvent) error {
	scope, err := t.service.SetupContext(t.ctx, run, false)
	if err != nil {
		return err
	}
	defer scope.Close()

	spanCtx := s.StartContext{
		Ctx:    scope.Context(),
		Tracer: t.service.Tracer(),
		Run:    run,
	}
	_, span := s.NewPhaseSpan(spanCtx, event)
	t.flagOrphan(span, scope.Span(), s.ReasonMissingPhaseSpan, run)

	t.service.RecordPhaseSpan(run, span)

	return nil
}

func (t *Tracer) handlePhaseFinished(run m.RunIdentifier, event m.PhaseFinishedEvent) error {
	span, err := t.service.CurrentPhaseSpan(run, true)
	if err != nil {
		return err
	}

	if !span.IsRecording() {
		return nil // lost on restart
	}

	s.EndSpan(span, event.Timestamp)

	return t.service.RemovePhaseSpan(run, span)
}

// ----------------
//      node
// ----------------

func (t *Tracer) resolveNode(run m.RunIdentifier, state *runState, descriptor m.NodeDescriptor) (m.FlowNode, bool, error) {
	node, err := state.graph.Resolve(descriptor)
	if errors.Is(err, m.ErrUnknownNode) {
		t.logger.Debug("Ignoring node referencing an unknown node, tracer may have restarted",
			zap.Stringer("run", run),
			zap.String("node", descriptor.ID),
			zap.Error(err),
		)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return node, true, nil
}

func (t *Tracer) handleNodeStarted(run m.RunIdentifier, state *runState, event m.NodeStartedEvent) error {
	node, ok, err := t.resolveNode(run, state, event.Payload.Node)
	if !ok {
		return err
	}

	switch n := node.(type) {
	case *m.FlowStartNode, *m.FlowEndNode:
		return nil
	case *m.AtomNode:
		t.startStep(run, state, n, event.Timestamp)
		return nil
	case *m.StepStartNode:
		if n.Allocation {
			return t.endAllocation(run, state, n, event.Timestamp)
		}
		t.startStep(run, state, n, event.Timestamp)
		return nil
	case *m.StepEndNode:
		if n.Start.Allocation {
			return nil // the allocation node carries no span of its own
		}
		return t.endStep(run, state, n, event.Timestamp)
	default:
		return fmt.Errorf("unsupported node type %T", node)
	}
}

func (t *Tracer) handleNodeFinished(run m.RunIdentifier, state *runState, event m.NodeFinishedEvent) error {
	node, ok, err := t.resolveNode(run, state, event.Payload.Node)
	if !ok {
		return err
	}

	atom, ok := node.(*m.AtomNode)
	if !ok {
		t.logger.Debug("Ignoring finish of non-atom node",
			zap.Stringer("run", run),
			zap.String("node", node.ID()),
		)
		return nil
	}

	return t.endStep(run, state, atom, event.Timestamp)
}

func (t *Tracer) startStep(run m.RunIdentifier, state *runState, node m.FlowNode, timestamp string) {
	var parent trace.Span
	reason := s.ReasonMissingEnclosingSpan

	if enclosing := node.Enclosing(); enclosing != nil {
		parent = t.service.SpanForNode(run, enclosing)
	} else {
		reason = s.ReasonMissingPhaseSpan
		parent, _ = t.service.CurrentPhaseSpan(run, false)
	}

	_, span := s.NewStepSpan(t.startContext(run, parent), node, timestamp)
	t.flagOrphan(span, parent, reason, run)

	t.service.RecordNodeSpan(run, node, span)

	if node.FunctionName() != executorFunction {
		return
	}

	_, allocateSpan := s.NewAgentAllocateSpan(t.startContext(run, span), node, timestamp)
	t.service.RecordNodeSpan(run, node, allocateSpan)
	state.allocating[node.ID()] = allocateSpan
}

// endAllocation ends the `agent.allocate` span of the executor step that is
// the parent of the allocation node.
func (t *Tracer) endAllocation(run m.RunIdentifier, state *runState, node *m.StepStartNode, timestamp string) error {
	parents := node.Parents()
	if len(parents) == 0 {
		t.logger.Debug("Ignoring allocation without known executor step, tracer may have restarted",
			zap.Stringer("run", run),
			zap.String("node", node.ID()),
		)
		return nil
	}

	executorID := parents[0].ID()
	span, ok := state.allocating[executorID]
	if !ok {
		t.logger.Debug("Ignoring allocation without open allocate span",
			zap.Stringer("run", run),
			zap.String("node", node.ID()),
		)
		return nil
	}
	delete(state.allocating, executorID)

	s.EndSpan(span, timestamp)

	return t.service.RemoveNodeSpan(run, node, span)
}

func (t *Tracer) endStep(run m.RunIdentifier, state *runState, node m.FlowNode, timestamp string) error {
	// An executor step that ends before its agent was allocated still holds
	// the allocate span on top of its own.
	if end, ok := node.(*m.StepEndNode); ok {
		if allocateSpan, ok := state.allocating[end.Start.ID()]; ok {
			delete(state.allocating, end.Start.ID())
			s.EndSpan(allocateSpan, timestamp)
			if err := t.service.RemoveNodeSpan(run, node, allocateSpan); err != nil {
				return err
			}
		}
	}

	span, ok, err := t.service.NodeSpan(run, node)
	if err != nil {
		return err
	}
	if !ok {
		return t.service.RemoveNodeSpan(run, node, nil)
	}

	s.EndSpan(span, timestamp)

	return t.service.RemoveNodeSpan(run, node, span)
}

// ----------------
//    build step
// ----------------

func (t *Tracer) handleBuildStepStarted(run m.RunIdentifier, state *runState, event m.BuildStepStartedEvent) {
	step := event.Payload.Step.BuildStep()

	var parent trace.Span
	if state.openBuildSteps > 0 {
		parent = t.service.SpanForBuildStep(run, step)
	} else {
		parent, _ = t.service.CurrentPhaseSpan(run, false)
	}

	_, span := s.NewBuildStepSpan(t.startContext(run, parent), event)
	t.flagOrphan(span, parent, s.ReasonMissingPhaseSpan, run)

	t.service.RecordBuildStepSpan(run, step, span)
	state.openBuildSteps++
}

func (t *Tracer) handleBuildStepFinished(run m.RunIdentifier, state *runState, event m.BuildStepFinishedEvent) error {
	step := event.Payload.Step.BuildStep()

	if state.openBuildSteps == 0 {
		return t.service.RemoveBuildStepSpan(run, step, nil) // lost on restart
	}

	span := t.service.SpanForBuildStep(run, step)
	s.EndSpan(span, event.Timestamp)
	state.openBuildSteps--

	return t.service.RemoveBuildStepSpan(run, step, span)
}

// ----------------
//     memory
// ----------------

// StartGC runs a periodic garbage collector for runs that stopped reporting
// events, e.g. because the build engine restarted.
func (t *Tracer) StartGC(ctx context.Context, staleThreshold time.Duration, gcInterval time.Duration) {
	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()

	t.logger.Info("Starting GC of stale runs",
		zap.Duration("threshold", staleThreshold),
		zap.Duration("interval", gcInterval),
	)

	for {
		select {
		case <-ticker.C:
			t.clearStaleRuns(staleThreshold)
		case <-ctx.Done():
			return
		}
	}
}

func (t *Tracer) clearStaleRuns(staleThreshold time.Duration) {
	t.mu.Lock()
	staleRuns := make(map[m.RunIdentifier]*runState)
	for run, state := range t.runs {
		state.mu.Lock()
		if time.Since(state.lastUpdated) > staleThreshold {
			staleRuns[run] = state
		}
		state.mu.Unlock()
	}
	t.mu.Unlock()

	if len(staleRuns) == 0 {
		return
	}

	t.logger.Warn("GC found stale runs to evict", zap.Int("count", len(staleRuns)))

	for run, state := range staleRuns {
		t.evictIfStale(run, state, staleThreshold)
	}
}

// evictIfStale evicts run unless an event refreshed it after it was found
// stale. It reports whether the run was evicted.
func (t *Tracer) evictIfStale(run m.RunIdentifier, state *runState, staleThreshold time.Duration) bool {
	state.mu.Lock()
	if time.Since(state.lastUpdated) <= staleThreshold {
		state.mu.Unlock()
		t.logger.Debug("Stale run received an event before eviction, keeping it", zap.Stringer("run", run))
		return false
	}

	open := t.service.Evict(run)
	for _, span := range open {
		s.EndSpanOnEviction(span)
	}
	state.mu.Unlock()

	t.forgetRun(run)

	t.logger.Warn("Evicted stale run", zap.Stringer("run", run), zap.Int("open_spans", len(open)))

	return true
}

func (t *Tracer) RunsInMemory() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.runs)
}
