package spans

import (
	"context"
	"fmt"

	"github.com/ivov/pipeline-tracer/internal/models"
	"go.opentelemetry.io/otel/trace"
)

// StartContext carries what a span builder needs to start a span.
type StartContext struct {
	Ctx        context.Context
	Tracer     trace.Tracer
	ParentSpan trace.Span
	Run        models.RunIdentifier
}

func (sc StartContext) parentCtx() context.Context {
	if sc.ParentSpan == nil {
		return sc.Ctx
	}
	return trace.ContextWithSpan(sc.Ctx, sc.ParentSpan)
}

// SameSpan reports whether a and b have the same span id.
func SameSpan(a, b trace.Span) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.SpanContext().SpanID() == b.SpanContext().SpanID()
}

// PipelineSpanContext associates a span with the flow node it was created on.
type PipelineSpanContext struct {
	span          trace.Span
	nodeID        string
	parentNodeIDs []string
	depth         int
}

// NewPipelineSpanContext snapshots the node's id, the ids of its parents and
// the number of blocks enclosing it. The snapshot is never recomputed.
func NewPipelineSpanContext(span trace.Span, node models.FlowNode) PipelineSpanContext {
	parents := node.Parents()
	parentNodeIDs := make([]string, 0, len(parents)+1)
	parentNodeIDs = append(parentNodeIDs, node.ID())
	for _, parent := range parents {
		parentNodeIDs = append(parentNodeIDs, parent.ID())
	}

	return PipelineSpanContext{
		span:          span,
		nodeID:        node.ID(),
		parentNodeIDs: parentNodeIDs,
		depth:         len(models.EnclosingBlocks(node)),
	}
}

func (c PipelineSpanContext) Span() trace.Span { return c.span }

func (c PipelineSpanContext) NodeID() string { return c.nodeID }

// Depth is the number of blocks that enclosed the node when the span was
// recorded. A span is always deeper than the spans of its enclosing blocks.
func (c PipelineSpanContext) Depth() int { return c.depth }

// ParentNodeIDs returns the id of the node the span was created on, followed
// by the ids of that node's parents.
func (c PipelineSpanContext) ParentNodeIDs() []string {
	return append([]string(nil), c.parentNodeIDs...)
}

func (c PipelineSpanContext) Equal(other PipelineSpanContext) bool {
	return SameSpan(c.span, other.span) && c.nodeID == other.nodeID
}

func (c PipelineSpanContext) String() string {
	return fmt.Sprintf("PipelineSpanContext{span=%s, nodeID=%s, parentIDs=%v}", spanID(c.span), c.nodeID, c.parentNodeIDs)
}

// FreestyleSpanContext associates a span with the type of the build step that
// created it.
type FreestyleSpanContext struct {
	span     trace.Span
	stepType string
}

func NewFreestyleSpanContext(span trace.Span, step models.BuildStep) FreestyleSpanContext {
	return FreestyleSpanContext{span: span, stepType: step.Type}
}

func (c FreestyleSpanContext) Span() trace.Span { return c.span }

func (c FreestyleSpanContext) StepType() string { return c.stepType }

func (c FreestyleSpanContext) Equal(other FreestyleSpanContext) bool {
	return SameSpan(c.span, other.span) && c.stepType == other.stepType
}

func (c FreestyleSpanContext) String() string {
	return fmt.Sprintf("FreestyleSpanContext{span=%s, stepType=%s}", spanID(c.span), c.stepType)
}

func spanID(span trace.Span) string {
	if span == nil {
		return "<nil>"
	}
	return span.SpanContext().SpanID().String()
}
