package core

import (
	"context"
	"sync/atomic"

	"github.com/ivov/pipeline-tracer/internal/models"
	"go.opentelemetry.io/otel/trace"
)

type runContextKey struct{}

// ContextWithRun returns a copy of ctx carrying run.
func ContextWithRun(ctx context.Context, run models.RunIdentifier) context.Context {
	return context.WithValue(ctx, runContextKey{}, run)
}

// RunFromContext returns the run carried by ctx, if any.
func RunFromContext(ctx context.Context) (models.RunIdentifier, bool) {
	run, ok := ctx.Value(runContextKey{}).(models.RunIdentifier)
	return run, ok
}

// Scope is an activated span context. Callers must defer Close, after which
// Context must no longer be used.
type Scope struct {
	ctx     context.Context
	parent  context.Context
	span    trace.Span
	closed  atomic.Bool
	release func()
}

// Context returns the context carrying the active span and the run.
func (sc *Scope) Context() context.Context { return sc.ctx }

func (sc *Scope) Span() trace.Span { return sc.span }

// Close deactivates the scope and returns the context that was active before
// it. Calling Close more than once has no further effect.
func (sc *Scope) Close() context.Context {
	if sc.closed.CompareAndSwap(false, true) && sc.release != nil {
		sc.release()
	}
	return sc.parent
}
