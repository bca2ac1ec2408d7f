package core

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"sync"

	s "github.com/ivov/pipeline-tracer/internal/spans"
	"go.opentelemetry.io/otel/trace"
)

// multimap keeps, per key, the values in insertion order. Keys whose list
// becomes empty are deleted, so len reports the number of keys with values.
type multimap[V any] map[string][]V

func (m multimap[V]) put(key string, value V) {
	m[key] = append(m[key], value)
}

func (m multimap[V]) last(key string) (V, bool) {
	values := m[key]
	if len(values) == 0 {
		var zero V
		return zero, false
	}
	return values[len(values)-1], true
}

func (m multimap[V]) popLast(key string) {
	values := m[key]
	switch len(values) {
	case 0:
		return
	case 1:
		delete(m, key)
	default:
		m[key] = values[:len(values)-1]
	}
}

func (m multimap[V]) clone() multimap[V] {
	c := make(multimap[V], len(m))
	for key, values := range m {
		c[key] = append([]V(nil), values...)
	}
	return c
}

func (m multimap[V]) render(format func(V) string) string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	var b strings.Builder
	b.WriteString("{")
	for i, key := range keys {
		if i > 0 {
			b.WriteString(", ")
		}
		rendered := make([]string, 0, len(m[key]))
		for _, value := range m[key] {
			rendered = append(rendered, format(value))
		}
		fmt.Fprintf(&b, "%s=[%s]", key, strings.Join(rendered, ", "))
	}
	b.WriteString("}")
	return b.String()
}

// phaseStack holds the spans of the nested phases of a run. Only the top can
// be removed.
type phaseStack []trace.Span

func (p *phaseStack) push(span trace.Span) {
	*p = append(*p, span)
}

func (p phaseStack) top() (trace.Span, bool) {
	if len(p) == 0 {
		return nil, false
	}
	return p[len(p)-1], true
}

func (p *phaseStack) pop() {
	if len(*p) == 0 {
		return
	}
	(*p)[len(*p)-1] = nil
	*p = (*p)[:len(*p)-1]
}

func (p phaseStack) String() string {
	ids := make([]string, 0, len(p))
	for _, span := range p {
		ids = append(ids, span.SpanContext().SpanID().String())
	}
	return "[" + strings.Join(ids, ", ") + "]"
}

// RunSpans holds the open spans of a pipeline run.
type RunSpans struct {
	phases      phaseStack
	stepsByNode multimap[s.PipelineSpanContext]

	mu sync.Mutex
}

func newRunSpans() *RunSpans {
	return &RunSpans{stepsByNode: make(multimap[s.PipelineSpanContext])}
}

func (r *RunSpans) empty() bool {
	return len(r.phases) == 0 && len(r.stepsByNode) == 0
}

// openSpans returns every span still held, innermost first: steps by
// decreasing depth, the latest recorded first within a node, then phases from
// the top of the stack.
func (r *RunSpans) openSpans() []trace.Span {
	var steps []s.PipelineSpanContext
	for _, contexts := range r.stepsByNode {
		for i := len(contexts) - 1; i >= 0; i-- {
			steps = append(steps, contexts[i])
		}
	}
	slices.SortStableFunc(steps, func(a, b s.PipelineSpanContext) int {
		return cmp.Compare(b.Depth(), a.Depth())
	})

	open := make([]trace.Span, 0, len(steps)+len(r.phases))
	for _, step := range steps {
		open = append(open, step.Span())
	}
	for i := len(r.phases) - 1; i >= 0; i-- {
		open = append(open, r.phases[i])
	}
	return open
}

func (r *RunSpans) String() string {
	r.mu.Lock()
	phases := append(phaseStack(nil), r.phases...)
	steps := r.stepsByNode.clone()
	r.mu.Unlock()

	return r.render(phases, steps)
}

// string renders the store when the caller already holds the lock.
func (r *RunSpans) string() string {
	return r.render(r.phases, r.stepsByNode.clone())
}

func (r *RunSpans) render(phases phaseStack, steps multimap[s.PipelineSpanContext]) string {
	return fmt.Sprintf("RunSpans{phases=%s, steps=%s}", phases, steps.render(s.PipelineSpanContext.String))
}

// FreestyleRunSpans holds the open spans of a freestyle run.
type FreestyleRunSpans struct {
	phases      phaseStack
	stepsByType multimap[s.FreestyleSpanContext]

	mu sync.Mutex
}

func newFreestyleRunSpans() *FreestyleRunSpans {
	return &FreestyleRunSpans{stepsByType: make(multimap[s.FreestyleSpanContext])}
}

func (r *FreestyleRunSpans) empty() bool {
	return len(r.phases) == 0 && len(r.stepsByType) == 0
}

// openSpans returns the spans still on the phase stack, which includes every
// open build step span.
func (r *FreestyleRunSpans) openSpans() []trace.Span {
	open := make([]trace.Span, 0, len(r.phases))
	for i := len(r.phases) - 1; i >= 0; i-- {
		open = append(open, r.phases[i])
	}
	return open
}

func (r *FreestyleRunSpans) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.string()
}

func (r *FreestyleRunSpans) string() string {
	steps := r.stepsByType.clone()
	return fmt.Sprintf("FreestyleRunSpans{phases=%s, steps=%s}", r.phases, steps.render(s.FreestyleSpanContext.String))
}
