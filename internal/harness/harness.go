package harness

import (
	"context"
	"testing"

	"github.com/ivov/pipeline-tracer/internal/core"
	"github.com/ivov/pipeline-tracer/internal/metrics"
	"github.com/ivov/pipeline-tracer/internal/spans"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type TestHarness struct {
	Service      *core.TraceService
	Tracer       *core.Tracer
	SpanRecorder *tracetest.SpanRecorder
	Logs         *observer.ObservedLogs
	Metrics      *metrics.Metrics
	Registry     *prometheus.Registry
}

func NewTestHarness(t *testing.T) (*TestHarness, func()) {
	sr := tracetest.NewSpanRecorder() // in-memory
	tp := trace.NewTracerProvider(trace.WithSpanProcessor(sr))

	originalTP := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)

	observedCore, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(observedCore)

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	service := core.NewTraceService(
		core.WithTracer(tp.Tracer(core.InstrumentationName)),
		core.WithLogger(logger),
		core.WithMetrics(m),
	)

	harness := &TestHarness{
		Service:      service,
		Tracer:       core.NewTracer(service, logger, m),
		SpanRecorder: sr,
		Logs:         logs,
		Metrics:      m,
		Registry:     registry,
	}

	cleanup := func() {
		otel.SetTracerProvider(originalTP)
	}

	return harness, cleanup
}

// StartSpan starts a recording span that is not tied to any event.
func (h *TestHarness) StartSpan(name string) oteltrace.Span {
	_, span := h.Service.Tracer().Start(context.Background(), name)
	return span
}

// FindSpanByName searches a slice of spans for the first one with a matching name.
func FindSpanByName(t *testing.T, recorded []trace.ReadOnlySpan, name string) trace.ReadOnlySpan {
	t.Helper()
	for _, s := range recorded {
		if s.Name() == name {
			return s
		}
	}
	require.FailNowf(t, "span not found", "Could not find span with name: %s", name)

	return nil // unreachable
}

// FindSpanByNodeID searches a slice of spans for the first step span with a
// matching step id attribute.
func FindSpanByNodeID(t *testing.T, recorded []trace.ReadOnlySpan, nodeID string) trace.ReadOnlySpan {
	t.Helper()
	for _, s := range recorded {
		if s.Name() == "agent.allocate" {
			continue
		}
		attrs := ToMap(s.Attributes())
		if id, ok := attrs[attribute.Key(spans.AttrStepID)]; ok && id == nodeID {
			return s
		}
	}
	require.FailNowf(t, "span not found", "Could not find step span with node id: %s", nodeID)
	return nil // Unreachable
}

// ToMap converts a slice of KeyValue to a map for easier lookups in tests.
func ToMap(attrs []attribute.KeyValue) map[attribute.Key]string {
	m := make(map[attribute.Key]string, len(attrs))
	for _, a := range attrs {
		m[a.Key] = a.Value.Emit()
	}
	return m
}
