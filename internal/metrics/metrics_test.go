package metrics_test

import (
	"strings"
	"testing"

	"github.com/ivov/pipeline-tracer/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	m.EventProcessed("run.started")
	m.EventProcessed("run.started")
	m.EventProcessed("node.started")
	m.RestartGap("removeNodeSpan")
	m.VerificationFailed("removePhaseSpan")
	m.ScopeOpened()
	m.ScopeOpened()
	m.ScopeClosed()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.EventsProcessed.WithLabelValues("run.started")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsProcessed.WithLabelValues("node.started")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RestartGaps.WithLabelValues("removeNodeSpan")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.VerificationFailures.WithLabelValues("removePhaseSpan")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OpenScopes))

	count, err := testutil.GatherAndCount(reg, "pipeline_tracer_events_processed_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *metrics.Metrics

	assert.NotPanics(t, func() {
		m.EventProcessed("run.started")
		m.RestartGap("spanForRun")
		m.VerificationFailed("purgeRun")
		m.ScopeOpened()
		m.ScopeClosed()
	})
}

func TestMetrics_NilRegistererStaysUnregistered(t *testing.T) {
	m := metrics.New(nil)
	m.RestartGap("spanForNode")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RestartGaps.WithLabelValues("spanForNode")))
}

func TestRegisterRunsInMemory(t *testing.T) {
	reg := prometheus.NewRegistry()
	runs := 0
	metrics.RegisterRunsInMemory(reg, func() float64 { return float64(runs) })

	runs = 3

	expected := `
# HELP pipeline_tracer_runs_in_memory Number of runs with span state held in memory
# TYPE pipeline_tracer_runs_in_memory gauge
pipeline_tracer_runs_in_memory 3
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "pipeline_tracer_runs_in_memory"))
}
