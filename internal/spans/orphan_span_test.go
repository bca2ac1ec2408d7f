package spans_test

import (
	"testing"

	"github.com/ivov/pipeline-tracer/internal/harness"
	"github.com/ivov/pipeline-tracer/internal/models"
	"github.com/ivov/pipeline-tracer/internal/spans"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_SetOrphanAttributes(t *testing.T) {
	run := models.NewRunIdentifier("team/app/main", 12)

	tests := []struct {
		name            string
		reason          string
		expectedWarning string
	}{
		{
			name:            "missing phase span",
			reason:          spans.ReasonMissingPhaseSpan,
			expectedWarning: "Missing parent phase span - Created orphan span in run team/app/main#12",
		},
		{
			name:            "missing enclosing span",
			reason:          spans.ReasonMissingEnclosingSpan,
			expectedWarning: "Missing enclosing step span - Created orphan step span in run team/app/main#12",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, cleanup := harness.NewTestHarness(t)
			defer cleanup()

			span := h.StartSpan("step.sh")
			warning, err := spans.SetOrphanAttributes(span, tt.reason, run)
			span.End()

			require.NoError(t, err)
			assert.Equal(t, tt.expectedWarning, warning)

			ended := h.SpanRecorder.Ended()
			require.Len(t, ended, 1)

			attrs := harness.ToMap(ended[0].Attributes())
			assert.Equal(t, "true", attrs["span.orphaned"])
			assert.Equal(t, tt.reason, attrs["span.orphaned.reason"])
		})
	}
}

func Test_SetOrphanAttributes_UnknownReason(t *testing.T) {
	h, cleanup := harness.NewTestHarness(t)
	defer cleanup()

	span := h.StartSpan("step.sh")
	defer span.End()

	warning, err := spans.SetOrphanAttributes(span, "cosmic_ray", models.NewRunIdentifier("job", 1))

	require.Error(t, err)
	assert.Empty(t, warning)
	assert.Contains(t, err.Error(), "unknown orphan reason: cosmic_ray")
}
