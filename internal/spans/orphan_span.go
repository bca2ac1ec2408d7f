package spans

import (
	"fmt"

	"github.com/ivov/pipeline-tracer/internal/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	ReasonMissingPhaseSpan     = "missing_phase_span"
	ReasonMissingEnclosingSpan = "missing_enclosing_span"
)

func SetOrphanAttributes(span trace.Span, reason string, run models.RunIdentifier) (string, error) {
	span.SetAttributes(
		attribute.Bool("span.orphaned", true),
		attribute.String("span.orphaned.reason", reason),
	)

	switch reason {
	case ReasonMissingPhaseSpan:
		return fmt.Sprintf("Missing parent phase span - Created orphan span in run %s", run), nil
	case ReasonMissingEnclosingSpan:
		return fmt.Sprintf("Missing enclosing step span - Created orphan step span in run %s", run), nil
	default:
		return "", fmt.Errorf("unknown orphan reason: %s", reason)
	}
}
