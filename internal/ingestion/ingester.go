package ingestion

import (
	"context"

	"github.com/ivov/pipeline-tracer/internal/models"
)

// Ingester delivers parsed build lifecycle events. Both channels are closed
// once the ingester has stopped.
type Ingester interface {
	Start(ctx context.Context) (<-chan models.RunEvent, <-chan error)
	Stop()
}
