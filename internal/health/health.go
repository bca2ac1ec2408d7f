package health

import (
	"fmt"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	healthCheckPath = "/health"
	metricsPath     = "/metrics"
	readTimeout     = 1 * time.Second
	writeTimeout    = 5 * time.Second
)

// MetricsProvider reports the number of events processed, the time of the
// last one and the number of runs held in memory.
type MetricsProvider interface {
	GetMetrics() (int64, time.Time, int)
}

type healthCheckResponse struct {
	Status               string  `json:"status"`
	LastEventProcessedAt *string `json:"last_event_processed_at,omitempty"`
	EventsProcessed      int64   `json:"events_processed_since_last_startup"`
	RunsInMemory         int     `json:"runs_in_memory"`
}

// NewHealthCheckServer serves the health check and, when gatherer is not nil,
// the Prometheus metrics.
func NewHealthCheckServer(port string, provider MetricsProvider, gatherer prometheus.Gatherer, logger *zap.Logger) *http.Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return newHealthCheckServer(port, provider, gatherer, logger)
}

func newHealthCheckServer(port string, provider MetricsProvider, gatherer prometheus.Gatherer, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc(healthCheckPath, makeHealthCheckHandler(provider, logger))

	if gatherer != nil {
		mux.Handle(metricsPath, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	return &http.Server{
		Addr:         fmt.Sprintf(":%s", port),
		Handler:      mux,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
}

func makeHealthCheckHandler(provider MetricsProvider, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		eventsProcessed, lastEventAt, runsInMemory := provider.GetMetrics()

		res := healthCheckResponse{
			Status:          "ok",
			EventsProcessed: eventsProcessed,
			RunsInMemory:    runsInMemory,
		}

		if !lastEventAt.IsZero() {
			formatted := lastEventAt.UTC().Format(time.RFC3339)
			res.LastEventProcessedAt = &formatted
		}

		body, err := sonic.Marshal(res)
		if err != nil {
			logger.Error("Failed to encode health check response", zap.Error(err))
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")

		if _, err := w.Write(body); err != nil {
			logger.Error("Failed to write health check response", zap.Error(err))
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
	}
}
