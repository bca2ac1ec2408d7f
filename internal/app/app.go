package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ivov/pipeline-tracer/internal/config"
	"github.com/ivov/pipeline-tracer/internal/core"
	"github.com/ivov/pipeline-tracer/internal/exporter"
	"github.com/ivov/pipeline-tracer/internal/health"
	"github.com/ivov/pipeline-tracer/internal/ingestion"
	httpingestion "github.com/ivov/pipeline-tracer/internal/ingestion/http"
	"github.com/ivov/pipeline-tracer/internal/ingestion/logfile"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

type App struct {
	cfg             config.Config
	tracer          *core.Tracer
	ingester        ingestion.Ingester
	logger          *zap.Logger
	gatherer        prometheus.Gatherer
	exporterCleanup func()
	stats           *stats
}

type stats struct {
	eventsProcessed      atomic.Int64
	lastEventProcessedAt atomic.Value // time.Time
}

func (a *App) GetMetrics() (int64, time.Time, int) {
	lastAt, _ := a.stats.lastEventProcessedAt.Load().(time.Time)
	return a.stats.eventsProcessed.Load(), lastAt, a.tracer.RunsInMemory()
}

// New wires the exporter and the ingester selected by the config. The
// gatherer, if not nil, is served on the health port under /metrics.
func New(cfg config.Config, tracer *core.Tracer, logger *zap.Logger, gatherer prometheus.Gatherer, version string) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	exporterCleanup, err := exporter.SetupExporter(cfg.Exporter, version, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to set up exporter: %w", err)
	}

	ingester, err := newIngester(cfg, logger)
	if err != nil {
		exporterCleanup()
		return nil, err
	}

	return &App{
		cfg:             cfg,
		tracer:          tracer,
		ingester:        ingester,
		logger:          logger,
		gatherer:        gatherer,
		exporterCleanup: exporterCleanup,
		stats:           &stats{},
	}, nil
}

func newIngester(cfg config.Config, logger *zap.Logger) (ingestion.Ingester, error) {
	switch cfg.Ingest.Mode {
	case config.IngestModeLogfile:
		stateManager, err := logfile.NewStateManager(cfg.LogfileIngestor.StateFilePath)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize state manager: %w", err)
		}

		watcher, err := logfile.NewLogfileWatcher(cfg.LogfileIngestor, stateManager, logger.Named("logfile"))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize logfile watcher: %w", err)
		}
		return watcher, nil

	case config.IngestModeHTTP:
		return httpingestion.NewHTTPIngestorServer(cfg.HTTPIngestor, logger.Named("http")), nil

	default:
		return nil, fmt.Errorf("invalid ingest mode: %s (must be 'http' or 'logfile')", cfg.Ingest.Mode)
	}
}

// Run processes events until ctx is cancelled and every background goroutine
// has returned.
//
// On cancellation the main loop stops the ingester, which closes the event
// channel. The health server and the GC observe the same ctx and return on
// their own, so once the event channel is drained Run only waits for them.
func (a *App) Run(ctx context.Context) error {
	defer a.exporterCleanup()

	var wg sync.WaitGroup

	healthCheckServer := health.NewHealthCheckServer(a.cfg.Health.Port, a, a.gatherer, a.logger)

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.logger.Info("Starting health check server", zap.String("addr", healthCheckServer.Addr))

		if err := healthCheckServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			var opErr *net.OpError
			if errors.As(err, &opErr) && opErr.Op == "listen" {
				a.logger.Error("Health check server failed to start, port is already in use", zap.String("addr", healthCheckServer.Addr))
			} else {
				a.logger.Error("Health check server failed to start", zap.Error(err))
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := healthCheckServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("Health server shutdown error", zap.Error(err))
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.tracer.StartGC(ctx, a.cfg.Health.StaleRunThreshold, a.cfg.Health.RunGCInterval)
	}()

	eventCh, errCh := a.ingester.Start(ctx)
	done := ctx.Done()

	for {
		select {
		case event, ok := <-eventCh:
			if !ok {
				wg.Wait()
				return nil
			}
			if err := a.tracer.ProcessEvent(event); err != nil {
				a.logger.Error("Failed to process event", zap.Error(err))
				continue
			}
			a.stats.eventsProcessed.Add(1)
			a.stats.lastEventProcessedAt.Store(time.Now())

		case err, ok := <-errCh:
			if !ok {
				errCh = nil // event channel closes right after, keep draining it
				continue
			}
			a.logger.Error("Ingestion error", zap.Error(err))

		case <-done:
			a.logger.Info("Shutdown signal received")
			a.ingester.Stop()
			done = nil
		}
	}
}
