package http

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/ivov/pipeline-tracer/internal/config"
	"github.com/ivov/pipeline-tracer/internal/core"
	"github.com/ivov/pipeline-tracer/internal/models"
	"go.uber.org/zap"
)

const (
	ingestPath      = "/ingest"
	eventBufferSize = 100
	maxBodyBytes    = 1 << 20
)

// HTTPIngestorServer receives one lifecycle event per POST request, as sent by
// the build engine's event publisher.
type HTTPIngestorServer struct {
	server    *http.Server
	parser    *core.Parser
	logger    *zap.Logger
	eventCh   chan models.RunEvent
	errCh     chan error
	stopCh    chan struct{}
	stopOnce  sync.Once
	closeOnce sync.Once
}

func NewHTTPIngestorServer(cfg config.HTTPIngestorConfig, logger *zap.Logger) *HTTPIngestorServer {
	return newHTTPIngestorServer(cfg, logger, eventBufferSize)
}

func newHTTPIngestorServer(cfg config.HTTPIngestorConfig, logger *zap.Logger, bufferSize int) *HTTPIngestorServer {
	if logger == nil {
		logger = zap.NewNop()
	}

	server := &HTTPIngestorServer{
		parser:  core.NewParser(logger),
		logger:  logger,
		eventCh: make(chan models.RunEvent, bufferSize),
		errCh:   make(chan error, 10),
		stopCh:  make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(ingestPath, server.handleIngest)

	server.server = &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return server
}

func (s *HTTPIngestorServer) Start(ctx context.Context) (<-chan models.RunEvent, <-chan error) {
	go func() {
		s.logger.Info("Starting HTTP ingestion server", zap.String("addr", s.server.Addr))
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.errCh <- fmt.Errorf("HTTP ingestion server failed: %w", err)
		}
	}()

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-s.stopCh:
		}
	}()

	return s.eventCh, s.errCh
}

func (s *HTTPIngestorServer) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := s.server.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP ingestion server shutdown error", zap.Error(err))
		}

		s.closeOnce.Do(func() {
			close(s.eventCh)
			close(s.errCh)
		})
	})
}

func (s *HTTPIngestorServer) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	event, err := s.parser.ToEvent(body)
	if err != nil {
		s.logger.Debug("Rejected invalid event", zap.Error(err))
		http.Error(w, "Invalid event format", http.StatusBadRequest)
		return
	}

	select {
	case <-s.stopCh:
		http.Error(w, "Server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	select {
	case s.eventCh <- event:
		w.WriteHeader(http.StatusOK)
	default:
		http.Error(w, "Event channel full", http.StatusServiceUnavailable)
	}
}
