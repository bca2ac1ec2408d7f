package exporter

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ivov/pipeline-tracer/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.uber.org/zap"
)

type loggingExporter struct {
	exporter trace.SpanExporter
	logger   *zap.Logger
}

func (l *loggingExporter) ExportSpans(ctx context.Context, spans []trace.ReadOnlySpan) error {
	err := l.exporter.ExportSpans(ctx, spans)
	if err != nil {
		if strings.Contains(err.Error(), "connection refused") ||
			strings.Contains(err.Error(), "no such host") {
			l.logger.Warn("Cannot reach OTLP endpoint, will retry on next batch", zap.Int("spans", len(spans)))
		} else {
			l.logger.Error("Failed to export spans", zap.Error(err))
		}
		return err
	}

	l.logger.Debug("Exported spans", zap.Int("spans", len(spans)))

	return nil
}

func (l *loggingExporter) Shutdown(ctx context.Context) error {
	return l.exporter.Shutdown(ctx)
}

// SetupExporter installs the global tracer provider. Spans are exported over
// OTLP/HTTP only when an endpoint is configured.
func SetupExporter(cfg config.ExporterConfig, version string, logger *zap.Logger) (func(), error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	res, err := NewResource(cfg, version)
	if err != nil {
		return nil, err
	}

	opts := []trace.TracerProviderOption{trace.WithResource(res)}

	if cfg.Endpoint == "" {
		logger.Info("No OTLP endpoint configured, spans will not be exported")
	} else {
		logger.Info("Configured for OTLP endpoint", zap.String("endpoint", cfg.Endpoint))

		if err := testConnection(cfg.Endpoint); err != nil {
			logger.Warn("Cannot reach OTLP endpoint, will buffer traces until it becomes available", zap.Error(err))
		} else {
			logger.Info("Connected to OTLP endpoint")
		}

		baseExporter, err := otlptrace.New(
			context.Background(),
			otlptracehttp.NewClient(
				otlptracehttp.WithEndpointURL(cfg.Endpoint),
			),
		)
		if err != nil {
			return nil, err
		}

		opts = append(opts, trace.WithBatcher(&loggingExporter{exporter: baseExporter, logger: logger}))
	}

	tp := trace.NewTracerProvider(opts...)

	otel.SetTracerProvider(tp)

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Error("Failed to shut down tracer provider", zap.Error(err))
		}
	}, nil
}

// NewResource describes this tracer instance to the tracing backend.
func NewResource(cfg config.ExporterConfig, version string) (*resource.Resource, error) {
	return resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(version),
			semconv.ServiceInstanceID(uuid.NewString()),
			semconv.TelemetrySDKName("opentelemetry"),
			semconv.TelemetrySDKLanguageGo,
			semconv.TelemetrySDKVersion("otel@"+otel.Version()),
			attribute.String("telemetry.instrumentation.name", "pipeline-tracer"),
		),
	)
}

func testConnection(endpoint string) error {
	client := &http.Client{Timeout: 3 * time.Second}

	// Most OTLP endpoints will respond with 405 Method Not Allowed for GET,
	// but that confirms the endpoint is reachable
	resp, err := client.Get(endpoint + "/v1/traces")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return nil
}
