package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ivov/pipeline-tracer/internal/app"
	"github.com/ivov/pipeline-tracer/internal/config"
	"github.com/ivov/pipeline-tracer/internal/core"
	"github.com/ivov/pipeline-tracer/internal/logging"
	"github.com/ivov/pipeline-tracer/internal/metrics"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sethvargo/go-envconfig"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var envFile string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Ingest lifecycle events and export traces until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().StringVar(&envFile, "env-file", ".env", "dotenv file to load before reading the environment")
}

func serve(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}

	// A missing env file is fine, the environment alone may be complete.
	if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to load env file %s: %w", envFile, err)
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadConfig(ctx, envconfig.OsLookuper())
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = cfg.Logging.Level
	logCfg.Development = cfg.Logging.Development

	logger, err := logging.New(logCfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("pipeline-tracer is starting... Press Ctrl+C to exit",
		zap.String("version", version),
		zap.String("ingest_mode", cfg.Ingest.Mode),
	)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	tracerMetrics := metrics.New(registry)

	service := core.NewTraceService(
		core.WithLogger(logger.Named("service")),
		core.WithMetrics(tracerMetrics),
	)
	metrics.RegisterRunsInMemory(registry, func() float64 {
		return float64(service.RunsInMemory())
	})

	tracer := core.NewTracer(service, logger.Named("tracer"), tracerMetrics)

	application, err := app.New(*cfg, tracer, logger.Logger, registry, version)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	if err := application.Run(ctx); err != nil {
		return fmt.Errorf("application failed to process events: %w", err)
	}

	logger.Info("Completed graceful shutdown")
	return nil
}
