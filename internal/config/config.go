package config

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"
)

const (
	IngestModeHTTP    = "http"
	IngestModeLogfile = "logfile"
)

type Config struct {
	Ingest          IngestConfig
	LogfileIngestor LogfileIngestorConfig
	HTTPIngestor    HTTPIngestorConfig
	Exporter        ExporterConfig
	Health          HealthConfig
	Logging         LoggingConfig
}

type IngestConfig struct {
	// How the build engine delivers lifecycle events: "http" or "logfile"
	Mode string `env:"INGEST_MODE,required"`
}

type LogfileIngestorConfig struct {
	WatchFilePath string `env:"WATCH_FILE_PATH"`

	StateFilePath string `env:"STATE_FILE_PATH,default=pipeline-tracer.state.json"`

	DebounceDuration time.Duration `env:"DEBOUNCE_DURATION,default=1s"`
}

type HTTPIngestorConfig struct {
	Port string `env:"HTTP_INGEST_PORT,default=8889"`
}

type ExporterConfig struct {
	// Empty disables export, spans are then only created and dropped.
	Endpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	ServiceName string `env:"SERVICE_NAME,default=pipeline-tracer"`
}

type HealthConfig struct {
	Port string `env:"HEALTH_PORT,default=8888"`

	StaleRunThreshold time.Duration `env:"STALE_RUN_THRESHOLD,default=24h"`

	RunGCInterval time.Duration `env:"RUN_GC_INTERVAL,default=1h"`
}

type LoggingConfig struct {
	Level string `env:"LOG_LEVEL,default=info"`

	Development bool `env:"LOG_DEV,default=false"`
}

func LoadConfig(ctx context.Context, lookuper envconfig.Lookuper) (*Config, error) {
	var c Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &c,
		Lookuper: lookuper,
	}); err != nil {
		return nil, err
	}

	if err := validateConfig(&c); err != nil {
		return nil, err
	}

	return &c, nil
}

func validateConfig(c *Config) error {
	switch c.Ingest.Mode {
	case IngestModeLogfile:
		if c.LogfileIngestor.WatchFilePath == "" {
			return fmt.Errorf("WATCH_FILE_PATH is required when INGEST_MODE is 'logfile'")
		}
	case IngestModeHTTP:
		// No additional validation needed for http mode
	default:
		return fmt.Errorf("INGEST_MODE must be either 'http' or 'logfile', got: %s", c.Ingest.Mode)
	}

	if c.Health.RunGCInterval <= 0 {
		return fmt.Errorf("RUN_GC_INTERVAL must be positive, got: %s", c.Health.RunGCInterval)
	}

	return nil
}
