package main

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "pipeline-tracer",
	Short: "Turn build engine lifecycle events into OpenTelemetry traces",
	Long: `pipeline-tracer ingests the lifecycle events of build runs, either from an
NDJSON event file or over HTTP, and exports one trace per run with a span for
every phase, step and build step.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}
