package cmd

import (
	"github.com/curaious/forge/internal/api"
	"github.com/curaious/forge/internal/config"
	"github.com/curaious/forge/internal/telemetry"
	"github.com/spf13/cobra"
)

var orchestratorServerCmd = &cobra.Command{
	Use:   "orchestrator-server",
	Short: "Start Orchestrator Server",
	Run: func(cmd *cobra.Command, args []string) {
		conf := config.ReadConfig()

		shutdownTelemetry := telemetry.NewProvider(conf.OTEL_EXPORTER_OTLP_ENDPOINT)
		defer shutdownTelemetry()

		s := api.New()
		s.Start()
	},
}

// Register the "server" command
func init() {
	rootCmd.AddCommand(orchestratorServerCmd)
}
