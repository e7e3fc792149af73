package main

import (
	"github.com/spf13/cobra"
)

const defaultConfigPath = ""

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	logDir     string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "telemock",
		Short: "Mock telemetry endpoint and telemetry interceptor",
		Long: `telemock stands in for a remote telemetry collector and records every
telemetry call it sees as one JSON file per request.

  telemock serve       answer GET /telemetry/index.html directly
  telemock intercept   run a forward proxy that answers calls to the target host`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", defaultConfigPath, "path to configuration file (YAML); built-in defaults when empty")
	rootCmd.PersistentFlags().StringVar(&g.logDir, "log-dir", "", "capture directory (overrides capture.dir and $TELEMOCK_LOG_DIR)")
	rootCmd.PersistentFlags().StringVarP(&g.logLevel, "log-level", "l", "", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(
		newServeCmd(g),
		newInterceptCmd(g),
		newTokenCmd(g),
		newParamsCmd(),
		newCertCmd(),
	)
	return rootCmd
}
