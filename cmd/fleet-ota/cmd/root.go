package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oshokin/fleet-ota/internal/config"
	"github.com/oshokin/fleet-ota/internal/logger"
	"github.com/oshokin/fleet-ota/internal/version"
)

var (
	// configPath to the configuration YAML file.
	configPath string
	// logLevel overrides the level from settings when set.
	logLevel string

	// rootCmd represents the base command of the fleet-ota CLI.
	rootCmd = &cobra.Command{
		Use:   "fleet-ota",
		Short: "Roll out firmware packages to device fleets.",
		Long: `fleet-ota manages firmware packages and the jobs that roll them out to devices.

Local commands (deploy, rollback, package) run against the catalog and inventory
from the settings file and keep device history in the state file. Remote commands
(submit, status, cancel, jobs) talk to a running "fleet-ota server".`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			setupLogging(cmd.Context())
		},
	}
)

// Execute runs the fleet-ota CLI and exits with non-zero status on error.
func Execute() {
	version.AttachCobraVersionCommand(rootCmd)

	// Setup graceful shutdown handling.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)

	err := rootCmd.ExecuteContext(ctx)

	stop()

	if err != nil {
		os.Exit(1)
	}
}

// setupLogging applies the log level and format from settings, then the flag override.
// A missing settings file keeps the defaults.
func setupLogging(ctx context.Context) {
	level, format := logLevel, ""

	if settings, err := config.Load(configPath); err == nil {
		format = settings.LogFormat

		if level == "" {
			level = settings.LogLevel
		}
	}

	if level == "" {
		level = logger.Level().String()
	}

	if !logger.Setup(level, format) {
		logger.WarnKV(ctx, "Unknown log level, keeping default", "log_level", level)
	}
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	// Setup flags shared by every subcommand.
	rootCmd.PersistentFlags().
		StringVarP(&configPath, "config", "c", config.DefaultConfigFilename, "path to configuration file")
	rootCmd.PersistentFlags().
		StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error), overrides settings")

	rootCmd.AddCommand(deployCmd, rollbackCmd, packageCmd, serverCmd, initCmd)
	rootCmd.AddCommand(submitCmd, statusCmd, cancelCmd, jobsCmd)
}
