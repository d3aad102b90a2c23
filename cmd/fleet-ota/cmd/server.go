package cmd

import (
	"github.com/spf13/cobra"

	"github.com/oshokin/fleet-ota/internal/service/server"
)

var (
	// stateFile overrides the device history file from settings.
	stateFile string

	// serverCmd runs the orchestration gRPC server.
	serverCmd = &cobra.Command{
		Use:   "server [listen-address]",
		Short: "Run the orchestration gRPC server.",
		Long: `Starts the gRPC server that creates, executes and cancels jobs for remote clients.

Only the port from server_addr is used for listening (e.g., :50051).
Listen address can be provided as argument to override config (e.g., :9090, 0.0.0.0:8080).
Device history is persisted to the state file after every job.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			// Use listen address argument if provided, otherwise rely on config.
			var listenAddress string
			if len(args) > 0 {
				listenAddress = args[0]
			}

			return server.Run(cmd.Context(), &server.Options{
				ConfigPath:    configPath,
				ListenAddress: listenAddress,
				StateFile:     stateFile,
			})
		},
	}
)

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	serverCmd.Flags().StringVarP(&stateFile, "state-file", "s", "", "path to persist device history, overrides settings")
}
