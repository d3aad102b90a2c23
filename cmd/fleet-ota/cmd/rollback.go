package cmd

import (
	"github.com/spf13/cobra"

	"github.com/oshokin/fleet-ota/internal/service/client"
	"github.com/oshokin/fleet-ota/internal/service/rollback"
)

var (
	// rollbackOptions collects flags of the rollback command.
	rollbackOptions = new(rollback.Options)
	// rollbackRemote sends the rollback to the server instead of running it here.
	rollbackRemote bool
	// rollbackServer overrides the server address for a remote rollback.
	rollbackServer string

	// rollbackCmd reinstalls a previously succeeded version on one device.
	rollbackCmd = &cobra.Command{
		Use:   "rollback",
		Short: "Return a device to a version it ran successfully before.",
		Long: `Reinstalls a version on a single device through a dedicated job.

The version must be present in the device history as a succeeded installation,
otherwise the request is rejected and no job is created.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if rollbackRemote {
				return client.Revert(cmd.Context(), &client.Options{
					ConfigPath:    configPath,
					ServerAddress: rollbackServer,
					DeviceID:      rollbackOptions.DeviceID,
					Package:       rollbackOptions.Package,
					Version:       rollbackOptions.Version,
					Watch:         true,
					Out:           cmd.OutOrStdout(),
				})
			}

			rollbackOptions.ConfigPath = configPath
			rollbackOptions.Out = cmd.OutOrStdout()

			return rollback.Run(cmd.Context(), rollbackOptions)
		},
	}
)

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	flags := rollbackCmd.Flags()
	flags.StringVarP(&rollbackOptions.DeviceID, "device", "d", "", "device to roll back")
	flags.StringVarP(&rollbackOptions.Package, "package", "p", "", "firmware package name")
	flags.StringVarP(&rollbackOptions.Version, "version", "v", "", "version to return to")
	flags.BoolVar(&rollbackRemote, "remote", false, "ask the orchestration server to run the rollback")
	flags.StringVar(&rollbackServer, "server", "", "server address, overrides settings")
}
