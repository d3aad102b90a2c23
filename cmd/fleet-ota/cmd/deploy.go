package cmd

import (
	"github.com/spf13/cobra"

	"github.com/oshokin/fleet-ota/internal/service/deploy"
)

var (
	// deployOptions collects flags of the deploy command.
	deployOptions = new(deploy.Options)

	// deployCmd rolls a version out to groups in this process.
	deployCmd = &cobra.Command{
		Use:   "deploy",
		Short: "Roll a firmware version out to device groups.",
		Long: `Creates a job for the selected version and target groups and runs it to completion.

Exit status is non-zero only when the job ends FAILED. Devices failing in a
partially successful job are reported but do not fail the command.
Interrupting the command cancels devices that have not started yet.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			deployOptions.ConfigPath = configPath
			deployOptions.Out = cmd.OutOrStdout()

			return deploy.Run(cmd.Context(), deployOptions)
		},
	}
)

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	flags := deployCmd.Flags()
	flags.StringVarP(&deployOptions.Package, "package", "p", "", "firmware package name")
	flags.StringVarP(&deployOptions.Version, "version", "v", "", "firmware version")
	flags.StringArrayVarP(&deployOptions.Groups, "group", "g", nil, "target group, may be repeated")
	flags.StringSliceVarP(&deployOptions.Devices, "device", "d", nil, "ad-hoc target device ids")
	flags.IntVar(&deployOptions.Concurrency, "concurrency", 0, "devices updated in parallel, overrides settings")
	flags.BoolVar(&deployOptions.Debug, "debug", false, "update devices one by one in target order")
	flags.BoolVar(&deployOptions.DryRun, "dry-run", false, "resolve targets and the artifact without executing")
	flags.StringArrayVar(&deployOptions.Faults, "fault", nil, "force a simulated fault, as device=fault")
	flags.StringVar(&deployOptions.ApplyDir, "apply-dir", "", "directory simulated installs are written to")
}
