package cmd

import (
	"github.com/spf13/cobra"

	"github.com/oshokin/fleet-ota/internal/service/client"
)

var (
	// remoteOptions collects flags shared by the commands talking to a server.
	remoteOptions = new(client.Options)

	// submitCmd creates a job on the server.
	submitCmd = &cobra.Command{
		Use:   "submit",
		Short: "Create a rollout job on the orchestration server.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return client.Submit(cmd.Context(), remote(cmd))
		},
	}

	// statusCmd describes a job.
	statusCmd = &cobra.Command{
		Use:   "status JOB",
		Short: "Show a job and the state of its devices.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := remote(cmd)
			opts.JobID = args[0]

			return client.Status(cmd.Context(), opts)
		},
	}

	// cancelCmd cancels a job.
	cancelCmd = &cobra.Command{
		Use:   "cancel JOB",
		Short: "Cancel the devices of a job that have not started yet.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := remote(cmd)
			opts.JobID = args[0]

			return client.Cancel(cmd.Context(), opts)
		},
	}

	// jobsCmd lists jobs.
	jobsCmd = &cobra.Command{
		Use:   "jobs",
		Short: "List jobs known to the orchestration server.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return client.List(cmd.Context(), remote(cmd))
		},
	}
)

func remote(cmd *cobra.Command) *client.Options {
	remoteOptions.ConfigPath = configPath
	remoteOptions.Out = cmd.OutOrStdout()

	return remoteOptions
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	for _, cmd := range []*cobra.Command{submitCmd, statusCmd, cancelCmd, jobsCmd} {
		cmd.Flags().StringVar(&remoteOptions.ServerAddress, "server", "", "server address, overrides settings")
	}

	for _, cmd := range []*cobra.Command{submitCmd, statusCmd, cancelCmd} {
		cmd.Flags().BoolVarP(&remoteOptions.Watch, "watch", "w", false, "poll until the job finishes")
		cmd.Flags().DurationVar(&remoteOptions.PollInterval, "interval", client.DefaultPollInterval, "poll interval")
	}

	flags := submitCmd.Flags()
	flags.StringVarP(&remoteOptions.Package, "package", "p", "", "firmware package name")
	flags.StringVarP(&remoteOptions.Version, "version", "v", "", "firmware version")
	flags.StringArrayVarP(&remoteOptions.Groups, "group", "g", nil, "target group, may be repeated")
}
