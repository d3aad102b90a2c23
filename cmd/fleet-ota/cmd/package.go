package cmd

import (
	"github.com/spf13/cobra"

	"github.com/oshokin/fleet-ota/internal/service/packager"
)

var (
	// packageOptions collects flags of the package command.
	packageOptions = new(packager.Options)

	// packageCmd adds a firmware file to the catalog.
	packageCmd = &cobra.Command{
		Use:   "package",
		Short: "Register a firmware file as a new package version.",
		Long: `Computes the checksum of a firmware file, uploads it to the configured
object store and appends the version to the catalog.

Versions must be valid semver and greater than every version already
registered for the package.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			packageOptions.ConfigPath = configPath

			return packager.Run(cmd.Context(), packageOptions)
		},
	}
)

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	flags := packageCmd.Flags()
	flags.StringVarP(&packageOptions.Name, "name", "n", "", "firmware package name")
	flags.StringVarP(&packageOptions.Version, "version", "v", "", "firmware version")
	flags.StringVarP(&packageOptions.File, "file", "f", "", "path to the firmware image")
	flags.StringVar(&packageOptions.CatalogPath, "catalog", "", "catalog file, overrides settings")
}
