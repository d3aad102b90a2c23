package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/oshokin/fleet-ota/internal/config"
	"github.com/oshokin/fleet-ota/internal/logger"
)

var (
	// overwrite allows init to replace an existing settings file.
	overwrite bool

	errSettingsExist = errors.New("settings file already exists, use --force to overwrite")

	// initCmd writes a settings file with every default filled in.
	initCmd = &cobra.Command{
		Use:   "init",
		Short: "Write a settings file with default values.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := os.Stat(configPath); err == nil && !overwrite {
				return errSettingsExist
			} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("stat settings: %w", err)
			}

			if err := config.Save(configPath, config.Default()); err != nil {
				return err
			}

			logger.InfoKV(cmd.Context(), "Settings written", "path", configPath)

			return nil
		},
	}
)

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	initCmd.Flags().BoolVar(&overwrite, "force", false, "overwrite an existing settings file")
}
