package rollback

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/oshokin/fleet-ota/internal/config"
	"github.com/oshokin/fleet-ota/internal/logger"
	"github.com/oshokin/fleet-ota/internal/runlock"
	"github.com/oshokin/fleet-ota/internal/service/common"
)

// Options identifies the device and the version to return to.
type Options struct {
	// ConfigPath to YAML settings file, defaults to standard filename if empty.
	ConfigPath string
	// Settings, when set, is used instead of loading ConfigPath.
	Settings *config.Config

	DeviceID string
	Package  string
	Version  string

	// Out receives the human-readable report, os.Stdout when nil.
	Out io.Writer
}

// errMissingArguments is returned when device, package or version is empty.
var errMissingArguments = errors.New("device, package and version must be provided")

// Run validates the revert against the device history and executes the rollback job.
// A version never applied to the device yields ota.ErrNeverApplied and no job.
func Run(ctx context.Context, opts *Options) error {
	ctx = logger.WithName(ctx, "rollback")

	if opts.DeviceID == "" || opts.Package == "" || opts.Version == "" {
		return errMissingArguments
	}

	settings := opts.Settings
	if settings == nil {
		var err error

		if settings, err = config.Load(opts.ConfigPath); err != nil {
			return fmt.Errorf("load settings: %w", err)
		}
	}

	lock, err := runlock.Acquire(ctx, filepath.Join(filepath.Dir(settings.StateFile), runlock.MarkerFilename))
	if err != nil {
		return err
	}

	defer func() {
		if releaseErr := lock.Release(); releaseErr != nil {
			logger.WarnKV(ctx, "Failed to release run marker", "error", releaseErr)
		}
	}()

	stack, err := common.NewStack(ctx, settings, common.StackOptions{})
	if err != nil {
		return fmt.Errorf("initialize components: %w", err)
	}

	defer stack.Close()

	target, err := stack.ResolveVersion(ctx, opts.Package, opts.Version)
	if err != nil {
		return err
	}

	record, err := stack.Rollback.Revert(ctx, opts.DeviceID, target.ID)
	if err != nil {
		return err
	}

	snap, err := stack.Execute(context.WithoutCancel(ctx), record.JobID)
	if err != nil {
		return err
	}

	if err = stack.SaveHistory(ctx); err != nil {
		logger.ErrorKV(ctx, "Failed to save device history", "error", err)
	}

	records, err := stack.Orchestrator.DeviceExecutions(ctx, record.JobID)
	if err != nil {
		return err
	}

	out := opts.Out
	if out == nil {
		out = os.Stdout
	}

	if err = common.WriteJobReport(out, snap, records); err != nil {
		return fmt.Errorf("write report: %w", err)
	}

	return common.JobOutcome(snap)
}
