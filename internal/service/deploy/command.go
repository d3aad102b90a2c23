package deploy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/oshokin/fleet-ota/internal/config"
	"github.com/oshokin/fleet-ota/internal/domain/ota"
	"github.com/oshokin/fleet-ota/internal/group"
	"github.com/oshokin/fleet-ota/internal/logger"
	"github.com/oshokin/fleet-ota/internal/runlock"
	"github.com/oshokin/fleet-ota/internal/service/common"
	"github.com/oshokin/fleet-ota/internal/simulator"
)

// Options controls a single rollout.
type Options struct {
	// ConfigPath to YAML settings file, defaults to standard filename if empty.
	ConfigPath string
	// Settings, when set, is used instead of loading ConfigPath.
	Settings *config.Config

	Package string
	Version string
	// Groups names configured groups to target.
	Groups []string
	// Devices adds an ad-hoc static group of device ids.
	Devices []string

	// Concurrency overrides the configured worker pool size when positive.
	Concurrency int
	// Debug runs devices one by one in target order.
	Debug bool
	// DryRun resolves targets and the artifact reference without executing.
	DryRun bool
	// Faults forces simulated faults, as "device=fault" pairs.
	Faults []string
	// ApplyDir overrides the directory simulated installs are written to.
	ApplyDir string

	// Out receives the human-readable report, os.Stdout when nil.
	Out io.Writer
}

// adHocGroup names the inline group built from Options.Devices.
const adHocGroup = "devices"

var (
	// errNoTargets is returned when neither groups nor devices were given.
	errNoTargets = errors.New("at least one group or device must be provided")
	// errPackageRequired is returned when the package or version is missing.
	errPackageRequired = errors.New("package and version must be provided")
)

// Run executes the rollout and returns common.ErrJobFailed when the job ends FAILED.
//
//nolint:funlen // Sequential rollout steps.
func Run(ctx context.Context, opts *Options) error {
	ctx = logger.WithName(ctx, "deploy")

	if opts.Package == "" || opts.Version == "" {
		return errPackageRequired
	}

	if len(opts.Groups) == 0 && len(opts.Devices) == 0 {
		return errNoTargets
	}

	settings, err := loadSettings(opts)
	if err != nil {
		return err
	}

	faults, err := simulator.ParseFaultPlan(opts.Faults)
	if err != nil {
		return fmt.Errorf("parse faults: %w", err)
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

	stack, err := common.NewStack(ctx, settings, common.StackOptions{Faults: faults})
	if err != nil {
		return fmt.Errorf("initialize components: %w", err)
	}

	defer stack.Close()

	pv, err := stack.ResolveVersion(ctx, opts.Package, opts.Version)
	if err != nil {
		return err
	}

	refs := make([]group.Ref, 0, len(opts.Groups)+1)
	for _, name := range opts.Groups {
		refs = append(refs, group.Named(name))
	}

	if len(opts.Devices) > 0 {
		refs = append(refs, group.Inline(adHocGroup, opts.Devices...))
	}

	out := opts.Out
	if out == nil {
		out = os.Stdout
	}

	if opts.DryRun {
		return dryRun(ctx, stack, pv, refs, out)
	}

	jobID, err := stack.Orchestrator.CreateJob(ctx, pv.ID, refs)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}

	stopWatch := watchInterrupt(ctx, stack, jobID)
	defer stopWatch()

	// Devices are driven to a terminal state even after an interrupt.
	snap, err := stack.Execute(context.WithoutCancel(ctx), jobID)
	if err != nil {
		return err
	}

	if err = stack.SaveHistory(ctx); err != nil {
		logger.ErrorKV(ctx, "Failed to save device history", "error", err)
	}

	records, err := stack.Orchestrator.DeviceExecutions(ctx, jobID)
	if err != nil {
		return err
	}

	logger.InfoKV(ctx, "Job finished",
		"job_id", jobID,
		"state", snap.State,
		"succeeded", snap.Counts[ota.ExecutionSucceeded],
		"failed", snap.Counts[ota.ExecutionFailed],
		"timed_out", snap.Counts[ota.ExecutionTimedOut],
		"canceled", snap.Counts[ota.ExecutionCanceled])

	if err = common.WriteJobReport(out, snap, records); err != nil {
		return fmt.Errorf("write report: %w", err)
	}

	return common.JobOutcome(snap)
}

func loadSettings(opts *Options) (*config.Config, error) {
	settings := opts.Settings
	if settings == nil {
		var err error

		if settings, err = config.Load(opts.ConfigPath); err != nil {
			return nil, fmt.Errorf("load settings: %w", err)
		}
	}

	if opts.Concurrency > 0 {
		settings.Simulation.Concurrency = opts.Concurrency
	}

	if opts.Debug {
		settings.Simulation.Debug = true
	}

	if opts.ApplyDir != "" {
		settings.Simulation.ApplyDir = opts.ApplyDir
	}

	return settings, nil
}

// watchInterrupt cancels the job once ctx is done. The returned func stops the watcher.
func watchInterrupt(ctx context.Context, stack *common.Stack, jobID ota.JobID) func() {
	done := make(chan struct{})

	go func() {
		select {
		case <-done:
		case <-ctx.Done():
			logger.WarnKV(ctx, "Interrupted, canceling job", "job_id", jobID)

			err := stack.Orchestrator.CancelJob(context.WithoutCancel(ctx), jobID)
			if err != nil && !errors.Is(err, ota.ErrInvalidState) {
				logger.ErrorKV(ctx, "Failed to cancel job", "job_id", jobID, "error", err)
			}
		}
	}()

	return func() { close(done) }
}

func dryRun(ctx context.Context, stack *common.Stack, pv ota.PackageVersion, refs []group.Ref, out io.Writer) error {
	plan, err := stack.Orchestrator.Plan(ctx, pv.ID, refs)
	if err != nil {
		return fmt.Errorf("plan job: %w", err)
	}

	logger.InfoKV(ctx, "Dry run, no job created",
		"version", pv.Version,
		"targets", len(plan.Targets),
		"horizon", plan.Horizon)

	_, err = fmt.Fprintf(out,
		"Version:\t%s (%s)\nGroups:\t%v\nTargets:\t%d %v\nHorizon:\t%s\nReference expires:\t%s\n",
		pv.Version, pv.ID, plan.Groups, len(plan.Targets), plan.Targets,
		plan.Horizon, plan.Reference.ExpiresAt.Format(time.RFC3339))

	return err
}
