package simulator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/oshokin/fleet-ota/internal/config"
	"github.com/oshokin/fleet-ota/internal/domain/ota"
	"github.com/oshokin/fleet-ota/internal/logger"
	"github.com/oshokin/fleet-ota/internal/orchestrator"
	"github.com/oshokin/fleet-ota/internal/retry"
	"github.com/oshokin/fleet-ota/internal/storage"
)

// Execution is the write side of a job, implemented by *orchestrator.Execution.
type Execution interface {
	Job() *ota.Job
	IsCanceled() bool
	Transition(ctx context.Context, deviceID string, u orchestrator.Update) (*ota.DeviceExecutionRecord, error)
	Reference(ctx context.Context, validFor time.Duration) (ota.ArtifactReference, error)
}

// Options configures a Simulator.
type Options struct {
	// Store downloads artifacts through presigned URLs.
	Store      storage.ObjectStore
	Simulation config.SimulationConfig
	// Retry is the backoff policy for downloads.
	Retry retry.Policy
	// Faults forces a fault on specific devices.
	Faults map[string]Fault
}

// Simulator runs device executions.
type Simulator struct {
	store       storage.ObjectStore
	sim         config.SimulationConfig
	retryPolicy retry.Policy
	faults      map[string]Fault
}

// errTransfer is the simulated network failure.
var errTransfer = errors.New("simulated transfer error")

// New creates a simulator.
func New(opts Options) *Simulator {
	return &Simulator{
		store:       opts.Store,
		sim:         opts.Simulation,
		retryPolicy: opts.Retry.WithDefaults(),
		faults:      opts.Faults,
	}
}

// Run executes every target of the job and returns once all devices are
// terminal. With concurrency 1 devices run one by one in target order.
// Only failures to write device state are returned.
func (s *Simulator) Run(ctx context.Context, exec Execution) error {
	job := exec.Job()
	ctx = logger.WithKV(ctx, "job_id", job.ID)

	concurrency := s.sim.EffectiveConcurrency()
	logger.InfoKV(ctx, "Simulation started", "devices", len(job.Targets), "concurrency", concurrency)

	var g errgroup.Group

	g.SetLimit(concurrency)

	fatal := make([]error, len(job.Targets))

	for i, deviceID := range slices.Clone(job.Targets) {
		g.Go(func() error {
			deviceCtx := logger.WithKV(ctx, "device_id", deviceID)

			if err := s.runDevice(deviceCtx, exec, job, deviceID); err != nil {
				logger.ErrorKV(deviceCtx, "Device task aborted", "error", err)
				fatal[i] = err
			}

			return nil
		})
	}

	_ = g.Wait()

	logger.Info(ctx, "Simulation finished")

	return errors.Join(fatal...)
}

// runDevice drives one device through its phases.
func (s *Simulator) runDevice(ctx context.Context, exec Execution, job *ota.Job, deviceID string) error {
	fault := s.faultFor(job, deviceID)

	if stop, err := s.stopIfCanceled(ctx, exec, deviceID); stop {
		return err
	}

	if _, err := exec.Transition(ctx, deviceID, orchestrator.Update{State: ota.ExecutionDownloading}); err != nil {
		// Canceled before it could start.
		return ignoreInvalidTransition(err)
	}

	var data []byte

	err := s.runPhase(ctx, ota.PhaseDownload, s.sim.PhaseTimeouts.Download, func(ctx context.Context) error {
		var downloadErr error

		data, downloadErr = s.download(ctx, exec, fault)

		return downloadErr
	})
	if err != nil {
		return s.fail(ctx, exec, job, deviceID, ota.PhaseDownload, err)
	}

	if stop, err := s.stopIfCanceled(ctx, exec, deviceID); stop {
		return err
	}

	if _, err = exec.Transition(ctx, deviceID, orchestrator.Update{State: ota.ExecutionApplying}); err != nil {
		return ignoreInvalidTransition(err)
	}

	err = s.runPhase(ctx, ota.PhaseApply, s.sim.PhaseTimeouts.Apply, func(ctx context.Context) error {
		return s.apply(ctx, job, deviceID, data, fault)
	})
	if err != nil {
		return s.fail(ctx, exec, job, deviceID, ota.PhaseApply, err)
	}

	if stop, err := s.stopIfCanceled(ctx, exec, deviceID); stop {
		return err
	}

	if _, err = exec.Transition(ctx, deviceID, orchestrator.Update{State: ota.ExecutionVerifying}); err != nil {
		return ignoreInvalidTransition(err)
	}

	var reported string

	err = s.runPhase(ctx, ota.PhaseVerify, s.sim.PhaseTimeouts.Verify, func(ctx context.Context) error {
		var verifyErr error

		reported, verifyErr = s.verify(ctx, job, fault)

		return verifyErr
	})
	if err != nil {
		return s.fail(ctx, exec, job, deviceID, ota.PhaseVerify, err)
	}

	if stop, err := s.stopIfCanceled(ctx, exec, deviceID); stop {
		return err
	}

	if reported != job.Version {
		return s.finish(ctx, exec, job, deviceID, orchestrator.Update{
			State:           ota.ExecutionFailed,
			Phase:           ota.PhaseVerify,
			Reason:          ota.ErrVersionMismatch.Error(),
			ReportedVersion: reported,
		}, fmt.Errorf("%w: reported %s, want %s", ota.ErrVersionMismatch, reported, job.Version))
	}

	_, err = exec.Transition(ctx, deviceID, orchestrator.Update{
		State:           ota.ExecutionSucceeded,
		ReportedVersion: reported,
	})

	return ignoreInvalidTransition(err)
}

// runPhase runs fn under the phase timeout. The phase context is detached from
// ctx cancellation so a started phase always completes or times out.
func (s *Simulator) runPhase(ctx context.Context, phase ota.Phase, timeout time.Duration, fn func(context.Context) error) error {
	if timeout <= 0 {
		timeout = config.DefaultPhaseTimeout
	}

	phaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	err := fn(phaseCtx)
	if err == nil {
		return nil
	}

	if errors.Is(phaseCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s exceeded %s: %w", ota.ErrPhaseTimeout, phase, timeout, err)
	}

	return err
}

// fail records a phase failure as FAILED or, for timeouts, TIMED_OUT.
func (s *Simulator) fail(
	ctx context.Context,
	exec Execution,
	job *ota.Job,
	deviceID string,
	phase ota.Phase,
	cause error,
) error {
	update := orchestrator.Update{
		State: ota.ExecutionFailed,
		Phase: phase,
	}

	switch {
	case errors.Is(cause, ota.ErrPhaseTimeout):
		update.State = ota.ExecutionTimedOut
		update.Reason = ota.ErrPhaseTimeout.Error()
	case phase == ota.PhaseDownload:
		update.Reason = ota.ErrDownloadFailed.Error()
	case phase == ota.PhaseApply:
		update.Reason = ota.ErrApplyFailed.Error()
	default:
		update.Reason = cause.Error()
	}

	return s.finish(ctx, exec, job, deviceID, update, cause)
}

func (s *Simulator) finish(
	ctx context.Context,
	exec Execution,
	job *ota.Job,
	deviceID string,
	update orchestrator.Update,
	cause error,
) error {
	logger.WarnKV(ctx, "Device execution failed", "error", &ota.ExecutionError{
		JobID:    job.ID,
		DeviceID: deviceID,
		Phase:    update.Phase,
		Err:      cause,
	}, "state", update.State)

	_, err := exec.Transition(ctx, deviceID, update)

	return ignoreInvalidTransition(err)
}

// stopIfCanceled moves the device to CANCELED when cancellation was requested.
func (s *Simulator) stopIfCanceled(ctx context.Context, exec Execution, deviceID string) (bool, error) {
	if !exec.IsCanceled() {
		return false, nil
	}

	_, err := exec.Transition(ctx, deviceID, orchestrator.Update{State: ota.ExecutionCanceled})

	return true, ignoreInvalidTransition(err)
}

func (s *Simulator) faultFor(job *ota.Job, deviceID string) Fault {
	if f, ok := s.faults[deviceID]; ok {
		return f
	}

	return sampleFault(string(job.ID), deviceID, s.sim.FailureRate)
}

// ignoreInvalidTransition treats a concurrent terminal transition as done.
func ignoreInvalidTransition(err error) error {
	if errors.Is(err, ota.ErrInvalidTransition) {
		return nil
	}

	return err
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
