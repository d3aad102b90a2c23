package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/oshokin/fleet-ota/internal/domain/ota"
	"github.com/oshokin/fleet-ota/internal/logger"
)

// Update is one requested device state change.
type Update struct {
	State ota.ExecutionState
	// Phase is where a FAILED or TIMED_OUT device stopped.
	Phase ota.Phase
	// Reason is a short failure reason such as "DownloadFailed".
	Reason string
	// ReportedVersion is the version the device reported during verification.
	ReportedVersion string
}

// Execution is the write side of one job.
type Execution struct {
	orchestrator *Orchestrator
	entry        *jobEntry
}

// Job returns a copy of the job.
func (e *Execution) Job() *ota.Job {
	e.entry.mu.Lock()
	defer e.entry.mu.Unlock()

	return e.entry.job.Clone()
}

// Canceled is closed once cancellation of the job was requested.
func (e *Execution) Canceled() <-chan struct{} {
	return e.entry.canceled
}

// IsCanceled reports whether cancellation was requested.
func (e *Execution) IsCanceled() bool {
	select {
	case <-e.entry.canceled:
		return true
	default:
		return false
	}
}

// Record returns a copy of one device record.
func (e *Execution) Record(deviceID string) (*ota.DeviceExecutionRecord, error) {
	rec, ok := e.entry.records[deviceID]
	if !ok {
		return nil, e.deviceError(deviceID, "", ota.ErrNotFound)
	}

	return rec.read(), nil
}

// Transition moves a device record to a new state. Transitions outside the
// device state machine are rejected with ErrInvalidTransition, so a terminal
// record never changes again. Reaching a terminal state notifies the observers.
func (e *Execution) Transition(ctx context.Context, deviceID string, u Update) (*ota.DeviceExecutionRecord, error) {
	return e.transition(ctx, deviceID, "", u)
}

// transition applies u only when the record is currently in from, or in any state when from is empty.
func (e *Execution) transition(
	ctx context.Context,
	deviceID string,
	from ota.ExecutionState,
	u Update,
) (*ota.DeviceExecutionRecord, error) {
	rec, ok := e.entry.records[deviceID]
	if !ok {
		return nil, e.deviceError(deviceID, u.Phase, ota.ErrNotFound)
	}

	rec.mu.Lock()

	current := rec.record.State
	if (from != "" && current != from) || !ota.CanTransition(current, u.State) {
		rec.mu.Unlock()

		return nil, e.deviceError(deviceID, u.Phase,
			fmt.Errorf("%w: %s -> %s", ota.ErrInvalidTransition, current, u.State))
	}

	rec.record.State = u.State
	rec.record.Transitions = append(rec.record.Transitions, ota.Transition{State: u.State, At: time.Now()})

	if u.Phase != "" {
		rec.record.FailedPhase = u.Phase
	}

	if u.Reason != "" {
		rec.record.FailureReason = u.Reason
	}

	if u.ReportedVersion != "" {
		rec.record.ReportedVersion = u.ReportedVersion
	}

	result := rec.record.Clone()
	rec.mu.Unlock()

	logger.DebugKV(ctx, "Device transition",
		"job_id", result.JobID,
		"device_id", deviceID,
		"from", current,
		"to", u.State)

	if u.State.IsTerminal() {
		e.orchestrator.notify(ctx, result)
	}

	return result, nil
}

// Reference returns the job's download reference, regenerating it when it
// would expire within validFor. The registry is called without holding the
// job lock, so describe and cancel never wait on storage retries.
func (e *Execution) Reference(ctx context.Context, validFor time.Duration) (ota.ArtifactReference, error) {
	e.entry.mu.Lock()
	current := e.entry.job.Artifact
	jobID, versionID := e.entry.job.ID, e.entry.job.VersionID
	e.entry.mu.Unlock()

	if current.ValidFor(time.Now(), validFor) {
		return current, nil
	}

	ttl := max(e.orchestrator.artifactTTL, validFor)

	ref, err := e.orchestrator.registry.GetArtifactDownloadReference(ctx, versionID, ttl)
	if err != nil {
		return ota.ArtifactReference{}, fmt.Errorf("refresh reference of job %s: %w", jobID, err)
	}

	e.entry.mu.Lock()
	defer e.entry.mu.Unlock()

	// A concurrent refresh may have stored a longer-lived reference.
	if e.entry.job.Artifact.ExpiresAt.After(ref.ExpiresAt) {
		return e.entry.job.Artifact, nil
	}

	e.entry.job.Artifact = ref

	logger.InfoKV(ctx, "Artifact reference refreshed",
		"job_id", jobID,
		"expires_at", ref.ExpiresAt)

	return ref, nil
}

func (e *Execution) deviceError(deviceID string, phase ota.Phase, err error) error {
	return &ota.ExecutionError{
		JobID:    e.entry.job.ID,
		DeviceID: deviceID,
		Phase:    phase,
		Err:      err,
	}
}
