package ota

// JobState is the state of a rollout.
type JobState string

const (
	JobStateCreated             JobState = "CREATED"
	JobStateInProgress          JobState = "IN_PROGRESS"
	JobStateCompleted           JobState = "COMPLETED"
	JobStateCompletedWithErrors JobState = "COMPLETED_WITH_ERRORS"
	JobStateFailed              JobState = "FAILED"
	JobStateCanceled            JobState = "CANCELED"
)

// IsTerminal reports whether no further transition is possible.
func (s JobState) IsTerminal() bool {
	switch s {
	case JobStateCompleted, JobStateCompletedWithErrors, JobStateFailed, JobStateCanceled:
		return true
	default:
		return false
	}
}

// ExecutionState is the state of one device within a job.
type ExecutionState string

const (
	ExecutionQueued      ExecutionState = "QUEUED"
	ExecutionDownloading ExecutionState = "DOWNLOADING"
	ExecutionApplying    ExecutionState = "APPLYING"
	ExecutionVerifying   ExecutionState = "VERIFYING"
	ExecutionSucceeded   ExecutionState = "SUCCEEDED"
	ExecutionFailed      ExecutionState = "FAILED"
	ExecutionTimedOut    ExecutionState = "TIMED_OUT"
	ExecutionCanceled    ExecutionState = "CANCELED"
)

// ExecutionStates lists every device state in lifecycle order.
func ExecutionStates() []ExecutionState {
	return []ExecutionState{
		ExecutionQueued,
		ExecutionDownloading,
		ExecutionApplying,
		ExecutionVerifying,
		ExecutionSucceeded,
		ExecutionFailed,
		ExecutionTimedOut,
		ExecutionCanceled,
	}
}

// IsTerminal reports whether the device execution has finished.
func (s ExecutionState) IsTerminal() bool {
	switch s {
	case ExecutionSucceeded, ExecutionFailed, ExecutionTimedOut, ExecutionCanceled:
		return true
	default:
		return false
	}
}

// executionTransitions is the per-device state machine.
//
//nolint:gochecknoglobals // Read-only lookup table.
var executionTransitions = map[ExecutionState][]ExecutionState{
	ExecutionQueued:      {ExecutionDownloading, ExecutionCanceled},
	ExecutionDownloading: {ExecutionApplying, ExecutionFailed, ExecutionTimedOut, ExecutionCanceled},
	ExecutionApplying:    {ExecutionVerifying, ExecutionFailed, ExecutionTimedOut, ExecutionCanceled},
	ExecutionVerifying:   {ExecutionSucceeded, ExecutionFailed, ExecutionTimedOut, ExecutionCanceled},
}

// CanTransition reports whether from -> to is a legal device transition.
func CanTransition(from, to ExecutionState) bool {
	for _, next := range executionTransitions[from] {
		if next == to {
			return true
		}
	}

	return false
}

// Phase is one unit of simulated device work.
type Phase string

const (
	PhaseDownload Phase = "download"
	PhaseApply    Phase = "apply"
	PhaseVerify   Phase = "verify"
)

// State returns the execution state a device is in while running the phase.
func (p Phase) State() ExecutionState {
	switch p {
	case PhaseDownload:
		return ExecutionDownloading
	case PhaseApply:
		return ExecutionApplying
	case PhaseVerify:
		return ExecutionVerifying
	default:
		return ""
	}
}

// Counts is the number of devices per execution state.
type Counts map[ExecutionState]int

// Total returns the number of counted devices.
func (c Counts) Total() int {
	total := 0
	for _, n := range c {
		total += n
	}

	return total
}

// Terminal returns the number of devices in a terminal state.
func (c Counts) Terminal() int {
	terminal := 0

	for state, n := range c {
		if state.IsTerminal() {
			terminal += n
		}
	}

	return terminal
}

// CountStates tallies the states of the given records.
func CountStates(records []*DeviceExecutionRecord) Counts {
	counts := make(Counts, len(executionTransitions))
	for _, r := range records {
		counts[r.State]++
	}

	return counts
}

// AggregateJobState derives a job state from device counts.
// It is a pure function: the same inputs always yield the same state.
func AggregateJobState(counts Counts, total int, canceled bool) JobState {
	if canceled {
		return JobStateCanceled
	}

	if counts[ExecutionQueued] == total {
		return JobStateCreated
	}

	if counts.Terminal() < total {
		return JobStateInProgress
	}

	succeeded := counts[ExecutionSucceeded]

	switch {
	case succeeded == total:
		return JobStateCompleted
	case succeeded == 0:
		return JobStateFailed
	default:
		return JobStateCompletedWithErrors
	}
}
