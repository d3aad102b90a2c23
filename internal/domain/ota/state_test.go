package ota

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestAggregateJobState checks every job outcome derived from device counts.
func TestAggregateJobState(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		counts   Counts
		canceled bool
		want     JobState
	}{
		{"all queued", Counts{ExecutionQueued: 3}, false, JobStateCreated},
		{"one downloading", Counts{ExecutionQueued: 2, ExecutionDownloading: 1}, false, JobStateInProgress},
		{"partly terminal", Counts{ExecutionSucceeded: 2, ExecutionApplying: 1}, false, JobStateInProgress},
		{"all succeeded", Counts{ExecutionSucceeded: 3}, false, JobStateCompleted},
		{"mixed", Counts{ExecutionSucceeded: 1, ExecutionFailed: 1, ExecutionTimedOut: 1}, false, JobStateCompletedWithErrors},
		{"none succeeded", Counts{ExecutionFailed: 2, ExecutionTimedOut: 1}, false, JobStateFailed},
		{"canceled wins", Counts{ExecutionSucceeded: 1, ExecutionCanceled: 2}, true, JobStateCanceled},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got := AggregateJobState(tc.counts, tc.counts.Total(), tc.canceled)
			require.Equal(t, tc.want, got)

			// Recomputing from the same counts is idempotent.
			require.Equal(t, got, AggregateJobState(tc.counts, tc.counts.Total(), tc.canceled))
		})
	}
}

// TestCanTransition walks the legal path and rejects leaving terminal states.
func TestCanTransition(t *testing.T) {
	t.Parallel()

	path := []ExecutionState{ExecutionQueued, ExecutionDownloading, ExecutionApplying, ExecutionVerifying, ExecutionSucceeded}
	for i := 1; i < len(path); i++ {
		require.True(t, CanTransition(path[i-1], path[i]), fmt.Sprintf("%s -> %s", path[i-1], path[i]))
	}

	require.False(t, CanTransition(ExecutionQueued, ExecutionApplying))
	require.False(t, CanTransition(ExecutionQueued, ExecutionFailed))

	for _, terminal := range []ExecutionState{ExecutionSucceeded, ExecutionFailed, ExecutionTimedOut, ExecutionCanceled} {
		require.True(t, terminal.IsTerminal())

		for _, next := range ExecutionStates() {
			require.False(t, CanTransition(terminal, next))
		}
	}
}

// TestCountStates verifies counts always sum to the number of records.
func TestCountStates(t *testing.T) {
	t.Parallel()

	records := []*DeviceExecutionRecord{
		{State: ExecutionSucceeded},
		{State: ExecutionSucceeded},
		{State: ExecutionFailed},
		{State: ExecutionQueued},
	}

	counts := CountStates(records)
	require.Equal(t, len(records), counts.Total())
	require.Equal(t, 3, counts.Terminal())
	require.Equal(t, 2, counts[ExecutionSucceeded])
}

// TestCloneIsolation ensures clones do not share slices with the original.
func TestCloneIsolation(t *testing.T) {
	t.Parallel()

	job := &Job{ID: "j", Targets: []string{"a", "b"}}
	cloned := job.Clone()
	cloned.Targets[0] = "z"
	require.Equal(t, "a", job.Targets[0])

	record := &DeviceExecutionRecord{Transitions: []Transition{{State: ExecutionQueued}}}
	copied := record.Clone()
	copied.Transitions[0].State = ExecutionFailed
	require.Equal(t, ExecutionQueued, record.Transitions[0].State)

	require.Nil(t, (*Job)(nil).Clone())
	require.Nil(t, (*FirmwarePackage)(nil).Clone())
}

// TestKindOf classifies wrapped errors.
func TestKindOf(t *testing.T) {
	t.Parallel()

	require.Equal(t, ErrorKindValidation, KindOf(fmt.Errorf("create job: %w", ErrEmptyTargetSet)))
	require.Equal(t, ErrorKindNotFound, KindOf(fmt.Errorf("resolve: %w", ErrGroupNotFound)))
	require.Equal(t, ErrorKindState, KindOf(ErrInvalidState))

	execErr := &ExecutionError{JobID: "j1", DeviceID: "d1", Phase: PhaseDownload, Err: ErrDownloadFailed}
	require.ErrorIs(t, execErr, ErrDownloadFailed)
	require.Contains(t, execErr.Error(), "d1")
	require.Equal(t, ErrorKindBoundary, KindOf(execErr))
}
