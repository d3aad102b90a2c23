//nolint:revive,nolintlint // Package name "common" is intentional for shared helpers.
package common

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/oshokin/fleet-ota/internal/domain/ota"
)

// ErrJobFailed is returned by commands whose job ended FAILED, so the process exits non-zero.
var ErrJobFailed = errors.New("job failed")

// JobOutcome maps a final job state to the command result.
// COMPLETED, COMPLETED_WITH_ERRORS and CANCELED are successful runs.
func JobOutcome(snap *ota.JobSnapshot) error {
	if snap.State == ota.JobStateFailed {
		return fmt.Errorf("%w: job %s", ErrJobFailed, snap.ID)
	}

	return nil
}

// WriteJobReport prints a job summary followed by one line per device.
func WriteJobReport(w io.Writer, snap *ota.JobSnapshot, records []*ota.DeviceExecutionRecord) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0) //nolint:mnd // Column padding.

	fmt.Fprintf(tw, "Job:\t%s\n", snap.ID)
	fmt.Fprintf(tw, "Version:\t%s (%s)\n", snap.Version, snap.VersionID)
	fmt.Fprintf(tw, "Groups:\t%s\n", strings.Join(snap.Groups, ", "))
	fmt.Fprintf(tw, "State:\t%s\n", snap.State)
	fmt.Fprintf(tw, "Devices:\t%d (%s)\n", len(snap.Targets), formatCounts(snap.Counts))

	if !snap.FinishedAt.IsZero() {
		fmt.Fprintf(tw, "Duration:\t%s\n", snap.FinishedAt.Sub(snap.CreatedAt).Round(time.Millisecond))
	}

	if len(records) > 0 {
		fmt.Fprintln(tw)
		fmt.Fprintln(tw, "DEVICE\tSTATE\tPHASE\tREASON")

		for _, record := range records {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
				record.DeviceID, record.State, dash(string(record.FailedPhase)), dash(record.FailureReason))
		}
	}

	return tw.Flush()
}

func formatCounts(counts ota.Counts) string {
	parts := make([]string, 0, len(counts))

	for _, state := range ota.ExecutionStates() {
		if n := counts[state]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", state, n))
		}
	}

	return strings.Join(parts, " ")
}

func dash(s string) string {
	if s == "" {
		return "-"
	}

	return s
}
