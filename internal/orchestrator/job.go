package orchestrator

import (
	"maps"
	"sync"
	"time"

	"github.com/oshokin/fleet-ota/internal/domain/ota"
)

// jobEntry is the stored state of one job.
type jobEntry struct {
	// job.Targets never changes; job.Artifact is guarded by mu.
	job *ota.Job
	// records is keyed by device id and never modified after creation.
	records map[string]*recordEntry
	// canceled is closed once cancellation was requested.
	canceled   chan struct{}
	canceledAt time.Time
	// frozen is the final snapshot, set once every device is terminal.
	frozen *ota.JobSnapshot
	mu     sync.Mutex
}

// recordEntry guards one device execution record. Only the task that owns the
// device writes it, the lock serializes those writes with readers.
type recordEntry struct {
	record ota.DeviceExecutionRecord
	mu     sync.Mutex
}

func newJobEntry(job *ota.Job, now time.Time) *jobEntry {
	records := make(map[string]*recordEntry, len(job.Targets))

	for _, deviceID := range job.Targets {
		records[deviceID] = &recordEntry{
			record: ota.DeviceExecutionRecord{
				JobID:       job.ID,
				DeviceID:    deviceID,
				VersionID:   job.VersionID,
				Version:     job.Version,
				State:       ota.ExecutionQueued,
				Transitions: []ota.Transition{{State: ota.ExecutionQueued, At: now}},
			},
		}
	}

	return &jobEntry{
		job:      job,
		records:  records,
		canceled: make(chan struct{}),
	}
}

func (r *recordEntry) read() *ota.DeviceExecutionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.record.Clone()
}

func (e *jobEntry) readRecords() []*ota.DeviceExecutionRecord {
	result := make([]*ota.DeviceExecutionRecord, 0, len(e.job.Targets))
	for _, deviceID := range e.job.Targets {
		result = append(result, e.records[deviceID].read())
	}

	return result
}

// snapshot aggregates the job at read time.
func (e *jobEntry) snapshot() *ota.JobSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	return copySnapshot(e.snapshotLocked())
}

func (e *jobEntry) snapshotLocked() *ota.JobSnapshot {
	if e.frozen != nil {
		return e.frozen
	}

	records := e.readRecords()
	counts := ota.CountStates(records)
	total := len(e.job.Targets)

	snap := &ota.JobSnapshot{
		Job:        *e.job.Clone(),
		State:      ota.AggregateJobState(counts, total, !e.canceledAt.IsZero()),
		Counts:     counts,
		CanceledAt: e.canceledAt,
	}

	if counts.Terminal() == total {
		for _, r := range records {
			if at, ok := r.EnteredAt(r.State); ok && at.After(snap.FinishedAt) {
				snap.FinishedAt = at
			}
		}

		e.frozen = snap
	}

	return snap
}

// cancel marks the job canceled. It returns false when the job is already terminal.
func (e *jobEntry) cancel(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.snapshotLocked().State.IsTerminal() {
		return false
	}

	e.canceledAt = now
	close(e.canceled)

	return true
}

func copySnapshot(snap *ota.JobSnapshot) *ota.JobSnapshot {
	cloned := *snap
	cloned.Job = *snap.Job.Clone()
	cloned.Counts = maps.Clone(snap.Counts)

	return &cloned
}
