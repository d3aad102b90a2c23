// Package rollback validates revert requests against device firmware history
// and turns accepted ones into ordinary single-device jobs.
package rollback

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/oshokin/fleet-ota/internal/domain/ota"
	"github.com/oshokin/fleet-ota/internal/group"
	"github.com/oshokin/fleet-ota/internal/logger"
	"github.com/oshokin/fleet-ota/internal/orchestrator"
)

// History answers whether a version was applied successfully to a device.
type History interface {
	HasSucceeded(deviceID string, versionID ota.VersionID) bool
}

// JobCreator creates jobs, implemented by *orchestrator.Orchestrator.
type JobCreator interface {
	CreateJob(ctx context.Context, versionID ota.VersionID, refs []group.Ref, opts ...orchestrator.JobOption) (ota.JobID, error)
}

// Manager handles revert requests and keeps a record of each.
type Manager struct {
	history History
	jobs    JobCreator
	records []ota.RevertRecord
	mu      sync.Mutex
}

// NewManager creates a rollback manager.
func NewManager(history History, jobs JobCreator) *Manager {
	return &Manager{
		history: history,
		jobs:    jobs,
	}
}

// Revert creates a job that reinstalls targetVersionID on deviceID. It fails
// with ErrNeverApplied, creating no job, unless the version is a SUCCEEDED
// entry of the device's history.
func (m *Manager) Revert(ctx context.Context, deviceID string, targetVersionID ota.VersionID) (*ota.RevertRecord, error) {
	record := ota.RevertRecord{
		DeviceID:        deviceID,
		TargetVersionID: targetVersionID,
		RequestedAt:     time.Now(),
	}

	if !m.history.HasSucceeded(deviceID, targetVersionID) {
		err := fmt.Errorf("revert %s to %s: %w", deviceID, targetVersionID, ota.ErrNeverApplied)
		record.Reason = ota.ErrNeverApplied.Error()

		return m.keep(record), err
	}

	jobID, err := m.jobs.CreateJob(ctx, targetVersionID,
		[]group.Ref{group.Inline("revert-"+deviceID, deviceID)},
		orchestrator.AsRollback())
	if err != nil {
		record.Reason = err.Error()

		return m.keep(record), fmt.Errorf("revert %s to %s: %w", deviceID, targetVersionID, err)
	}

	record.Accepted = true
	record.JobID = jobID

	logger.InfoKV(ctx, "Rollback job created",
		"device_id", deviceID,
		"version_id", targetVersionID,
		"job_id", jobID)

	return m.keep(record), nil
}

// Records returns every revert request in arrival order.
func (m *Manager) Records() []ota.RevertRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	return slices.Clone(m.records)
}

func (m *Manager) keep(record ota.RevertRecord) *ota.RevertRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.records = append(m.records, record)

	return &record
}
