package ota

import (
	"slices"
	"time"
)

// Identifier types keep package, version and job ids from being mixed up.
type (
	// PackageID identifies a firmware package.
	PackageID string
	// VersionID identifies one release of a package.
	VersionID string
	// JobID identifies an OTA rollout.
	JobID string
)

// FirmwarePackage is a named firmware deliverable.
type FirmwarePackage struct {
	// ID is the registry-assigned identifier.
	ID PackageID
	// Name is the unique human name, e.g. "FleetOS".
	Name string
	// Versions lists version ids in release order.
	Versions []VersionID
	// CreatedAt is when the package was registered.
	CreatedAt time.Time
}

// Clone returns a deep copy of the package.
func (p *FirmwarePackage) Clone() *FirmwarePackage {
	if p == nil {
		return nil
	}

	cloned := *p
	cloned.Versions = slices.Clone(p.Versions)

	return &cloned
}

// Artifact describes the binary payload of a version in object storage.
type Artifact struct {
	// Key is the object-storage key.
	Key string
	// Checksum is the hex-encoded SHA-256 of the payload.
	Checksum string
	// Size is the payload size in bytes.
	Size int64
}

// PackageVersion is one immutable release of a package.
type PackageVersion struct {
	ID        VersionID
	PackageID PackageID
	// Version is the semantic version string as provided by the publisher.
	Version   string
	Artifact  Artifact
	CreatedAt time.Time
}

// ArtifactReference is a time-boxed download reference for a version.
type ArtifactReference struct {
	VersionID VersionID
	// URL is the presigned download URL.
	URL       string
	Checksum  string
	ExpiresAt time.Time
}

// ValidFor reports whether the reference stays usable for at least d from now.
func (r ArtifactReference) ValidFor(now time.Time, d time.Duration) bool {
	return r.URL != "" && now.Add(d).Before(r.ExpiresAt)
}

// GroupKind tells how a group resolves its members.
type GroupKind string

const (
	// GroupKindStatic groups have a fixed membership list.
	GroupKindStatic GroupKind = "static"
	// GroupKindDynamic groups are resolved by a fleet query at use time.
	GroupKindDynamic GroupKind = "dynamic"
)

// DeviceGroup is a named device set.
type DeviceGroup struct {
	Name string
	Kind GroupKind
	// Members is the fixed membership of a static group.
	Members []string
	// Query is the fleet-index expression of a dynamic group.
	Query string
}

// Job is one OTA rollout of a version to a snapshotted device set.
type Job struct {
	ID        JobID
	PackageID PackageID
	VersionID VersionID
	Version   string
	// Groups names the group references the job was created from.
	Groups []string
	// Targets is the device snapshot taken at creation. It never changes.
	Targets []string
	// Artifact is the download reference attached at creation.
	Artifact  ArtifactReference
	CreatedAt time.Time
	// Rollback marks jobs created by the rollback manager.
	Rollback bool
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}

	cloned := *j
	cloned.Groups = slices.Clone(j.Groups)
	cloned.Targets = slices.Clone(j.Targets)

	return &cloned
}

// JobSnapshot is the read model returned by DescribeJob.
type JobSnapshot struct {
	Job
	// State is derived from Counts on every read.
	State JobState
	// Counts holds the number of devices per execution state.
	Counts Counts
	// CanceledAt is set once cancellation was requested.
	CanceledAt time.Time
	// FinishedAt is set once the job reached a terminal state.
	FinishedAt time.Time
}

// Transition is one recorded state change of a device execution.
type Transition struct {
	State ExecutionState
	At    time.Time
}

// DeviceExecutionRecord tracks one device within one job.
type DeviceExecutionRecord struct {
	JobID     JobID
	DeviceID  string
	VersionID VersionID
	// Version is the attempted version string.
	Version string
	State   ExecutionState
	// ReportedVersion is what the device reported during verification.
	ReportedVersion string
	// FailedPhase is the phase in which a FAILED or TIMED_OUT record stopped.
	FailedPhase Phase
	// FailureReason is a short machine-friendly reason, e.g. "DownloadFailed".
	FailureReason string
	Transitions   []Transition
}

// Clone returns a deep copy of the record.
func (r *DeviceExecutionRecord) Clone() *DeviceExecutionRecord {
	if r == nil {
		return nil
	}

	cloned := *r
	cloned.Transitions = slices.Clone(r.Transitions)

	return &cloned
}

// EnteredAt returns when the record entered the given state, if it did.
func (r *DeviceExecutionRecord) EnteredAt(state ExecutionState) (time.Time, bool) {
	for _, t := range r.Transitions {
		if t.State == state {
			return t.At, true
		}
	}

	return time.Time{}, false
}

// HistoryEntry is one terminal execution in a device's firmware history.
type HistoryEntry struct {
	VersionID VersionID
	Version   string
	JobID     JobID
	Outcome   ExecutionState
	Timestamp time.Time
}

// RevertRecord captures one rollback request and its validation result.
type RevertRecord struct {
	DeviceID        string
	TargetVersionID VersionID
	// Accepted is false when validation rejected the request.
	Accepted bool
	// Reason explains a rejection.
	Reason string
	// JobID is the rollback job, empty when rejected.
	JobID       JobID
	RequestedAt time.Time
}
