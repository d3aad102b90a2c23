package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oshokin/fleet-ota/internal/config"
	"github.com/oshokin/fleet-ota/internal/domain/ota"
	"github.com/oshokin/fleet-ota/internal/group"
	"github.com/oshokin/fleet-ota/internal/logger"
)

// Registry is the part of the package registry the orchestrator reads.
type Registry interface {
	GetVersion(ctx context.Context, versionID ota.VersionID) (ota.PackageVersion, error)
	GetArtifactDownloadReference(ctx context.Context, versionID ota.VersionID, ttl time.Duration) (ota.ArtifactReference, error)
}

// Resolver resolves group references into device sets.
type Resolver interface {
	Resolve(ctx context.Context, ref group.Ref) (group.DeviceSet, error)
}

// TerminalObserver is notified once per device execution reaching a terminal state.
type TerminalObserver interface {
	OnTerminal(ctx context.Context, record *ota.DeviceExecutionRecord) error
}

// Options configures an Orchestrator.
type Options struct {
	Registry Registry
	Resolver Resolver
	// ArtifactTTL is the minimum lifetime of a job's download reference.
	ArtifactTTL time.Duration
	// Simulation provides concurrency and phase timeouts used to size the execution horizon.
	Simulation config.SimulationConfig
	// Observers are called in order for every terminal device execution.
	Observers []TerminalObserver
}

// Plan is the result of a dry run: what CreateJob would snapshot.
type Plan struct {
	Version   ota.PackageVersion
	Groups    []string
	Targets   []string
	Reference ota.ArtifactReference
	// Horizon is the expected worst-case execution time of the job.
	Horizon time.Duration
}

// Orchestrator creates, cancels and describes jobs.
type Orchestrator struct {
	registry    Registry
	resolver    Resolver
	artifactTTL time.Duration
	simulation  config.SimulationConfig
	observers   []TerminalObserver

	// jobs is keyed by job id.
	jobs map[ota.JobID]*jobEntry
	// order keeps job ids in creation order.
	order []ota.JobID
	// mu protects jobs and order.
	mu sync.RWMutex
}

// New creates an orchestrator.
func New(opts Options) *Orchestrator {
	ttl := opts.ArtifactTTL
	if ttl <= 0 {
		ttl = config.DefaultArtifactTTL
	}

	return &Orchestrator{
		registry:    opts.Registry,
		resolver:    opts.Resolver,
		artifactTTL: ttl,
		simulation:  opts.Simulation,
		observers:   append([]TerminalObserver(nil), opts.Observers...),
		jobs:        make(map[ota.JobID]*jobEntry),
	}
}

// JobOption tunes job creation.
type JobOption func(*ota.Job)

// AsRollback marks the job as created by the rollback manager.
func AsRollback() JobOption {
	return func(j *ota.Job) {
		j.Rollback = true
	}
}

// CreateJob resolves every group, snapshots the deduplicated union of their
// devices and attaches a download reference that outlives the execution horizon.
// Nothing is created when any step fails.
func (o *Orchestrator) CreateJob(
	ctx context.Context,
	versionID ota.VersionID,
	refs []group.Ref,
	opts ...JobOption,
) (ota.JobID, error) {
	plan, err := o.Plan(ctx, versionID, refs)
	if err != nil {
		return "", err
	}

	now := time.Now()
	job := &ota.Job{
		ID:        ota.JobID(uuid.NewString()),
		PackageID: plan.Version.PackageID,
		VersionID: plan.Version.ID,
		Version:   plan.Version.Version,
		Groups:    plan.Groups,
		Targets:   plan.Targets,
		Artifact:  plan.Reference,
		CreatedAt: now,
	}

	for _, opt := range opts {
		opt(job)
	}

	entry := newJobEntry(job, now)

	o.mu.Lock()
	o.jobs[job.ID] = entry
	o.order = append(o.order, job.ID)
	o.mu.Unlock()

	logger.InfoKV(ctx, "Job created",
		"job_id", job.ID,
		"version", job.Version,
		"groups", job.Groups,
		"targets", len(job.Targets),
		"rollback", job.Rollback,
		"reference_expires_at", job.Artifact.ExpiresAt)

	return job.ID, nil
}

// Plan performs group resolution and artifact reference generation without creating a job.
func (o *Orchestrator) Plan(ctx context.Context, versionID ota.VersionID, refs []group.Ref) (*Plan, error) {
	version, err := o.registry.GetVersion(ctx, versionID)
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	if len(refs) == 0 {
		return nil, fmt.Errorf("create job: no groups: %w", ota.ErrEmptyTargetSet)
	}

	sets := make([]group.DeviceSet, 0, len(refs))
	names := make([]string, 0, len(refs))

	for _, ref := range refs {
		set, err := o.resolver.Resolve(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("create job: %w", err)
		}

		sets = append(sets, set)
		names = append(names, ref.Name)
	}

	targets := group.Union(sets...)
	if len(targets) == 0 {
		return nil, fmt.Errorf("create job: groups %v: %w", names, ota.ErrEmptyTargetSet)
	}

	horizon := o.Horizon(len(targets))

	ref, err := o.registry.GetArtifactDownloadReference(ctx, versionID, max(o.artifactTTL, horizon))
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	return &Plan{
		Version:   version,
		Groups:    names,
		Targets:   targets,
		Reference: ref,
		Horizon:   horizon,
	}, nil
}

// Horizon estimates the worst-case execution time for n devices: the number of
// worker waves times the sum of all phase timeouts.
func (o *Orchestrator) Horizon(n int) time.Duration {
	concurrency := o.simulation.EffectiveConcurrency()
	waves := (n + concurrency - 1) / concurrency

	return time.Duration(waves) * o.simulation.DeviceTimeout()
}

// CancelJob requests cooperative cancellation. Devices that have not started
// are canceled at once, in-flight devices finish their current phase first.
func (o *Orchestrator) CancelJob(ctx context.Context, jobID ota.JobID) error {
	entry, err := o.entry(jobID)
	if err != nil {
		return err
	}

	if !entry.cancel(time.Now()) {
		return fmt.Errorf("cancel job %s: already %s: %w", jobID, entry.snapshot().State, ota.ErrInvalidState)
	}

	logger.InfoKV(ctx, "Job cancellation requested", "job_id", jobID)

	execution := &Execution{orchestrator: o, entry: entry}

	for _, deviceID := range entry.job.Targets {
		_, err = execution.transition(ctx, deviceID, ota.ExecutionQueued, Update{State: ota.ExecutionCanceled})
		if err != nil && !errors.Is(err, ota.ErrInvalidTransition) {
			return err
		}
	}

	return nil
}

// DescribeJob returns the job with per-state device counts aggregated at read time.
func (o *Orchestrator) DescribeJob(_ context.Context, jobID ota.JobID) (*ota.JobSnapshot, error) {
	entry, err := o.entry(jobID)
	if err != nil {
		return nil, err
	}

	return entry.snapshot(), nil
}

// ListJobs describes every job in creation order.
func (o *Orchestrator) ListJobs(_ context.Context) []*ota.JobSnapshot {
	o.mu.RLock()
	entries := make([]*jobEntry, 0, len(o.order))

	for _, id := range o.order {
		entries = append(entries, o.jobs[id])
	}
	o.mu.RUnlock()

	result := make([]*ota.JobSnapshot, 0, len(entries))
	for _, entry := range entries {
		result = append(result, entry.snapshot())
	}

	return result
}

// DescribeDeviceExecution returns a copy of one device's execution record.
func (o *Orchestrator) DescribeDeviceExecution(
	_ context.Context,
	jobID ota.JobID,
	deviceID string,
) (*ota.DeviceExecutionRecord, error) {
	entry, err := o.entry(jobID)
	if err != nil {
		return nil, err
	}

	rec, ok := entry.records[deviceID]
	if !ok {
		return nil, fmt.Errorf("job %s device %s: %w", jobID, deviceID, ota.ErrNotFound)
	}

	return rec.read(), nil
}

// DeviceExecutions returns copies of all records of a job in target order.
func (o *Orchestrator) DeviceExecutions(_ context.Context, jobID ota.JobID) ([]*ota.DeviceExecutionRecord, error) {
	entry, err := o.entry(jobID)
	if err != nil {
		return nil, err
	}

	return entry.readRecords(), nil
}

// Execution returns the write side of a job used to drive its devices.
func (o *Orchestrator) Execution(jobID ota.JobID) (*Execution, error) {
	entry, err := o.entry(jobID)
	if err != nil {
		return nil, err
	}

	return &Execution{orchestrator: o, entry: entry}, nil
}

func (o *Orchestrator) entry(jobID ota.JobID) (*jobEntry, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	entry, ok := o.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", jobID, ota.ErrJobNotFound)
	}

	return entry, nil
}

// notify calls every observer for a terminal record. Observer failures are
// logged with full context and never change execution state.
func (o *Orchestrator) notify(ctx context.Context, record *ota.DeviceExecutionRecord) {
	for _, observer := range o.observers {
		if err := observer.OnTerminal(ctx, record.Clone()); err != nil {
			logger.ErrorKV(ctx, "Terminal observer failed",
				"job_id", record.JobID,
				"device_id", record.DeviceID,
				"state", record.State,
				"error", err)
		}
	}
}
