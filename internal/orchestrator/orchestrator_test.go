package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/fleet-ota/internal/config"
	"github.com/oshokin/fleet-ota/internal/domain/ota"
	"github.com/oshokin/fleet-ota/internal/fleet"
	"github.com/oshokin/fleet-ota/internal/group"
	"github.com/oshokin/fleet-ota/internal/registry"
	"github.com/oshokin/fleet-ota/internal/storage"
)

// recordingObserver counts terminal notifications per device.
type recordingObserver struct {
	calls map[string]int
	mu    sync.Mutex
}

func (r *recordingObserver) OnTerminal(_ context.Context, record *ota.DeviceExecutionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.calls[record.DeviceID]++

	return nil
}

// gatedRegistry blocks reference refreshes until release is closed.
type gatedRegistry struct {
	*registry.Registry

	gated   bool
	entered chan struct{}
	release chan struct{}
}

func (g *gatedRegistry) GetArtifactDownloadReference(
	ctx context.Context,
	versionID ota.VersionID,
	ttl time.Duration,
) (ota.ArtifactReference, error) {
	if g.gated {
		close(g.entered)
		<-g.release
	}

	return g.Registry.GetArtifactDownloadReference(ctx, versionID, ttl)
}

type fixture struct {
	orchestrator *Orchestrator
	inventory    *fleet.Inventory
	observer     *recordingObserver
	versionID    ota.VersionID
}

func newFixture(t *testing.T, sim config.SimulationConfig) *fixture {
	t.Helper()

	ctx := context.Background()
	reg := registry.New(registry.Options{Store: storage.NewMemoryStore("")})

	pkgID, err := reg.CreatePackage(ctx, "FleetOS")
	require.NoError(t, err)

	versionID, err := reg.CreateVersion(ctx, pkgID, "1.0.0", registry.ArtifactSource{Data: []byte("fleetos-1.0.0")})
	require.NoError(t, err)

	inv := fleet.NewInventory(0)
	for i := 1; i <= 5; i++ {
		require.NoError(t, inv.AddDevice(fmt.Sprintf("E-%03d", i), map[string]string{"region": "eu"}))
	}

	resolver := group.NewResolver(group.Options{Index: inv})
	require.NoError(t, resolver.Register(ota.DeviceGroup{
		Name:    "Fleet-US",
		Kind:    ota.GroupKindStatic,
		Members: []string{"V-001", "V-002", "V-003"},
	}))
	require.NoError(t, resolver.Register(ota.DeviceGroup{
		Name:    "Fleet-Mixed",
		Kind:    ota.GroupKindStatic,
		Members: []string{"V-003", "E-001"},
	}))
	require.NoError(t, resolver.Register(ota.DeviceGroup{Name: "eu", Kind: ota.GroupKindDynamic, Query: "region=eu"}))
	require.NoError(t, resolver.Register(ota.DeviceGroup{Name: "apac", Kind: ota.GroupKindDynamic, Query: "region=apac"}))

	observer := &recordingObserver{calls: make(map[string]int)}

	o := New(Options{
		Registry:    reg,
		Resolver:    resolver,
		ArtifactTTL: time.Minute,
		Simulation:  sim,
		Observers:   []TerminalObserver{observer},
	})

	return &fixture{
		orchestrator: o,
		inventory:    inv,
		observer:     observer,
		versionID:    versionID,
	}
}

func defaultSimulation() config.SimulationConfig {
	return config.Default().Simulation
}

// TestCreateJob_Errors creates nothing when validation or resolution fails.
func TestCreateJob_Errors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, defaultSimulation())

	_, err := f.orchestrator.CreateJob(ctx, "missing", []group.Ref{group.Named("Fleet-US")})
	require.ErrorIs(t, err, ota.ErrVersionNotFound)

	_, err = f.orchestrator.CreateJob(ctx, f.versionID, nil)
	require.ErrorIs(t, err, ota.ErrEmptyTargetSet)

	_, err = f.orchestrator.CreateJob(ctx, f.versionID, []group.Ref{group.Named("apac")})
	require.ErrorIs(t, err, ota.ErrEmptyTargetSet)

	_, err = f.orchestrator.CreateJob(ctx, f.versionID, []group.Ref{group.Named("Fleet-US"), group.Named("nope")})
	require.ErrorIs(t, err, ota.ErrGroupNotFound)

	require.Empty(t, f.orchestrator.ListJobs(ctx))
}

// TestCreateJob_UnionSnapshot deduplicates devices across groups.
func TestCreateJob_UnionSnapshot(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, defaultSimulation())

	jobID, err := f.orchestrator.CreateJob(ctx, f.versionID, []group.Ref{
		group.Named("Fleet-US"),
		group.Named("Fleet-Mixed"),
	})
	require.NoError(t, err)

	snap, err := f.orchestrator.DescribeJob(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, []string{"V-001", "V-002", "V-003", "E-001"}, snap.Targets)
	require.Equal(t, []string{"Fleet-US", "Fleet-Mixed"}, snap.Groups)
	require.Equal(t, ota.JobStateCreated, snap.State)
	require.Equal(t, ota.Counts{ota.ExecutionQueued: 4}, snap.Counts)
	require.Equal(t, "1.0.0", snap.Version)
	require.NotEmpty(t, snap.Artifact.URL)
}

// TestCreateJob_DynamicSnapshotIsFrozen checks that devices joining a dynamic
// group after creation are not added to the job.
func TestCreateJob_DynamicSnapshotIsFrozen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, defaultSimulation())

	jobID, err := f.orchestrator.CreateJob(ctx, f.versionID, []group.Ref{group.Named("eu")})
	require.NoError(t, err)

	require.NoError(t, f.inventory.AddDevice("E-006", map[string]string{"region": "eu"}))

	snap, err := f.orchestrator.DescribeJob(ctx, jobID)
	require.NoError(t, err)
	require.Len(t, snap.Targets, 5)
	require.NotContains(t, snap.Targets, "E-006")
	require.Equal(t, 5, snap.Counts.Total())

	plan, err := f.orchestrator.Plan(ctx, f.versionID, []group.Ref{group.Named("eu")})
	require.NoError(t, err)
	require.Len(t, plan.Targets, 6)
}

// TestCreateJob_ReferenceCoversHorizon sizes the URL lifetime to the execution window.
func TestCreateJob_ReferenceCoversHorizon(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	sim := defaultSimulation()
	sim.Concurrency = 1

	f := newFixture(t, sim)

	horizon := f.orchestrator.Horizon(3)
	require.Equal(t, 3*sim.DeviceTimeout(), horizon)
	require.Greater(t, horizon, time.Minute)

	before := time.Now()

	jobID, err := f.orchestrator.CreateJob(ctx, f.versionID, []group.Ref{group.Named("Fleet-US")})
	require.NoError(t, err)

	snap, err := f.orchestrator.DescribeJob(ctx, jobID)
	require.NoError(t, err)
	require.False(t, snap.Artifact.ExpiresAt.Before(before.Add(horizon)))
}

// TestDescribeJob_Aggregation walks a job through its states.
func TestDescribeJob_Aggregation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, defaultSimulation())

	jobID, err := f.orchestrator.CreateJob(ctx, f.versionID, []group.Ref{group.Named("Fleet-US")})
	require.NoError(t, err)

	exec, err := f.orchestrator.Execution(jobID)
	require.NoError(t, err)

	advance := func(deviceID string, states ...ota.ExecutionState) {
		for _, state := range states {
			_, err := exec.Transition(ctx, deviceID, Update{State: state})
			require.NoError(t, err)
		}
	}

	advance("V-001", ota.ExecutionDownloading)

	snap, err := f.orchestrator.DescribeJob(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, ota.JobStateInProgress, snap.State)

	advance("V-001", ota.ExecutionApplying, ota.ExecutionVerifying, ota.ExecutionSucceeded)
	advance("V-002", ota.ExecutionDownloading)

	_, err = exec.Transition(ctx, "V-002", Update{
		State:  ota.ExecutionFailed,
		Phase:  ota.PhaseDownload,
		Reason: ota.ErrDownloadFailed.Error(),
	})
	require.NoError(t, err)

	advance("V-003", ota.ExecutionDownloading, ota.ExecutionApplying)

	_, err = exec.Transition(ctx, "V-003", Update{State: ota.ExecutionTimedOut, Phase: ota.PhaseApply})
	require.NoError(t, err)

	snap, err = f.orchestrator.DescribeJob(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, ota.JobStateCompletedWithErrors, snap.State)
	require.Equal(t, ota.Counts{
		ota.ExecutionSucceeded: 1,
		ota.ExecutionFailed:    1,
		ota.ExecutionTimedOut:  1,
	}, snap.Counts)
	require.Equal(t, len(snap.Targets), snap.Counts.Total())
	require.Equal(t, snap.State, ota.AggregateJobState(snap.Counts, len(snap.Targets), false))
	require.False(t, snap.FinishedAt.IsZero())

	again, err := f.orchestrator.DescribeJob(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, snap, again)

	rec, err := f.orchestrator.DescribeDeviceExecution(ctx, jobID, "V-002")
	require.NoError(t, err)
	require.Equal(t, ota.PhaseDownload, rec.FailedPhase)
	require.Equal(t, "DownloadFailed", rec.FailureReason)

	_, err = f.orchestrator.DescribeDeviceExecution(ctx, jobID, "V-999")
	require.ErrorIs(t, err, ota.ErrNotFound)

	require.Equal(t, map[string]int{"V-001": 1, "V-002": 1, "V-003": 1}, f.observer.calls)

	err = f.orchestrator.CancelJob(ctx, jobID)
	require.ErrorIs(t, err, ota.ErrInvalidState)
}

// TestTransition_Rejected keeps terminal records immutable.
func TestTransition_Rejected(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, defaultSimulation())

	jobID, err := f.orchestrator.CreateJob(ctx, f.versionID, []group.Ref{group.Inline("single", "V-001")})
	require.NoError(t, err)

	exec, err := f.orchestrator.Execution(jobID)
	require.NoError(t, err)

	_, err = exec.Transition(ctx, "V-001", Update{State: ota.ExecutionSucceeded})
	require.ErrorIs(t, err, ota.ErrInvalidTransition)

	var execErr *ota.ExecutionError
	require.ErrorAs(t, err, &execErr)
	require.Equal(t, jobID, execErr.JobID)
	require.Equal(t, "V-001", execErr.DeviceID)

	_, err = exec.Transition(ctx, "V-001", Update{State: ota.ExecutionCanceled})
	require.NoError(t, err)

	_, err = exec.Transition(ctx, "V-001", Update{State: ota.ExecutionDownloading})
	require.ErrorIs(t, err, ota.ErrInvalidTransition)

	_, err = exec.Transition(ctx, "V-404", Update{State: ota.ExecutionDownloading})
	require.ErrorIs(t, err, ota.ErrNotFound)

	require.Equal(t, map[string]int{"V-001": 1}, f.observer.calls)
}

// TestCancelJob cancels queued devices at once and leaves in-flight ones to their task.
func TestCancelJob(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, defaultSimulation())

	err := f.orchestrator.CancelJob(ctx, "missing")
	require.ErrorIs(t, err, ota.ErrJobNotFound)

	jobID, err := f.orchestrator.CreateJob(ctx, f.versionID, []group.Ref{group.Named("Fleet-US")})
	require.NoError(t, err)

	exec, err := f.orchestrator.Execution(jobID)
	require.NoError(t, err)

	_, err = exec.Transition(ctx, "V-001", Update{State: ota.ExecutionDownloading})
	require.NoError(t, err)

	require.False(t, exec.IsCanceled())
	require.NoError(t, f.orchestrator.CancelJob(ctx, jobID))
	require.True(t, exec.IsCanceled())

	snap, err := f.orchestrator.DescribeJob(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, ota.JobStateCanceled, snap.State)
	require.Equal(t, ota.Counts{ota.ExecutionDownloading: 1, ota.ExecutionCanceled: 2}, snap.Counts)
	require.True(t, snap.FinishedAt.IsZero())

	err = f.orchestrator.CancelJob(ctx, jobID)
	require.ErrorIs(t, err, ota.ErrInvalidState)

	_, err = exec.Transition(ctx, "V-001", Update{State: ota.ExecutionCanceled})
	require.NoError(t, err)

	snap, err = f.orchestrator.DescribeJob(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, ota.Counts{ota.ExecutionCanceled: 3}, snap.Counts)
	require.False(t, snap.FinishedAt.IsZero())
	require.Equal(t, map[string]int{"V-001": 1, "V-002": 1, "V-003": 1}, f.observer.calls)
}

// TestReference_RefreshDoesNotBlockReaders keeps describe and cancel responsive
// while a reference refresh is waiting on the registry.
func TestReference_RefreshDoesNotBlockReaders(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, defaultSimulation())

	gate := &gatedRegistry{
		Registry: f.orchestrator.registry.(*registry.Registry), //nolint:forcetypeassert // Set by newFixture.
		entered:  make(chan struct{}),
		release:  make(chan struct{}),
	}
	f.orchestrator.registry = gate

	jobID, err := f.orchestrator.CreateJob(ctx, f.versionID, []group.Ref{group.Named("Fleet-US")})
	require.NoError(t, err)

	exec, err := f.orchestrator.Execution(jobID)
	require.NoError(t, err)

	before, err := f.orchestrator.DescribeJob(ctx, jobID)
	require.NoError(t, err)

	gate.gated = true

	refreshed := make(chan ota.ArtifactReference, 1)

	go func() {
		ref, refErr := exec.Reference(ctx, 24*time.Hour)
		if refErr == nil {
			refreshed <- ref
		}

		close(refreshed)
	}()

	<-gate.entered

	snap, err := f.orchestrator.DescribeJob(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, before.Artifact, snap.Artifact)
	require.NoError(t, f.orchestrator.CancelJob(ctx, jobID))

	close(gate.release)

	ref, ok := <-refreshed
	require.True(t, ok)
	require.True(t, ref.ExpiresAt.After(before.Artifact.ExpiresAt))

	again, err := exec.Reference(ctx, time.Hour)
	require.NoError(t, err)
	require.Equal(t, ref, again)
}
