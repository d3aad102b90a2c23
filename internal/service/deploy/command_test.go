package deploy

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/fleet-ota/internal/config"
	"github.com/oshokin/fleet-ota/internal/domain/ota"
	"github.com/oshokin/fleet-ota/internal/group"
	"github.com/oshokin/fleet-ota/internal/registry"
	repository "github.com/oshokin/fleet-ota/internal/repository/state"
	"github.com/oshokin/fleet-ota/internal/runlock"
	"github.com/oshokin/fleet-ota/internal/service/common"
)

// testSettings writes a one-version catalog into a temporary directory.
func testSettings(t *testing.T) *config.Config {
	t.Helper()

	dir := t.TempDir()
	firmware := filepath.Join(dir, "fleetos.bin")
	require.NoError(t, os.WriteFile(firmware, []byte("FleetOS 1.2.0"), 0o600))

	checksum, size, err := registry.ChecksumFile(firmware)
	require.NoError(t, err)

	catalog := new(registry.Catalog)
	require.NoError(t, catalog.AddVersion("FleetOS", registry.CatalogVersion{
		Version:  "1.2.0",
		File:     "fleetos.bin",
		Checksum: checksum,
		Size:     size,
	}))

	settings := config.Default()
	settings.CatalogFile = filepath.Join(dir, "catalog.yaml")
	settings.StateFile = filepath.Join(dir, "state.json")
	settings.Groups = []config.GroupConfig{
		{Name: "canary", Kind: "static", Members: []string{"V-001", "V-002", "V-003"}},
	}
	settings.Simulation.DownloadDuration = time.Millisecond
	settings.Simulation.ApplyMin = time.Millisecond
	settings.Simulation.ApplyMax = time.Millisecond
	settings.Simulation.VerifyDuration = time.Millisecond
	require.NoError(t, registry.SaveCatalog(settings.CatalogFile, catalog))
	require.NoError(t, config.Validate(settings))

	return settings
}

// TestRun_Validation rejects incomplete requests before touching any component.
func TestRun_Validation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	require.ErrorIs(t, Run(ctx, &Options{Groups: []string{"canary"}}), errPackageRequired)
	require.ErrorIs(t, Run(ctx, &Options{Package: "FleetOS", Version: "1.2.0"}), errNoTargets)
}

// TestRun_PartialFailure completes with errors, writes the report and saves history.
func TestRun_PartialFailure(t *testing.T) {
	t.Parallel()

	settings := testSettings(t)

	var out bytes.Buffer

	err := Run(context.Background(), &Options{
		Settings: settings,
		Package:  "FleetOS",
		Version:  "1.2.0",
		Groups:   []string{"canary"},
		Devices:  []string{"V-003", "V-004"},
		Faults:   []string{"V-003=checksum_mismatch"},
		Out:      &out,
	})
	require.NoError(t, err)
	require.Contains(t, out.String(), string(ota.JobStateCompletedWithErrors))
	require.Regexp(t, `V-003\s+FAILED\s+download\s+DownloadFailed`, out.String())
	require.NoFileExists(t, filepath.Join(filepath.Dir(settings.StateFile), runlock.MarkerFilename))

	histories, err := repository.NewFileRepository(settings.StateFile).Load(context.Background())
	require.NoError(t, err)
	require.Len(t, histories, 4)
	require.Equal(t, ota.ExecutionFailed, histories["V-003"][0].Outcome)
	require.Equal(t, ota.ExecutionSucceeded, histories["V-004"][0].Outcome)
}

// TestRun_AllFailed exits with ErrJobFailed.
func TestRun_AllFailed(t *testing.T) {
	t.Parallel()

	err := Run(context.Background(), &Options{
		Settings: testSettings(t),
		Package:  "FleetOS",
		Version:  "1.2.0",
		Devices:  []string{"V-001"},
		Faults:   []string{"V-001=apply_error"},
		Out:      new(bytes.Buffer),
	})
	require.ErrorIs(t, err, common.ErrJobFailed)
}

// TestRun_DryRun plans without executing or recording history.
func TestRun_DryRun(t *testing.T) {
	t.Parallel()

	settings := testSettings(t)

	var out bytes.Buffer

	err := Run(context.Background(), &Options{
		Settings: settings,
		Package:  "FleetOS",
		Version:  "1.2.0",
		Groups:   []string{"canary"},
		DryRun:   true,
		Out:      &out,
	})
	require.NoError(t, err)
	require.Contains(t, out.String(), "3 [V-001 V-002 V-003]")
	require.NoFileExists(t, settings.StateFile)

	err = Run(context.Background(), &Options{
		Settings: settings,
		Package:  "FleetOS",
		Version:  "9.9.9",
		Groups:   []string{"canary"},
		DryRun:   true,
		Out:      &out,
	})
	require.ErrorIs(t, err, ota.ErrVersionNotFound)
}

// TestRun_Locked refuses to start while another rollout holds the marker.
func TestRun_Locked(t *testing.T) {
	t.Parallel()

	settings := testSettings(t)

	lock, err := runlock.Acquire(context.Background(), filepath.Join(filepath.Dir(settings.StateFile), runlock.MarkerFilename))
	require.NoError(t, err)

	defer func() { require.NoError(t, lock.Release()) }()

	err = Run(context.Background(), &Options{
		Settings: settings,
		Package:  "FleetOS",
		Version:  "1.2.0",
		Groups:   []string{"canary"},
	})
	require.ErrorIs(t, err, runlock.ErrAlreadyRunning)
}

// TestWatchInterrupt cancels the job once the context is done.
func TestWatchInterrupt(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	stack, err := common.NewStack(ctx, testSettings(t), common.StackOptions{})
	require.NoError(t, err)

	defer stack.Close()

	pv, err := stack.ResolveVersion(ctx, "FleetOS", "1.2.0")
	require.NoError(t, err)

	jobID, err := stack.Orchestrator.CreateJob(ctx, pv.ID, []group.Ref{group.Named("canary")})
	require.NoError(t, err)

	stop := watchInterrupt(ctx, stack, jobID)
	defer stop()

	cancel()

	require.Eventually(t, func() bool {
		snap, err := stack.Orchestrator.DescribeJob(context.Background(), jobID)

		return err == nil && snap.State == ota.JobStateCanceled && snap.Counts[ota.ExecutionCanceled] == 3
	}, time.Second, 5*time.Millisecond)
}
