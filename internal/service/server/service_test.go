package server

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	api "github.com/oshokin/fleet-ota/internal/api/grpc/ota"
	"github.com/oshokin/fleet-ota/internal/config"
	"github.com/oshokin/fleet-ota/internal/domain/ota"
	"github.com/oshokin/fleet-ota/internal/registry"
	"github.com/oshokin/fleet-ota/internal/repository/state"
	"github.com/oshokin/fleet-ota/internal/service/common"
)

func newTestService(t *testing.T) (*service, *config.Config) {
	t.Helper()

	dir := t.TempDir()
	catalog := new(registry.Catalog)

	for _, version := range []string{"1.0.0", "1.1.0"} {
		file := "fleetos-" + version + ".bin"
		require.NoError(t, os.WriteFile(filepath.Join(dir, file), []byte("image "+version), 0o600))

		checksum, size, err := registry.ChecksumFile(filepath.Join(dir, file))
		require.NoError(t, err)
		require.NoError(t, catalog.AddVersion("FleetOS", registry.CatalogVersion{
			Version:  version,
			File:     file,
			Checksum: checksum,
			Size:     size,
		}))
	}

	settings := config.Default()
	settings.CatalogFile = filepath.Join(dir, "catalog.yaml")
	settings.StateFile = filepath.Join(dir, "state.json")
	settings.Groups = []config.GroupConfig{
		{Name: "lab", Kind: string(ota.GroupKindStatic), Members: []string{"L-1", "L-2"}},
	}
	settings.Simulation.DownloadDuration = time.Millisecond
	settings.Simulation.ApplyMin = time.Millisecond
	settings.Simulation.ApplyMax = time.Millisecond
	settings.Simulation.VerifyDuration = time.Millisecond
	require.NoError(t, registry.SaveCatalog(settings.CatalogFile, catalog))

	stack, err := common.NewStack(context.Background(), settings, common.StackOptions{})
	require.NoError(t, err)
	t.Cleanup(stack.Close)

	return newService(context.Background(), stack), settings
}

// TestService_CreateJob runs a job in the background and persists the resulting history.
func TestService_CreateJob(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, settings := newTestService(t)

	status, err := s.CreateJob(ctx, &api.JobRequest{
		Package:     "FleetOS",
		Version:     "1.0.0",
		Groups:      []string{"lab"},
		RequestedBy: "ops@bench",
	})
	require.NoError(t, err)
	require.Equal(t, []string{"L-1", "L-2"}, status.Snapshot.Targets)
	require.Len(t, status.Devices, 2)

	s.Wait()

	status, err = s.DescribeJob(ctx, status.Snapshot.ID)
	require.NoError(t, err)
	require.Equal(t, ota.JobStateCompleted, status.Snapshot.State)
	require.Equal(t, 2, status.Snapshot.Counts[ota.ExecutionSucceeded])

	jobs := s.ListJobs(ctx)
	require.Len(t, jobs, 1)

	entries, err := state.NewFileRepository(settings.StateFile).Load(ctx)
	require.NoError(t, err)
	require.Len(t, entries["L-1"], 1)
}

// TestService_Revert accepts a rollback only to a version the device already ran.
func TestService_Revert(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newTestService(t)

	_, err := s.Revert(ctx, &api.RevertRequest{DeviceID: "L-1", Package: "FleetOS", Version: "1.0.0"})
	require.ErrorIs(t, err, ota.ErrNeverApplied)

	for _, version := range []string{"1.0.0", "1.1.0"} {
		_, err = s.CreateJob(ctx, &api.JobRequest{Package: "FleetOS", Version: version, Groups: []string{"lab"}})
		require.NoError(t, err)
		s.Wait()
	}

	record, err := s.Revert(ctx, &api.RevertRequest{DeviceID: "L-1", Package: "FleetOS", Version: "1.0.0"})
	require.NoError(t, err)
	require.True(t, record.Accepted)

	s.Wait()

	status, err := s.DescribeJob(ctx, record.JobID)
	require.NoError(t, err)
	require.Equal(t, ota.JobStateCompleted, status.Snapshot.State)
	require.Equal(t, []string{"L-1"}, status.Snapshot.Targets)
}

// TestService_Errors reports unknown versions and jobs.
func TestService_Errors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newTestService(t)

	_, err := s.CreateJob(ctx, &api.JobRequest{Package: "FleetOS", Version: "9.0.0", Groups: []string{"lab"}})
	require.ErrorIs(t, err, ota.ErrVersionNotFound)

	_, err = s.DescribeJob(ctx, "missing")
	require.ErrorIs(t, err, ota.ErrJobNotFound)

	_, err = s.CancelJob(ctx, "missing")
	require.ErrorIs(t, err, ota.ErrJobNotFound)
}
