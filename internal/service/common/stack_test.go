//nolint:revive,nolintlint // Package name "common" is intentional for shared helpers.
package common

import (
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
	"github.com/oshokin/fleet-ota/internal/shadow"
	"github.com/oshokin/fleet-ota/internal/simulator"
)

const testInventory = `devices:
  - id: V-001
    attributes: {region: eu, model: m1}
  - id: V-002
    attributes: {region: eu, model: m2}
  - id: V-003
    attributes: {region: us, model: m1}
`

// testSettings writes a catalog with FleetOS 1.0.0 and 1.2.0, an inventory and
// fast simulation settings into a temporary directory.
func testSettings(t *testing.T) *config.Config {
	t.Helper()

	dir := t.TempDir()
	catalog := new(registry.Catalog)

	for _, version := range []string{"1.0.0", "1.2.0"} {
		file := "fleetos-" + version + ".bin"
		require.NoError(t, os.WriteFile(filepath.Join(dir, file), []byte("firmware "+version), 0o600))

		checksum, size, err := registry.ChecksumFile(filepath.Join(dir, file))
		require.NoError(t, err)
		require.NoError(t, catalog.AddVersion("FleetOS", registry.CatalogVersion{
			Version:  version,
			File:     file,
			Checksum: checksum,
			Size:     size,
		}))
	}

	catalogPath := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, registry.SaveCatalog(catalogPath, catalog))

	inventoryPath := filepath.Join(dir, "inventory.yaml")
	require.NoError(t, os.WriteFile(inventoryPath, []byte(testInventory), 0o600))

	settings := config.Default()
	settings.CatalogFile = catalogPath
	settings.InventoryFile = inventoryPath
	settings.StateFile = filepath.Join(dir, "state.json")
	settings.Groups = []config.GroupConfig{
		{Name: "canary", Kind: string(ota.GroupKindStatic), Members: []string{"V-001", "V-002"}},
		{Name: "eu", Kind: string(ota.GroupKindDynamic), Query: "region=eu"},
	}
	settings.Simulation.DownloadDuration = time.Millisecond
	settings.Simulation.ApplyMin = time.Millisecond
	settings.Simulation.ApplyMax = 2 * time.Millisecond
	settings.Simulation.VerifyDuration = time.Millisecond
	require.NoError(t, config.Validate(settings))

	return settings
}

func deploy(ctx context.Context, t *testing.T, stack *Stack, version string, refs ...group.Ref) *ota.JobSnapshot {
	t.Helper()

	pv, err := stack.ResolveVersion(ctx, "FleetOS", version)
	require.NoError(t, err)

	jobID, err := stack.Orchestrator.CreateJob(ctx, pv.ID, refs)
	require.NoError(t, err)

	snap, err := stack.Execute(ctx, jobID)
	require.NoError(t, err)

	return snap
}

// TestStack_DeployFailRollback deploys, persists history, and rolls a failed device back
// across separate stacks sharing one state file.
func TestStack_DeployFailRollback(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	settings := testSettings(t)

	first, err := NewStack(ctx, settings, StackOptions{})
	require.NoError(t, err)

	snap := deploy(ctx, t, first, "1.0.0", group.Named("eu"))
	require.Equal(t, ota.JobStateCompleted, snap.State)
	require.Equal(t, []string{"V-001", "V-002"}, snap.Targets)
	require.NoError(t, first.SaveHistory(ctx))
	first.Close()

	second, err := NewStack(ctx, settings, StackOptions{
		Faults: map[string]simulator.Fault{"V-002": simulator.FaultApplyError},
	})
	require.NoError(t, err)

	snap = deploy(ctx, t, second, "1.2.0", group.Named("canary"))
	require.Equal(t, ota.JobStateCompletedWithErrors, snap.State)
	require.Equal(t, 1, snap.Counts[ota.ExecutionFailed])

	doc, err := second.Shadows.GetShadow(ctx, "V-002")
	require.NoError(t, err)

	version, failed := shadow.FirmwareVersion(doc)
	require.Equal(t, "1.0.0", version)
	require.True(t, failed)
	require.NoError(t, second.SaveHistory(ctx))
	second.Close()

	third, err := NewStack(ctx, settings, StackOptions{})
	require.NoError(t, err)
	t.Cleanup(third.Close)

	target, err := third.ResolveVersion(ctx, "FleetOS", "1.0.0")
	require.NoError(t, err)

	_, err = third.Rollback.Revert(ctx, "V-003", target.ID)
	require.ErrorIs(t, err, ota.ErrNeverApplied)

	record, err := third.Rollback.Revert(ctx, "V-002", target.ID)
	require.NoError(t, err)
	require.True(t, record.Accepted)

	snap, err = third.Execute(ctx, record.JobID)
	require.NoError(t, err)
	require.Equal(t, ota.JobStateCompleted, snap.State)
	require.True(t, snap.Rollback)

	last, ok := third.History.LastSucceeded("V-002")
	require.True(t, ok)
	require.Equal(t, target.ID, last.VersionID)
}

// TestNewStack_BadCatalog fails when the catalog references a missing file.
func TestNewStack_BadCatalog(t *testing.T) {
	t.Parallel()

	settings := testSettings(t)
	require.NoError(t, os.Remove(filepath.Join(filepath.Dir(settings.CatalogFile), "fleetos-1.0.0.bin")))

	_, err := NewStack(context.Background(), settings, StackOptions{})
	require.ErrorContains(t, err, "import catalog")
}
