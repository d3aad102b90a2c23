package integration

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/fleet-ota/internal/registry"
	"github.com/oshokin/fleet-ota/internal/repository/state"
	"github.com/oshokin/fleet-ota/internal/service/deploy"
	"github.com/oshokin/fleet-ota/internal/service/packager"
	"github.com/oshokin/fleet-ota/internal/service/rollback"
)

// TestPackageDeployRollback packages two versions, rolls both out and returns
// one device to the first version, each step as a separate command run.
func TestPackageDeployRollback(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	configPath, dir := writeSettings(t, "127.0.0.1:50051")

	for _, version := range []string{"2.0.0", "2.1.0"} {
		require.NoError(t, packager.Run(ctx, &packager.Options{
			ConfigPath: configPath,
			Name:       "FleetOS",
			Version:    version,
			File:       writeImage(t, dir, version),
		}))
	}

	catalog, err := registry.LoadCatalog(filepath.Join(dir, "catalog.yaml"))
	require.NoError(t, err)
	require.Len(t, catalog.Packages, 1)
	require.Len(t, catalog.Packages[0].Versions, 2)

	out := new(bytes.Buffer)

	for _, version := range []string{"2.0.0", "2.1.0"} {
		require.NoError(t, deploy.Run(ctx, &deploy.Options{
			ConfigPath: configPath,
			Package:    "FleetOS",
			Version:    version,
			Groups:     []string{"berlin", "pilot"},
			Out:        out,
		}))
	}

	require.Contains(t, out.String(), "COMPLETED")

	require.NoError(t, rollback.Run(ctx, &rollback.Options{
		ConfigPath: configPath,
		DeviceID:   "B-02",
		Package:    "FleetOS",
		Version:    "2.0.0",
		Out:        out,
	}))

	histories, err := state.NewFileRepository(filepath.Join(dir, "state.json")).Load(ctx)
	require.NoError(t, err)
	require.Len(t, histories["B-01"], 2)
	require.Len(t, histories["B-02"], 3)
	require.Equal(t, "2.0.0", histories["B-02"][2].Version)
}
