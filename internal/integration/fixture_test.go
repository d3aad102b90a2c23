package integration

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/fleet-ota/internal/config"
	"github.com/oshokin/fleet-ota/internal/domain/ota"
)

const inventory = `devices:
  - id: B-01
    attributes: {site: berlin}
  - id: B-02
    attributes: {site: berlin}
  - id: P-01
    attributes: {site: paris}
`

// writeSettings creates a settings file with an empty catalog, a small inventory
// and fast simulation timings. It returns the settings path and its directory.
func writeSettings(t *testing.T, serverAddress string) (string, string) {
	t.Helper()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "inventory.yaml"), []byte(inventory), 0o600))

	settings := config.Default()
	settings.ServerAddress = serverAddress
	settings.CatalogFile = filepath.Join(dir, "catalog.yaml")
	settings.InventoryFile = filepath.Join(dir, "inventory.yaml")
	settings.StateFile = filepath.Join(dir, "state.json")
	settings.Groups = []config.GroupConfig{
		{Name: "berlin", Kind: string(ota.GroupKindDynamic), Query: "site=berlin"},
		{Name: "pilot", Kind: string(ota.GroupKindStatic), Members: []string{"P-01"}},
	}
	settings.Simulation.DownloadDuration = time.Millisecond
	settings.Simulation.ApplyMin = time.Millisecond
	settings.Simulation.ApplyMax = 2 * time.Millisecond
	settings.Simulation.VerifyDuration = time.Millisecond
	settings.Simulation.ApplyDir = filepath.Join(dir, "installed")

	path := filepath.Join(dir, "settings.yaml")
	require.NoError(t, config.Save(path, settings))

	return path, dir
}

// writeImage writes a fake firmware image next to the catalog.
func writeImage(t *testing.T, dir, version string) string {
	t.Helper()

	path := filepath.Join(dir, "fleetos-"+version+".bin")
	require.NoError(t, os.WriteFile(path, []byte("fleetos image "+version), 0o600))

	return path
}
