package packager

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/fleet-ota/internal/domain/ota"
	"github.com/oshokin/fleet-ota/internal/registry"
)

func writeFirmware(t *testing.T, dir, name, contents string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	return path
}

// TestRun_AddsVersions appends versions with checksums and relative paths.
func TestRun_AddsVersions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()
	catalogPath := filepath.Join(dir, "catalog.yaml")

	opts := &Options{
		ConfigPath:  filepath.Join(dir, "missing-settings.yaml"),
		CatalogPath: catalogPath,
		Name:        "FleetOS",
		Version:     "1.0.0",
		File:        writeFirmware(t, dir, "images/fleetos-1.0.0.bin", "v1"),
	}
	require.NoError(t, Run(ctx, opts))

	opts.Version = "1.2.0"
	opts.File = writeFirmware(t, dir, "images/fleetos-1.2.0.bin", "v2")
	require.NoError(t, Run(ctx, opts))

	catalog, err := registry.LoadCatalog(catalogPath)
	require.NoError(t, err)
	require.Len(t, catalog.Packages, 1)

	versions := catalog.Packages[0].Versions
	require.Len(t, versions, 2)
	require.Equal(t, "images/fleetos-1.2.0.bin", versions[1].File)
	require.Equal(t, int64(2), versions[1].Size)

	checksum, _, err := registry.ChecksumFile(opts.File)
	require.NoError(t, err)
	require.Equal(t, checksum, versions[1].Checksum)
	require.False(t, versions[1].AddedAt.IsZero())
}

// TestRun_Rejects keeps the catalog unchanged on invalid input.
func TestRun_Rejects(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()
	catalogPath := filepath.Join(dir, "catalog.yaml")

	base := Options{
		ConfigPath:  filepath.Join(dir, "missing-settings.yaml"),
		CatalogPath: catalogPath,
		Name:        "FleetOS",
	}

	add := func(version, file string) error {
		opts := base
		opts.Version = version
		opts.File = file

		return Run(ctx, &opts)
	}

	require.NoError(t, add("1.2.0", writeFirmware(t, dir, "a.bin", "a")))
	require.ErrorIs(t, add("1.1.0", writeFirmware(t, dir, "b.bin", "b")), ota.ErrInvalidVersion)
	require.ErrorIs(t, add("banana", writeFirmware(t, dir, "c.bin", "c")), ota.ErrInvalidVersion)
	require.ErrorIs(t, add("1.3.0", writeFirmware(t, t.TempDir(), "d.bin", "d")), errOutsideCatalog)
	require.ErrorIs(t, add("1.3.0", filepath.Join(dir, "missing.bin")), os.ErrNotExist)
	require.ErrorIs(t, Run(ctx, &Options{Name: "FleetOS"}), errMissingArguments)

	catalog, err := registry.LoadCatalog(catalogPath)
	require.NoError(t, err)
	require.Len(t, catalog.Packages[0].Versions, 1)
}
