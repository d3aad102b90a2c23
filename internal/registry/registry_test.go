package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/mod/semver"

	"github.com/oshokin/fleet-ota/internal/domain/ota"
	"github.com/oshokin/fleet-ota/internal/retry"
	"github.com/oshokin/fleet-ota/internal/storage"
)

func newTestRegistry(store *storage.MemoryStore) *Registry {
	return New(Options{
		Store: store,
		Retry: retry.Policy{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond},
	})
}

// TestCreatePackage_DuplicateName rejects a second package with the same name.
func TestCreatePackage_DuplicateName(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	reg := newTestRegistry(storage.NewMemoryStore(""))

	_, err := reg.CreatePackage(ctx, "FleetOS")
	require.NoError(t, err)

	_, err = reg.CreatePackage(ctx, "FleetOS")
	require.ErrorIs(t, err, ota.ErrDuplicateName)

	_, err = reg.CreatePackage(ctx, " ")
	require.ErrorIs(t, err, errEmptyPackageName)
}

// TestCreateVersion_Validation covers the error contract of CreateVersion.
func TestCreateVersion_Validation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := storage.NewMemoryStore("")
	reg := newTestRegistry(store)

	_, err := reg.CreateVersion(ctx, "missing", "1.0.0", ArtifactSource{Data: []byte("x")})
	require.ErrorIs(t, err, ota.ErrNotFound)

	pkgID, err := reg.CreatePackage(ctx, "FleetOS")
	require.NoError(t, err)

	for _, v := range []string{"banana", "1", "1.2", "v2", "1.2.3.4"} {
		_, err = reg.CreateVersion(ctx, pkgID, v, ArtifactSource{Data: []byte("x")})
		require.ErrorIs(t, err, ota.ErrInvalidVersion, v)
	}

	_, err = reg.CreateVersion(ctx, pkgID, "1.0.0", ArtifactSource{Data: []byte("x")})
	require.NoError(t, err)

	for _, v := range []string{"1.0.0", "v1.0.0", "0.9.0"} {
		_, err = reg.CreateVersion(ctx, pkgID, v, ArtifactSource{Data: []byte("x")})
		require.ErrorIs(t, err, ota.ErrInvalidVersion, v)
	}

	store.FailNextPuts(2)

	_, err = reg.CreateVersion(ctx, pkgID, "1.1.0", ArtifactSource{Data: []byte("x")})
	require.ErrorIs(t, err, ota.ErrArtifactUploadFailed)

	_, err = reg.CreateVersion(ctx, pkgID, "1.1.0", ArtifactSource{Data: []byte("x"), Checksum: "abc123"})
	require.ErrorIs(t, err, ota.ErrArtifactUploadFailed)

	versions, err := reg.ListVersions(ctx, pkgID)
	require.NoError(t, err)
	require.Len(t, versions, 1)
}

// TestCreateVersion_RetriesTransientUpload succeeds after a single failed write.
func TestCreateVersion_RetriesTransientUpload(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := storage.NewMemoryStore("")
	store.OverrideChecksum("FleetOS/1.0.0/fleetos.bin", "abc123")

	reg := newTestRegistry(store)

	pkgID, err := reg.CreatePackage(ctx, "FleetOS")
	require.NoError(t, err)

	store.FailNextPuts(1)

	versionID, err := reg.CreateVersion(ctx, pkgID, "1.0.0", ArtifactSource{Filename: "fleetos.bin", Data: []byte("img")})
	require.NoError(t, err)

	pv, err := reg.GetVersion(ctx, versionID)
	require.NoError(t, err)
	require.Equal(t, "abc123", pv.Artifact.Checksum)
	require.Equal(t, "FleetOS/1.0.0/fleetos.bin", pv.Artifact.Key)
	require.EqualValues(t, 3, pv.Artifact.Size)
}

// TestListVersions_Monotonic checks versions stay strictly increasing under concurrent writers.
func TestListVersions_Monotonic(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	reg := newTestRegistry(storage.NewMemoryStore(""))

	pkgID, err := reg.CreatePackage(ctx, "FleetOS")
	require.NoError(t, err)

	var wg sync.WaitGroup

	for i := range 20 {
		wg.Go(func() {
			_, _ = reg.CreateVersion(ctx, pkgID, fmt.Sprintf("1.%d.0", i), ArtifactSource{Data: []byte{byte(i)}})
		})
	}

	wg.Wait()

	versions, err := reg.ListVersions(ctx, pkgID)
	require.NoError(t, err)
	require.NotEmpty(t, versions)

	for i := 1; i < len(versions); i++ {
		require.Positive(t, semver.Compare(
			canonicalVersion(versions[i].Version),
			canonicalVersion(versions[i-1].Version),
		))
	}

	again, err := reg.ListVersions(ctx, pkgID)
	require.NoError(t, err)
	require.Equal(t, versions, again)
}

// TestGetArtifactDownloadReference reuses cached references while they outlive the ttl.
func TestGetArtifactDownloadReference(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := storage.NewMemoryStore("")
	reg := newTestRegistry(store)

	pkgID, err := reg.CreatePackage(ctx, "FleetOS")
	require.NoError(t, err)

	versionID, err := reg.CreateVersion(ctx, pkgID, "1.0.0", ArtifactSource{Data: []byte("img")})
	require.NoError(t, err)

	ref, err := reg.GetArtifactDownloadReference(ctx, versionID, time.Hour)
	require.NoError(t, err)
	require.Equal(t, storage.Checksum([]byte("img")), ref.Checksum)

	data, err := store.Get(ctx, ref.URL)
	require.NoError(t, err)
	require.Equal(t, []byte("img"), data)

	cached, err := reg.GetArtifactDownloadReference(ctx, versionID, time.Minute)
	require.NoError(t, err)
	require.Equal(t, ref, cached)

	longer, err := reg.GetArtifactDownloadReference(ctx, versionID, 2*time.Hour)
	require.NoError(t, err)
	require.True(t, longer.ExpiresAt.After(ref.ExpiresAt))

	_, err = reg.GetArtifactDownloadReference(ctx, "missing", time.Minute)
	require.ErrorIs(t, err, ota.ErrVersionNotFound)
}

// TestCatalogImport registers catalog versions once.
func TestCatalogImport(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "fleetos-1.0.0.bin"), []byte("one"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "fleetos-2.0.0.bin"), []byte("two"), 0o600))

	catalog := &Catalog{}

	for _, v := range []string{"1.0.0", "2.0.0"} {
		file := "fleetos-" + v + ".bin"

		checksum, size, err := ChecksumFile(filepath.Join(dir, file))
		require.NoError(t, err)
		require.NoError(t, catalog.AddVersion("FleetOS", CatalogVersion{
			Version:  v,
			File:     file,
			Checksum: checksum,
			Size:     size,
		}))
	}

	require.ErrorIs(t, catalog.AddVersion("FleetOS", CatalogVersion{Version: "1.5.0"}), ota.ErrInvalidVersion)

	path := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, SaveCatalog(path, catalog))

	loaded, err := LoadCatalog(path)
	require.NoError(t, err)
	require.Len(t, loaded.Packages, 1)

	reg := newTestRegistry(storage.NewMemoryStore(""))

	imported, err := reg.Import(ctx, loaded, dir)
	require.NoError(t, err)
	require.Equal(t, 2, imported)

	imported, err = reg.Import(ctx, loaded, dir)
	require.NoError(t, err)
	require.Zero(t, imported)

	pv, err := reg.FindVersion(ctx, "FleetOS", "v2.0.0")
	require.NoError(t, err)
	require.Equal(t, "2.0.0", pv.Version)

	empty, err := LoadCatalog(filepath.Join(dir, "missing.yaml"))
	require.NoError(t, err)
	require.Empty(t, empty.Packages)
}
