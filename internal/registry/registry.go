package registry

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"path"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/mod/semver"

	"github.com/oshokin/fleet-ota/internal/cache"
	"github.com/oshokin/fleet-ota/internal/domain/ota"
	"github.com/oshokin/fleet-ota/internal/logger"
	"github.com/oshokin/fleet-ota/internal/retry"
	"github.com/oshokin/fleet-ota/internal/storage"
)

// DefaultReferenceTTL is used when neither the caller nor the options set a TTL.
const DefaultReferenceTTL = 15 * time.Minute

// errEmptyPackageName is returned when a package is created without a name.
var errEmptyPackageName = errors.New("package name is empty")

// ArtifactSource is the payload of a new version.
type ArtifactSource struct {
	// Filename becomes the last element of the object key.
	Filename string
	Data     []byte
	// Checksum, when set, must match the checksum confirmed by object storage.
	Checksum string
}

// Options configures a Registry.
type Options struct {
	Store storage.ObjectStore
	// Cache keeps issued references; a process-local cache is used when nil.
	Cache cache.ReferenceCache
	// Retry is the backoff policy for object-storage calls.
	Retry retry.Policy
	// ReferenceTTL is the default presigned URL lifetime.
	ReferenceTTL time.Duration
}

// Registry is the in-memory package registry.
type Registry struct {
	store        storage.ObjectStore
	refs         cache.ReferenceCache
	retryPolicy  retry.Policy
	referenceTTL time.Duration

	// packages is keyed by package id.
	packages map[ota.PackageID]*ota.FirmwarePackage
	// byName indexes package ids by unique name.
	byName map[string]ota.PackageID
	// versions is keyed by version id.
	versions map[ota.VersionID]*ota.PackageVersion
	// writers serializes version creation per package.
	writers map[ota.PackageID]*sync.Mutex
	// mu protects the maps above.
	mu sync.RWMutex
}

// New creates an empty registry.
func New(opts Options) *Registry {
	refs := opts.Cache
	if refs == nil {
		refs = cache.NewMemoryCache()
	}

	ttl := opts.ReferenceTTL
	if ttl <= 0 {
		ttl = DefaultReferenceTTL
	}

	return &Registry{
		store:        opts.Store,
		refs:         refs,
		retryPolicy:  opts.Retry.WithDefaults(),
		referenceTTL: ttl,
		packages:     make(map[ota.PackageID]*ota.FirmwarePackage),
		byName:       make(map[string]ota.PackageID),
		versions:     make(map[ota.VersionID]*ota.PackageVersion),
		writers:      make(map[ota.PackageID]*sync.Mutex),
	}
}

// CreatePackage registers a new package name.
func (r *Registry) CreatePackage(ctx context.Context, name string) (ota.PackageID, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errEmptyPackageName
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byName[name]; ok {
		return "", fmt.Errorf("create package %q: %w", name, ota.ErrDuplicateName)
	}

	id := packageID(name)

	r.packages[id] = &ota.FirmwarePackage{
		ID:        id,
		Name:      name,
		CreatedAt: time.Now(),
	}
	r.byName[name] = id
	r.writers[id] = &sync.Mutex{}

	logger.InfoKV(ctx, "Package created", "package_id", id, "name", name)

	return id, nil
}

// CreateVersion uploads the artifact and appends a new version to the package.
// The version must be a semantic version strictly greater than every existing one.
func (r *Registry) CreateVersion(
	ctx context.Context,
	packageID ota.PackageID,
	version string,
	src ArtifactSource,
) (ota.VersionID, error) {
	r.mu.RLock()
	pkg, ok := r.packages[packageID]
	writer := r.writers[packageID]
	r.mu.RUnlock()

	if !ok {
		return "", fmt.Errorf("package %s: %w", packageID, ota.ErrNotFound)
	}

	writer.Lock()
	defer writer.Unlock()

	canonical, err := r.checkMonotonic(pkg.ID, version)
	if err != nil {
		return "", err
	}

	filename := src.Filename
	if filename == "" {
		filename = "firmware.bin"
	}

	key := path.Join(pkg.Name, strings.TrimPrefix(canonical, "v"), path.Base(filename))

	var checksum string

	err = retry.Do(ctx, r.retryPolicy, func(ctx context.Context, attempt int) error {
		var putErr error

		checksum, putErr = r.store.Put(ctx, key, src.Data)
		if putErr != nil {
			logger.WarnKV(ctx, "Artifact upload attempt failed", "key", key, "attempt", attempt, "error", putErr)
		}

		return putErr
	})
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ota.ErrArtifactUploadFailed, key, err)
	}

	if src.Checksum != "" && !strings.EqualFold(src.Checksum, checksum) {
		return "", fmt.Errorf("%w: %s: checksum %s does not match expected %s",
			ota.ErrArtifactUploadFailed, key, checksum, src.Checksum)
	}

	id := versionID(pkg.ID, canonical)
	pv := &ota.PackageVersion{
		ID:        id,
		PackageID: pkg.ID,
		Version:   version,
		Artifact: ota.Artifact{
			Key:      key,
			Checksum: checksum,
			Size:     int64(len(src.Data)),
		},
		CreatedAt: time.Now(),
	}

	r.mu.Lock()
	r.versions[id] = pv
	pkg.Versions = append(pkg.Versions, id)
	r.mu.Unlock()

	logger.InfoKV(ctx, "Version created",
		"package", pkg.Name,
		"version", version,
		"version_id", id,
		"checksum", checksum)

	return id, nil
}

// GetArtifactDownloadReference returns a presigned reference valid for at least ttl.
// A cached reference is reused while it outlives ttl.
func (r *Registry) GetArtifactDownloadReference(
	ctx context.Context,
	versionID ota.VersionID,
	ttl time.Duration,
) (ota.ArtifactReference, error) {
	pv, err := r.GetVersion(ctx, versionID)
	if err != nil {
		return ota.ArtifactReference{}, err
	}

	if ttl <= 0 {
		ttl = r.referenceTTL
	}

	now := time.Now()
	if ref, ok := r.refs.Get(ctx, versionID); ok && ref.ValidFor(now, ttl) {
		return ref, nil
	}

	var url string

	err = retry.Do(ctx, r.retryPolicy, func(ctx context.Context, _ int) error {
		var presignErr error

		url, presignErr = r.store.Presign(ctx, pv.Artifact.Key, ttl)

		return presignErr
	})
	if err != nil {
		return ota.ArtifactReference{}, fmt.Errorf("presign version %s: %w", versionID, err)
	}

	ref := ota.ArtifactReference{
		VersionID: versionID,
		URL:       url,
		Checksum:  pv.Artifact.Checksum,
		ExpiresAt: now.Add(ttl),
	}

	if err = r.refs.Set(ctx, ref); err != nil {
		logger.WarnKV(ctx, "Failed to cache artifact reference", "version_id", versionID, "error", err)
	}

	return ref, nil
}

// ListVersions returns the versions of a package from oldest to newest.
func (r *Registry) ListVersions(_ context.Context, packageID ota.PackageID) ([]ota.PackageVersion, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	pkg, ok := r.packages[packageID]
	if !ok {
		return nil, fmt.Errorf("package %s: %w", packageID, ota.ErrNotFound)
	}

	result := make([]ota.PackageVersion, 0, len(pkg.Versions))
	for _, id := range pkg.Versions {
		result = append(result, *r.versions[id])
	}

	return result, nil
}

// GetVersion returns a version by id.
func (r *Registry) GetVersion(_ context.Context, versionID ota.VersionID) (ota.PackageVersion, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	pv, ok := r.versions[versionID]
	if !ok {
		return ota.PackageVersion{}, fmt.Errorf("version %s: %w", versionID, ota.ErrVersionNotFound)
	}

	return *pv, nil
}

// FindVersion looks a version up by package name and version string.
// "1.0.0" and "v1.0.0" are the same version.
func (r *Registry) FindVersion(ctx context.Context, packageName, version string) (ota.PackageVersion, error) {
	pkg, err := r.GetPackageByName(ctx, packageName)
	if err != nil {
		return ota.PackageVersion{}, err
	}

	want := canonicalVersion(version)

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, id := range pkg.Versions {
		pv := r.versions[id]
		if semver.Compare(canonicalVersion(pv.Version), want) == 0 {
			return *pv, nil
		}
	}

	return ota.PackageVersion{}, fmt.Errorf("%s %s: %w", packageName, version, ota.ErrVersionNotFound)
}

// GetPackageByName returns a copy of the named package.
func (r *Registry) GetPackageByName(_ context.Context, name string) (*ota.FirmwarePackage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("package %q: %w", name, ota.ErrNotFound)
	}

	return r.packages[id].Clone(), nil
}

// Packages returns copies of all packages sorted by name.
func (r *Registry) Packages(_ context.Context) []*ota.FirmwarePackage {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*ota.FirmwarePackage, 0, len(r.packages))
	for _, pkg := range r.packages {
		result = append(result, pkg.Clone())
	}

	slices.SortFunc(result, func(a, b *ota.FirmwarePackage) int {
		return cmp.Compare(a.Name, b.Name)
	})

	return result
}

// checkMonotonic validates version against the package's latest version.
// The caller must hold the package writer lock.
func (r *Registry) checkMonotonic(packageID ota.PackageID, version string) (string, error) {
	canonical := canonicalVersion(version)
	if !isFullVersion(canonical) {
		return "", fmt.Errorf("%w: %q is not a semantic version", ota.ErrInvalidVersion, version)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.packages[packageID].Versions
	if len(ids) == 0 {
		return canonical, nil
	}

	latest := r.versions[ids[len(ids)-1]].Version
	if semver.Compare(canonical, canonicalVersion(latest)) <= 0 {
		return "", fmt.Errorf("%w: %s is not greater than %s", ota.ErrInvalidVersion, version, latest)
	}

	return canonical, nil
}

// canonicalVersion adds the "v" prefix golang.org/x/mod/semver expects.
func canonicalVersion(version string) string {
	version = strings.TrimSpace(version)
	if !strings.HasPrefix(version, "v") {
		version = "v" + version
	}

	return version
}

// isFullVersion reports whether version is valid semver in MAJOR.MINOR.PATCH
// form. golang.org/x/mod/semver also accepts the "v1" and "v1.2" shorthands.
func isFullVersion(version string) bool {
	if !semver.IsValid(version) {
		return false
	}

	withoutBuild, _, _ := strings.Cut(version, "+")

	return semver.Canonical(version) == withoutBuild
}

// namespace scopes name-based ids: a package name, or a package and version,
// always maps to the same id.
//
//nolint:gochecknoglobals // Constant namespace.
var namespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/oshokin/fleet-ota/registry"))

func packageID(name string) ota.PackageID {
	return ota.PackageID(uuid.NewSHA1(namespace, []byte(name)).String())
}

func versionID(packageID ota.PackageID, canonical string) ota.VersionID {
	return ota.VersionID(uuid.NewSHA1(namespace, []byte(string(packageID)+"@"+canonical)).String())
}
