package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"

	"github.com/oshokin/fleet-ota/internal/config"
	"github.com/oshokin/fleet-ota/internal/domain/ota"
	"github.com/oshokin/fleet-ota/internal/logger"
)

// Catalog is the firmware manifest written by the packager and imported by the registry.
type Catalog struct {
	Packages []CatalogPackage `yaml:"packages"`
}

// CatalogPackage lists the released versions of one package.
type CatalogPackage struct {
	Name     string           `yaml:"name"`
	Versions []CatalogVersion `yaml:"versions"`
}

// CatalogVersion points at a firmware image on disk.
type CatalogVersion struct {
	Version string `yaml:"version"`
	// File is relative to the catalog location.
	File string `yaml:"file"`
	// Checksum is the hex-encoded SHA-256 of File.
	Checksum string    `yaml:"checksum"`
	Size     int64     `yaml:"size"`
	AddedAt  time.Time `yaml:"added_at"`
}

// LoadCatalog reads a catalog. A missing file yields an empty catalog.
func LoadCatalog(path string) (*Catalog, error) {
	contents, err := os.ReadFile(filepath.Clean(path))
	if errors.Is(err, os.ErrNotExist) {
		return &Catalog{}, nil
	} else if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}

	catalog := &Catalog{}
	if err = yaml.Unmarshal(contents, catalog); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	return catalog, nil
}

// SaveCatalog writes the catalog as YAML.
func SaveCatalog(path string, catalog *Catalog) error {
	contents, err := yaml.Marshal(catalog)
	if err != nil {
		return fmt.Errorf("encode catalog: %w", err)
	}

	if err = os.WriteFile(filepath.Clean(path), contents, config.DefaultFilePermissions); err != nil {
		return fmt.Errorf("write catalog: %w", err)
	}

	return nil
}

// AddVersion appends a version entry, creating the package entry if needed.
// The same ordering rule as CreateVersion applies.
func (c *Catalog) AddVersion(name string, entry CatalogVersion) error {
	if !semver.IsValid(canonicalVersion(entry.Version)) {
		return fmt.Errorf("%w: %q is not a semantic version", ota.ErrInvalidVersion, entry.Version)
	}

	for i := range c.Packages {
		pkg := &c.Packages[i]
		if pkg.Name != name {
			continue
		}

		if n := len(pkg.Versions); n > 0 {
			latest := pkg.Versions[n-1].Version
			if semver.Compare(canonicalVersion(entry.Version), canonicalVersion(latest)) <= 0 {
				return fmt.Errorf("%w: %s is not greater than %s", ota.ErrInvalidVersion, entry.Version, latest)
			}
		}

		pkg.Versions = append(pkg.Versions, entry)

		return nil
	}

	c.Packages = append(c.Packages, CatalogPackage{
		Name:     name,
		Versions: []CatalogVersion{entry},
	})

	return nil
}

// Import registers every catalog package and version not yet known to the registry.
// Files are read relative to baseDir. It returns the number of imported versions.
func (r *Registry) Import(ctx context.Context, catalog *Catalog, baseDir string) (int, error) {
	imported := 0

	for _, entry := range catalog.Packages {
		pkg, err := r.GetPackageByName(ctx, entry.Name)
		if errors.Is(err, ota.ErrNotFound) {
			if _, err = r.CreatePackage(ctx, entry.Name); err != nil {
				return imported, err
			}

			pkg, err = r.GetPackageByName(ctx, entry.Name)
		}

		if err != nil {
			return imported, err
		}

		for _, v := range entry.Versions {
			if _, err = r.FindVersion(ctx, entry.Name, v.Version); err == nil {
				continue
			}

			data, err := os.ReadFile(filepath.Join(baseDir, filepath.Clean(v.File)))
			if err != nil {
				return imported, fmt.Errorf("read firmware %s %s: %w", entry.Name, v.Version, err)
			}

			_, err = r.CreateVersion(ctx, pkg.ID, v.Version, ArtifactSource{
				Filename: filepath.Base(v.File),
				Data:     data,
				Checksum: v.Checksum,
			})
			if err != nil {
				return imported, fmt.Errorf("import %s %s: %w", entry.Name, v.Version, err)
			}

			imported++
		}
	}

	logger.DebugKV(ctx, "Catalog imported", "versions", imported)

	return imported, nil
}

// ChecksumFile returns the hex-encoded SHA-256 and size of a file.
func ChecksumFile(path string) (string, int64, error) {
	file, err := os.Open(filepath.Clean(path))
	if err != nil {
		return "", 0, fmt.Errorf("open %s: %w", path, err)
	}

	defer func() {
		_ = file.Close()
	}()

	hasher := sha256.New()

	size, err := io.Copy(hasher, file)
	if err != nil {
		return "", 0, fmt.Errorf("hash %s: %w", path, err)
	}

	return hex.EncodeToString(hasher.Sum(nil)), size, nil
}
