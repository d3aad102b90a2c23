package packager

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oshokin/fleet-ota/internal/config"
	"github.com/oshokin/fleet-ota/internal/logger"
	"github.com/oshokin/fleet-ota/internal/registry"
	"github.com/oshokin/fleet-ota/internal/service/common"
)

// Options contains inputs for the packager entry point.
type Options struct {
	// ConfigPath to YAML settings file. Defaults apply when the file does not exist.
	ConfigPath string
	// CatalogPath overrides the catalog file from settings.
	CatalogPath string

	Name    string
	Version string
	// File is the firmware image to add.
	File string
}

// packager adds one image to a catalog.
// It is unexported; callers should use Run.
type packager struct {
	cfg         *config.Config
	catalogPath string
	catalog     *registry.Catalog
}

var (
	// errMissingArguments is returned when name, version or file is empty.
	errMissingArguments = errors.New("name, version and file must be provided")
	// errOutsideCatalog is returned when the image is not under the catalog directory.
	errOutsideCatalog = errors.New("firmware file must be inside the catalog directory")
)

// Run executes the packaging workflow.
func Run(ctx context.Context, opts *Options) error {
	ctx = logger.WithName(ctx, "packager")

	if opts.Name == "" || opts.Version == "" || opts.File == "" {
		return errMissingArguments
	}

	pkg, err := newPackager(opts)
	if err != nil {
		return fmt.Errorf("initialize packager: %w", err)
	}

	if err = pkg.add(ctx, opts.Name, opts.Version, opts.File); err != nil {
		return fmt.Errorf("packager failed: %w", err)
	}

	logger.InfoKV(ctx, "Packager completed successfully",
		"catalog", pkg.catalogPath,
		"package", opts.Name,
		"version", opts.Version)

	return nil
}

func newPackager(opts *Options) (*packager, error) {
	settings, err := config.Load(opts.ConfigPath)
	if errors.Is(err, fs.ErrNotExist) {
		settings, err = config.Default(), nil
	}

	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	catalogPath := settings.CatalogFile
	if opts.CatalogPath != "" {
		catalogPath = opts.CatalogPath
	}

	catalog, err := registry.LoadCatalog(catalogPath)
	if err != nil {
		return nil, err
	}

	return &packager{
		cfg:         settings,
		catalogPath: catalogPath,
		catalog:     catalog,
	}, nil
}

// add checksums the image, uploads every catalog version not yet in the
// object store and writes the catalog.
func (p *packager) add(ctx context.Context, name, version, file string) error {
	relative, err := p.relativeToCatalog(file)
	if err != nil {
		return err
	}

	checksum, size, err := registry.ChecksumFile(file)
	if err != nil {
		return err
	}

	entry := registry.CatalogVersion{
		Version:  version,
		File:     relative,
		Checksum: checksum,
		Size:     size,
		AddedAt:  time.Now().UTC().Truncate(time.Second),
	}

	if err = p.catalog.AddVersion(name, entry); err != nil {
		return err
	}

	logger.InfoKV(ctx, "Uploading firmware", "file", relative, "checksum", checksum, "size", size)

	store, err := common.NewObjectStore(ctx, p.cfg)
	if err != nil {
		return err
	}

	reg := registry.New(registry.Options{
		Store:        store,
		Retry:        p.cfg.Retry.Storage,
		ReferenceTTL: p.cfg.ArtifactTTL,
	})

	if _, err = reg.Import(ctx, p.catalog, filepath.Dir(p.catalogPath)); err != nil {
		return err
	}

	logger.InfoKV(ctx, "Saving catalog", "path", p.catalogPath)

	return registry.SaveCatalog(p.catalogPath, p.catalog)
}

// relativeToCatalog returns file relative to the catalog directory.
func (p *packager) relativeToCatalog(file string) (string, error) {
	if _, err := os.Stat(file); err != nil {
		return "", fmt.Errorf("stat %s: %w", file, err)
	}

	base, err := filepath.Abs(filepath.Dir(p.catalogPath))
	if err != nil {
		return "", fmt.Errorf("resolve catalog directory: %w", err)
	}

	target, err := filepath.Abs(file)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", file, err)
	}

	relative, err := filepath.Rel(base, target)
	if err != nil || relative == ".." || strings.HasPrefix(relative, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", errOutsideCatalog, file)
	}

	return filepath.ToSlash(relative), nil
}
