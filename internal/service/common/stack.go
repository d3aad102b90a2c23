//nolint:revive,nolintlint // Package name "common" is intentional for shared helpers.
package common

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/oshokin/fleet-ota/internal/cache"
	"github.com/oshokin/fleet-ota/internal/config"
	"github.com/oshokin/fleet-ota/internal/domain/ota"
	"github.com/oshokin/fleet-ota/internal/fleet"
	"github.com/oshokin/fleet-ota/internal/group"
	"github.com/oshokin/fleet-ota/internal/history"
	"github.com/oshokin/fleet-ota/internal/logger"
	"github.com/oshokin/fleet-ota/internal/orchestrator"
	"github.com/oshokin/fleet-ota/internal/registry"
	repository "github.com/oshokin/fleet-ota/internal/repository/state"
	"github.com/oshokin/fleet-ota/internal/rollback"
	"github.com/oshokin/fleet-ota/internal/shadow"
	"github.com/oshokin/fleet-ota/internal/simulator"
	"github.com/oshokin/fleet-ota/internal/storage"
	"github.com/oshokin/fleet-ota/internal/telemetry"
)

// Stack is the wired set of components behind every command that runs jobs.
type Stack struct {
	Settings     *config.Config
	Store        storage.ObjectStore
	Registry     *registry.Registry
	Inventory    *fleet.Inventory
	Resolver     *group.Resolver
	History      *history.Store
	Shadows      shadow.Boundary
	Orchestrator *orchestrator.Orchestrator
	Simulator    *simulator.Simulator
	Rollback     *rollback.Manager

	stateRepo repository.Repository
	closers   []func()
}

// StackOptions tweaks the stack for a single run.
type StackOptions struct {
	// Faults forces simulated faults on specific devices.
	Faults map[string]simulator.Fault
	// Store replaces the configured object store.
	Store storage.ObjectStore
	// Shadows replaces the configured shadow transport.
	Shadows shadow.Boundary
}

// NewStack builds every component from settings: object storage and the
// reference cache, the registry with the imported catalog, the fleet index,
// device history, shadow sync, optional telemetry, the orchestrator and the
// simulator. Close must be called when done.
func NewStack(ctx context.Context, settings *config.Config, opts StackOptions) (*Stack, error) {
	s := &Stack{Settings: settings}

	if err := s.build(ctx, opts); err != nil {
		s.Close()

		return nil, err
	}

	return s, nil
}

//nolint:funlen // Linear wiring of every component.
func (s *Stack) build(ctx context.Context, opts StackOptions) error {
	settings := s.Settings

	store, err := s.buildStore(ctx, opts.Store)
	if err != nil {
		return err
	}

	s.Store = store

	var referenceCache cache.ReferenceCache = cache.NewMemoryCache()

	if settings.RedisAddress != "" {
		redisCache := cache.NewRedisCache(settings.RedisAddress)
		s.closers = append(s.closers, func() { _ = redisCache.Close() })
		referenceCache = redisCache
	}

	s.Registry = registry.New(registry.Options{
		Store:        store,
		Cache:        referenceCache,
		Retry:        settings.Retry.Storage,
		ReferenceTTL: settings.ArtifactTTL,
	})

	if err = s.importCatalog(ctx); err != nil {
		return err
	}

	if settings.InventoryFile != "" {
		if s.Inventory, err = fleet.LoadInventory(settings.InventoryFile, settings.Fleet.IndexLag); err != nil {
			return fmt.Errorf("load inventory: %w", err)
		}
	} else {
		s.Inventory = fleet.NewInventory(settings.Fleet.IndexLag)
	}

	s.Resolver = group.NewResolver(group.Options{
		Index:        s.Inventory,
		QueryTimeout: settings.Fleet.QueryTimeout,
		Retry:        settings.Retry.Fleet,
	})

	if err = s.Resolver.RegisterConfigured(settings.Groups); err != nil {
		return fmt.Errorf("register groups: %w", err)
	}

	if err = s.loadHistory(ctx); err != nil {
		return err
	}

	if s.Shadows, err = s.buildShadows(ctx, opts.Shadows); err != nil {
		return err
	}

	observers := []orchestrator.TerminalObserver{
		s.History,
		shadow.NewSynchronizer(s.Shadows, s.History, settings.Retry.Shadow),
	}

	if settings.InfluxDB.Enabled {
		recorder, err := telemetry.Connect(ctx, settings.InfluxDB)
		if err != nil {
			return fmt.Errorf("connect telemetry: %w", err)
		}

		s.closers = append(s.closers, recorder.Close)
		observers = append(observers, recorder)
	}

	s.Orchestrator = orchestrator.New(orchestrator.Options{
		Registry:    s.Registry,
		Resolver:    s.Resolver,
		ArtifactTTL: settings.ArtifactTTL,
		Simulation:  settings.Simulation,
		Observers:   observers,
	})

	s.Simulator = simulator.New(simulator.Options{
		Store:      store,
		Simulation: settings.Simulation,
		Retry:      settings.Retry.Storage,
		Faults:     opts.Faults,
	})

	s.Rollback = rollback.NewManager(s.History, s.Orchestrator)

	return nil
}

func (s *Stack) buildStore(ctx context.Context, override storage.ObjectStore) (storage.ObjectStore, error) {
	if override != nil {
		return override, nil
	}

	return NewObjectStore(ctx, s.Settings)
}

// NewObjectStore creates the object store selected by the storage driver.
func NewObjectStore(ctx context.Context, settings *config.Config) (storage.ObjectStore, error) {
	cfg := settings.Storage
	if cfg.Driver != config.StorageDriverS3 {
		return storage.NewMemoryStore(cfg.Bucket), nil
	}

	store, err := storage.NewS3Store(ctx, storage.S3Config{
		Endpoint:        cfg.Endpoint,
		AccessKeyID:     cfg.AccessKeyID,
		SecretAccessKey: cfg.SecretAccessKey,
		BucketName:      cfg.Bucket,
		Region:          cfg.Region,
		Timeout:         settings.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 store: %w", err)
	}

	return store, nil
}

func (s *Stack) buildShadows(ctx context.Context, override shadow.Boundary) (shadow.Boundary, error) {
	if override != nil {
		return override, nil
	}

	if s.Settings.MQTT.Broker == "" {
		return shadow.NewMemoryShadows(), nil
	}

	shadows, err := shadow.DialMQTT(ctx, s.Settings.MQTT)
	if err != nil {
		return nil, fmt.Errorf("connect shadow broker: %w", err)
	}

	s.closers = append(s.closers, shadows.Close)

	return shadows, nil
}

func (s *Stack) importCatalog(ctx context.Context) error {
	path := s.Settings.CatalogFile
	if path == "" {
		return nil
	}

	catalog, err := registry.LoadCatalog(path)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}

	imported, err := s.Registry.Import(ctx, catalog, filepath.Dir(path))
	if err != nil {
		return fmt.Errorf("import catalog: %w", err)
	}

	logger.InfoKV(ctx, "Catalog loaded", "path", path, "versions", imported)

	return nil
}

func (s *Stack) loadHistory(ctx context.Context) error {
	s.History = history.NewStore()

	if s.Settings.StateFile == "" {
		return nil
	}

	s.stateRepo = repository.NewFileRepository(s.Settings.StateFile)

	histories, err := s.stateRepo.Load(ctx)

	switch {
	case err == nil:
		s.History.Restore(histories)
	case errors.Is(err, repository.ErrNotFound):
		// Nothing recorded yet.
	default:
		return fmt.Errorf("load history: %w", err)
	}

	return nil
}

// ResolveVersion finds a version by package name and version string.
func (s *Stack) ResolveVersion(ctx context.Context, packageName, version string) (ota.PackageVersion, error) {
	pv, err := s.Registry.FindVersion(ctx, packageName, version)
	if err != nil {
		return ota.PackageVersion{}, fmt.Errorf("find %s %s: %w", packageName, version, err)
	}

	return pv, nil
}

// Execute runs every device of the job through the simulator and returns the final snapshot.
func (s *Stack) Execute(ctx context.Context, jobID ota.JobID) (*ota.JobSnapshot, error) {
	exec, err := s.Orchestrator.Execution(jobID)
	if err != nil {
		return nil, err
	}

	runErr := s.Simulator.Run(ctx, exec)

	snap, err := s.Orchestrator.DescribeJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if runErr != nil {
		return snap, fmt.Errorf("execute job %s: %w", jobID, runErr)
	}

	return snap, nil
}

// SaveHistory persists device histories when a state file is configured.
func (s *Stack) SaveHistory(ctx context.Context) error {
	if s.stateRepo == nil {
		return nil
	}

	if err := s.stateRepo.Save(ctx, s.History.Snapshot()); err != nil {
		return fmt.Errorf("save history: %w", err)
	}

	return nil
}

// Close releases broker and database connections.
func (s *Stack) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}

	s.closers = nil
}
