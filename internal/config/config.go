package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/oshokin/fleet-ota/internal/retry"
)

// Config holds every setting shared by the fleet-ota commands.
// It is passed explicitly to component constructors.
type Config struct {
	// ServerAddress is the gRPC address of the orchestration server.
	ServerAddress string `yaml:"server_addr"`
	// Timeout is the per-call timeout for RPCs and boundary calls.
	Timeout time.Duration `yaml:"timeout"`
	// StateFile caches device firmware history between runs.
	StateFile string `yaml:"state_file"`
	// CatalogFile is the firmware catalog manifest imported into the registry.
	CatalogFile string `yaml:"catalog_file"`
	// InventoryFile is the fleet inventory used to answer dynamic group queries.
	InventoryFile string `yaml:"inventory_file"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
	// LogFormat is console or json.
	LogFormat string `yaml:"log_format"`
	// ArtifactTTL is the default lifetime of presigned download URLs.
	ArtifactTTL time.Duration `yaml:"artifact_ttl"`
	// RedisAddress enables the shared artifact reference cache when set.
	RedisAddress string `yaml:"redis_addr"`

	Storage    StorageConfig    `yaml:"storage"`
	Groups     []GroupConfig    `yaml:"groups"`
	Fleet      FleetConfig      `yaml:"fleet"`
	Simulation SimulationConfig `yaml:"simulation"`
	Retry      RetryConfig      `yaml:"retry"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	InfluxDB   InfluxDBConfig   `yaml:"influxdb"`
}

// StorageConfig selects and configures the object-storage boundary.
type StorageConfig struct {
	// Driver is "memory" or "s3".
	Driver          string `yaml:"driver"`
	Endpoint        string `yaml:"endpoint"`
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// GroupConfig declares a named device group.
type GroupConfig struct {
	Name string `yaml:"name"`
	// Kind is "static" or "dynamic".
	Kind    string   `yaml:"kind"`
	Members []string `yaml:"members,omitempty"`
	Query   string   `yaml:"query,omitempty"`
}

// FleetConfig tunes the fleet-query boundary.
type FleetConfig struct {
	// QueryTimeout bounds a single dynamic group resolution.
	QueryTimeout time.Duration `yaml:"query_timeout"`
	// IndexLag delays visibility of newly added devices in the index.
	IndexLag time.Duration `yaml:"index_lag"`
}

// PhaseTimeouts bounds each simulated phase independently.
type PhaseTimeouts struct {
	Download time.Duration `yaml:"download"`
	Apply    time.Duration `yaml:"apply"`
	Verify   time.Duration `yaml:"verify"`
}

// SimulationConfig controls the device execution simulator.
type SimulationConfig struct {
	// Concurrency is the worker pool size.
	Concurrency int `yaml:"concurrency"`
	// Debug forces sequential, ordered execution.
	Debug         bool          `yaml:"debug"`
	PhaseTimeouts PhaseTimeouts `yaml:"phase_timeouts"`
	// DownloadDuration is the simulated transfer time.
	DownloadDuration time.Duration `yaml:"download_duration"`
	// ApplyMin and ApplyMax bound the uniform apply-time distribution.
	ApplyMin time.Duration `yaml:"apply_min"`
	ApplyMax time.Duration `yaml:"apply_max"`
	// VerifyDuration is the simulated verification time.
	VerifyDuration time.Duration `yaml:"verify_duration"`
	// FailureRate is the probability in [0, 1] of injecting a random fault per device.
	FailureRate float64 `yaml:"failure_rate"`
	// ApplyDir, when set, makes the apply phase write firmware images per device.
	ApplyDir string `yaml:"apply_dir,omitempty"`
}

// RetryConfig holds one backoff policy per boundary.
type RetryConfig struct {
	Storage retry.Policy `yaml:"storage"`
	Fleet   retry.Policy `yaml:"fleet"`
	Shadow  retry.Policy `yaml:"shadow"`
}

// MQTTConfig configures the shadow transport. An empty broker selects the in-memory shadow store.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	QoS      int    `yaml:"qos"`
	// TopicPrefix is prepended to device shadow topics, "$aws/things" by default.
	TopicPrefix string `yaml:"topic_prefix"`
	// ResponseTimeout bounds the wait for an accepted or rejected reply to one request.
	ResponseTimeout time.Duration `yaml:"response_timeout"`
}

// InfluxDBConfig configures the optional execution telemetry sink.
type InfluxDBConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Token   string `yaml:"token"`
	Org     string `yaml:"org"`
	Bucket  string `yaml:"bucket"`
}

const (
	// DefaultConfigFilename is the default filename for settings.
	DefaultConfigFilename = "fleet-ota-settings.yaml"

	// DefaultStateFilename is the default filename for the firmware history cache.
	DefaultStateFilename = "fleet-ota-state.json"

	// DefaultCatalogFilename is the default firmware catalog manifest.
	DefaultCatalogFilename = "fleet-ota-catalog.yaml"

	// DefaultTimeout is the default duration for network operations.
	DefaultTimeout = 5 * time.Second

	// DefaultArtifactTTL keeps presigned URLs short-lived.
	DefaultArtifactTTL = 15 * time.Minute

	// DefaultConcurrency favors throughput.
	DefaultConcurrency = 16

	// DefaultPhaseTimeout bounds a simulated phase when none is configured.
	DefaultPhaseTimeout = 30 * time.Second

	// DefaultQueryTimeout bounds a fleet query when none is configured.
	DefaultQueryTimeout = 10 * time.Second

	// DefaultFilePermissions is the default file permission for config files.
	DefaultFilePermissions = 0o600

	// StorageDriverMemory keeps artifacts in process memory.
	StorageDriverMemory = "memory"
	// StorageDriverS3 uses an S3-compatible bucket.
	StorageDriverS3 = "s3"

	defaultDownloadDuration = 200 * time.Millisecond
	defaultApplyMin         = 300 * time.Millisecond
	defaultApplyMax         = time.Second
	defaultVerifyDuration   = 100 * time.Millisecond
	defaultMQTTClientID     = "fleet-ota"
	defaultTopicPrefix      = "$aws/things"
	defaultLogLevel         = "info"
	defaultLogFormat        = "console"
)

var (
	// errConfigIsNotSet is returned when a nil configuration is provided.
	errConfigIsNotSet = errors.New("configuration is not set")
	// errUnknownStorageDriver is returned for an unsupported storage driver.
	errUnknownStorageDriver = errors.New("unknown storage driver")
	// errBucketRequired is returned when the S3 driver has no bucket.
	errBucketRequired = errors.New("storage bucket must be provided for s3")
	// errInvalidGroup is returned for a malformed group declaration.
	errInvalidGroup = errors.New("invalid group")
	// errInvalidFailureRate is returned when the failure rate is outside [0, 1].
	errInvalidFailureRate = errors.New("failure rate must be within [0, 1]")
	// errInvalidApplyRange is returned when apply_min exceeds apply_max.
	errInvalidApplyRange = errors.New("apply_min must not exceed apply_max")
	// errInvalidQoS is returned for an MQTT QoS outside 0..2.
	errInvalidQoS = errors.New("mqtt qos must be 0, 1 or 2")
)

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{
		ServerAddress: "127.0.0.1:50051",
		CatalogFile:   DefaultCatalogFilename,
		Storage:       StorageConfig{Driver: StorageDriverMemory},
	}

	// Defaults never fail validation.
	_ = Validate(cfg)

	return cfg
}

// Load reads configuration from the provided path, overlays secrets from the
// environment and validates it.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigFilename
	}

	contents, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(contents, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}

	if err := ApplyEnv(&cfg, ""); err != nil {
		return nil, err
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save writes settings to the provided path.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if path == "" {
		path = DefaultConfigFilename
	}

	if err := Validate(cfg); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	// Restrict permissions, the file may hold credentials.
	if err := os.WriteFile(filepath.Clean(path), data, DefaultFilePermissions); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}

	return nil
}

// Validate checks the provided settings and fills defaults for unset fields.
//
//nolint:cyclop,funlen // A flat list of checks reads better than helpers here.
func Validate(settings *Config) error {
	if settings == nil {
		return errConfigIsNotSet
	}

	if settings.ServerAddress != "" {
		if _, _, err := net.SplitHostPort(settings.ServerAddress); err != nil {
			return fmt.Errorf("invalid server address: %w", err)
		}
	}

	if settings.Timeout <= 0 {
		settings.Timeout = DefaultTimeout
	}

	if settings.StateFile == "" {
		settings.StateFile = DefaultStateFilename
	}

	if settings.LogLevel == "" {
		settings.LogLevel = defaultLogLevel
	}

	if settings.LogFormat == "" {
		settings.LogFormat = defaultLogFormat
	}

	if settings.ArtifactTTL <= 0 {
		settings.ArtifactTTL = DefaultArtifactTTL
	}

	if err := validateStorage(&settings.Storage); err != nil {
		return err
	}

	if err := validateGroups(settings.Groups); err != nil {
		return err
	}

	if settings.Fleet.QueryTimeout <= 0 {
		settings.Fleet.QueryTimeout = DefaultQueryTimeout
	}

	if err := validateSimulation(&settings.Simulation); err != nil {
		return err
	}

	settings.Retry.Storage = settings.Retry.Storage.WithDefaults()
	settings.Retry.Fleet = settings.Retry.Fleet.WithDefaults()
	settings.Retry.Shadow = settings.Retry.Shadow.WithDefaults()

	if settings.MQTT.QoS < 0 || settings.MQTT.QoS > 2 {
		return errInvalidQoS
	}

	if settings.MQTT.ClientID == "" {
		settings.MQTT.ClientID = defaultMQTTClientID
	}

	if settings.MQTT.TopicPrefix == "" {
		settings.MQTT.TopicPrefix = defaultTopicPrefix
	}

	if settings.MQTT.ResponseTimeout <= 0 {
		settings.MQTT.ResponseTimeout = DefaultTimeout
	}

	if settings.MQTT.Broker != "" {
		if _, err := url.Parse(settings.MQTT.Broker); err != nil {
			return fmt.Errorf("invalid mqtt broker: %w", err)
		}
	}

	if settings.InfluxDB.Enabled {
		if _, err := url.ParseRequestURI(settings.InfluxDB.URL); err != nil {
			return fmt.Errorf("invalid influxdb url: %w", err)
		}
	}

	return nil
}

// EffectiveConcurrency returns the worker pool size, 1 in debug mode.
func (s *SimulationConfig) EffectiveConcurrency() int {
	if s.Debug || s.Concurrency < 1 {
		return 1
	}

	return s.Concurrency
}

// DeviceTimeout returns the sum of all phase timeouts, the worst case for one device.
func (s *SimulationConfig) DeviceTimeout() time.Duration {
	return s.PhaseTimeouts.Download + s.PhaseTimeouts.Apply + s.PhaseTimeouts.Verify
}

func validateStorage(storage *StorageConfig) error {
	if storage.Driver == "" {
		storage.Driver = StorageDriverMemory
	}

	switch storage.Driver {
	case StorageDriverMemory:
		return nil
	case StorageDriverS3:
		if storage.Bucket == "" {
			return errBucketRequired
		}

		if storage.Endpoint != "" {
			if _, err := url.ParseRequestURI(storage.Endpoint); err != nil {
				return fmt.Errorf("invalid storage endpoint: %w", err)
			}
		}

		return nil
	default:
		return fmt.Errorf("%w: %s", errUnknownStorageDriver, storage.Driver)
	}
}

func validateGroups(groups []GroupConfig) error {
	seen := make(map[string]struct{}, len(groups))

	for _, g := range groups {
		if g.Name == "" {
			return fmt.Errorf("%w: name must be provided", errInvalidGroup)
		}

		if _, dup := seen[g.Name]; dup {
			return fmt.Errorf("%w: %s declared twice", errInvalidGroup, g.Name)
		}

		seen[g.Name] = struct{}{}

		switch g.Kind {
		case "static":
			if len(g.Members) == 0 {
				return fmt.Errorf("%w: static group %s has no members", errInvalidGroup, g.Name)
			}
		case "dynamic":
			if g.Query == "" {
				return fmt.Errorf("%w: dynamic group %s has no query", errInvalidGroup, g.Name)
			}
		default:
			return fmt.Errorf("%w: %s has unknown kind %q", errInvalidGroup, g.Name, g.Kind)
		}
	}

	return nil
}

func validateSimulation(sim *SimulationConfig) error {
	if sim.Concurrency <= 0 {
		sim.Concurrency = DefaultConcurrency
	}

	if sim.PhaseTimeouts.Download <= 0 {
		sim.PhaseTimeouts.Download = DefaultPhaseTimeout
	}

	if sim.PhaseTimeouts.Apply <= 0 {
		sim.PhaseTimeouts.Apply = DefaultPhaseTimeout
	}

	if sim.PhaseTimeouts.Verify <= 0 {
		sim.PhaseTimeouts.Verify = DefaultPhaseTimeout
	}

	if sim.DownloadDuration <= 0 {
		sim.DownloadDuration = defaultDownloadDuration
	}

	if sim.ApplyMin <= 0 {
		sim.ApplyMin = defaultApplyMin
	}

	if sim.ApplyMax <= 0 {
		sim.ApplyMax = max(defaultApplyMax, sim.ApplyMin)
	}

	if sim.ApplyMin > sim.ApplyMax {
		return errInvalidApplyRange
	}

	if sim.VerifyDuration <= 0 {
		sim.VerifyDuration = defaultVerifyDuration
	}

	if sim.FailureRate < 0 || sim.FailureRate > 1 {
		return errInvalidFailureRate
	}

	return nil
}
