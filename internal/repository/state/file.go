package state

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/oshokin/fleet-ota/internal/config"
	"github.com/oshokin/fleet-ota/internal/domain/ota"
)

// Histories maps device ids to their firmware history.
type Histories = map[string][]ota.HistoryEntry

// Repository defines persistence operations for the device firmware history cache.
type Repository interface {
	Load(ctx context.Context) (Histories, error)
	Save(ctx context.Context, histories Histories) error
}

// FileRepository caches firmware histories in a JSON file on disk.
// JSON is produced and consumed via protojson of a structpb.Struct document.
type FileRepository struct {
	// path is the filesystem location of the JSON state file.
	path string
	// mu protects concurrent access to the state file.
	mu sync.Mutex
}

var (
	// ErrNotFound is returned when the state file does not exist yet.
	ErrNotFound = errors.New("state not found")
	// errMalformedState is returned when the document does not have the expected shape.
	errMalformedState = errors.New("malformed state document")
)

// NewFileRepository creates a repository that reads/writes JSON at the provided path.
func NewFileRepository(path string) *FileRepository {
	return &FileRepository{
		path: filepath.Clean(path),
	}
}

// Load reads the histories from disk.
func (r *FileRepository) Load(_ context.Context) (Histories, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	contents, err := os.ReadFile(r.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("read state file: %w", err)
	}

	var document structpb.Struct
	if err = protojson.Unmarshal(contents, &document); err != nil {
		return nil, fmt.Errorf("decode state file: %w", err)
	}

	return fromDocument(&document)
}

// Save writes the histories to disk.
func (r *FileRepository) Save(_ context.Context, histories Histories) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	document, err := toDocument(histories)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	marshalOptions := protojson.MarshalOptions{
		Multiline: true,
	}

	data, err := marshalOptions.Marshal(document)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	if err = os.WriteFile(r.path, data, config.DefaultFilePermissions); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}

	return nil
}

// fromDocument converts the stored document into histories.
func fromDocument(document *structpb.Struct) (Histories, error) {
	devices := document.GetFields()["devices"].GetStructValue()
	histories := make(Histories, len(devices.GetFields()))

	for deviceID, value := range devices.GetFields() {
		list := value.GetListValue()
		if list == nil {
			return nil, fmt.Errorf("%w: device %s", errMalformedState, deviceID)
		}

		entries := make([]ota.HistoryEntry, 0, len(list.GetValues()))

		for _, item := range list.GetValues() {
			fields := item.GetStructValue().GetFields()

			timestamp, err := time.Parse(time.RFC3339Nano, fields["timestamp"].GetStringValue())
			if err != nil {
				return nil, fmt.Errorf("%w: device %s: %w", errMalformedState, deviceID, err)
			}

			entries = append(entries, ota.HistoryEntry{
				VersionID: ota.VersionID(fields["version_id"].GetStringValue()),
				Version:   fields["version"].GetStringValue(),
				JobID:     ota.JobID(fields["job_id"].GetStringValue()),
				Outcome:   ota.ExecutionState(fields["outcome"].GetStringValue()),
				Timestamp: timestamp,
			})
		}

		histories[deviceID] = entries
	}

	return histories, nil
}

// toDocument converts histories into the stored document.
func toDocument(histories Histories) (*structpb.Struct, error) {
	devices := make(map[string]any, len(histories))

	for deviceID, entries := range histories {
		list := make([]any, 0, len(entries))
		for _, e := range entries {
			list = append(list, map[string]any{
				"version_id": string(e.VersionID),
				"version":    e.Version,
				"job_id":     string(e.JobID),
				"outcome":    string(e.Outcome),
				"timestamp":  e.Timestamp.UTC().Format(time.RFC3339Nano),
			})
		}

		devices[deviceID] = list
	}

	return structpb.NewStruct(map[string]any{
		"devices": devices,
	})
}
