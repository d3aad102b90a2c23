package shadow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/oshokin/fleet-ota/internal/domain/ota"
	"github.com/oshokin/fleet-ota/internal/logger"
	"github.com/oshokin/fleet-ota/internal/retry"
)

// Shadow document keys.
const (
	firmwareKey          = "firmware"
	versionKey           = "version"
	versionIDKey         = "version_id"
	lastAttemptFailedKey = "last_attempt_failed"
	lastAttemptKey       = "last_attempt"
)

// History provides the last confirmed version when the shadow has none.
type History interface {
	LastSucceeded(deviceID string) (ota.HistoryEntry, bool)
}

// Synchronizer writes terminal outcomes into device shadows.
type Synchronizer struct {
	boundary    Boundary
	history     History
	retryPolicy retry.Policy
	// synced holds the (job, device) pairs already written.
	synced map[syncKey]struct{}
	mu     sync.Mutex
}

type syncKey struct {
	jobID    ota.JobID
	deviceID string
}

// NewSynchronizer creates a synchronizer. history may be nil.
func NewSynchronizer(boundary Boundary, history History, policy retry.Policy) *Synchronizer {
	return &Synchronizer{
		boundary:    boundary,
		history:     history,
		retryPolicy: policy.WithDefaults(),
		synced:      make(map[syncKey]struct{}),
	}
}

// OnTerminal writes the outcome of a terminal record. SUCCEEDED sets the new
// firmware version; any other outcome keeps the prior confirmed version and
// raises the last-attempt-failed marker. A record is written at most once.
// Errors are returned for reporting only.
func (s *Synchronizer) OnTerminal(ctx context.Context, record *ota.DeviceExecutionRecord) error {
	if !record.State.IsTerminal() {
		return fmt.Errorf("shadow sync %s/%s: %w: %s", record.JobID, record.DeviceID, ota.ErrInvalidState, record.State)
	}

	key := syncKey{jobID: record.JobID, deviceID: record.DeviceID}

	s.mu.Lock()
	if _, done := s.synced[key]; done {
		s.mu.Unlock()

		return nil
	}

	s.synced[key] = struct{}{}
	s.mu.Unlock()

	patch, err := s.buildPatch(ctx, record)
	if err != nil {
		return fmt.Errorf("shadow sync %s/%s: %w", record.JobID, record.DeviceID, err)
	}

	err = retry.Do(ctx, s.retryPolicy, func(ctx context.Context, _ int) error {
		return s.boundary.UpdateShadow(ctx, record.DeviceID, patch)
	})
	if err != nil {
		return fmt.Errorf("shadow sync %s/%s: %w", record.JobID, record.DeviceID, err)
	}

	logger.DebugKV(ctx, "Shadow updated",
		"job_id", record.JobID,
		"device_id", record.DeviceID,
		"state", record.State)

	return nil
}

func (s *Synchronizer) buildPatch(ctx context.Context, record *ota.DeviceExecutionRecord) (*structpb.Struct, error) {
	at, ok := record.EnteredAt(record.State)
	if !ok {
		at = time.Now()
	}

	attempt := map[string]any{
		"job_id":     string(record.JobID),
		versionKey:   record.Version,
		"state":      string(record.State),
		"reason":     record.FailureReason,
		"updated_at": at.UTC().Format(time.RFC3339Nano),
	}

	firmware := map[string]any{
		lastAttemptKey: attempt,
	}

	if record.State == ota.ExecutionSucceeded {
		firmware[versionKey] = record.Version
		firmware[versionIDKey] = string(record.VersionID)
		firmware[lastAttemptFailedKey] = false
	} else {
		firmware[lastAttemptFailedKey] = true

		if version, versionID, ok := s.priorVersion(ctx, record.DeviceID); ok {
			firmware[versionKey] = version
			firmware[versionIDKey] = versionID
		}
	}

	return structpb.NewStruct(map[string]any{firmwareKey: firmware})
}

// priorVersion returns the confirmed version from the shadow, or from history
// when the shadow has none.
func (s *Synchronizer) priorVersion(ctx context.Context, deviceID string) (string, string, bool) {
	doc, err := s.boundary.GetShadow(ctx, deviceID)
	if err == nil {
		fields := doc.GetFields()[firmwareKey].GetStructValue().GetFields()
		if version := fields[versionKey].GetStringValue(); version != "" {
			return version, fields[versionIDKey].GetStringValue(), true
		}
	}

	if s.history == nil {
		return "", "", false
	}

	entry, ok := s.history.LastSucceeded(deviceID)
	if !ok {
		return "", "", false
	}

	return entry.Version, string(entry.VersionID), true
}

// FirmwareVersion reads the confirmed firmware version from a shadow document.
func FirmwareVersion(doc *structpb.Struct) (string, bool) {
	fields := doc.GetFields()[firmwareKey].GetStructValue().GetFields()

	return fields[versionKey].GetStringValue(), fields[lastAttemptFailedKey].GetBoolValue()
}
