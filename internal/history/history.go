// Package history keeps the per-device firmware history built from terminal
// execution records. It is the only input of rollback validation.
package history

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/oshokin/fleet-ota/internal/domain/ota"
)

// Store is an append-only DeviceFirmwareHistory.
type Store struct {
	entries map[string][]ota.HistoryEntry
	mu      sync.RWMutex
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{entries: make(map[string][]ota.HistoryEntry)}
}

// Append adds one entry to a device's history.
func (s *Store) Append(deviceID string, entry ota.HistoryEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[deviceID] = append(s.entries[deviceID], entry)
}

// OnTerminal appends the outcome of a terminal execution record.
func (s *Store) OnTerminal(_ context.Context, record *ota.DeviceExecutionRecord) error {
	at, ok := record.EnteredAt(record.State)
	if !ok {
		at = time.Now()
	}

	s.Append(record.DeviceID, ota.HistoryEntry{
		VersionID: record.VersionID,
		Version:   record.Version,
		JobID:     record.JobID,
		Outcome:   record.State,
		Timestamp: at,
	})

	return nil
}

// Get returns a copy of the device's history in append order.
func (s *Store) Get(deviceID string) []ota.HistoryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return slices.Clone(s.entries[deviceID])
}

// HasSucceeded reports whether versionID appears as a SUCCEEDED entry for the device.
func (s *Store) HasSucceeded(deviceID string, versionID ota.VersionID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return slices.ContainsFunc(s.entries[deviceID], func(e ota.HistoryEntry) bool {
		return e.VersionID == versionID && e.Outcome == ota.ExecutionSucceeded
	})
}

// LastSucceeded returns the most recent SUCCEEDED entry of the device.
func (s *Store) LastSucceeded(deviceID string) (ota.HistoryEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.entries[deviceID]
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Outcome == ota.ExecutionSucceeded {
			return entries[i], true
		}
	}

	return ota.HistoryEntry{}, false
}

// Snapshot returns a deep copy of all histories.
func (s *Store) Snapshot() map[string][]ota.HistoryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string][]ota.HistoryEntry, len(s.entries))
	for id, entries := range s.entries {
		result[id] = slices.Clone(entries)
	}

	return result
}

// Restore replaces all histories with a copy of snapshot.
func (s *Store) Restore(snapshot map[string][]ota.HistoryEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make(map[string][]ota.HistoryEntry, len(snapshot))
	for id, entries := range snapshot {
		s.entries[id] = slices.Clone(entries)
	}
}

// Devices returns the ids of devices with history, sorted.
func (s *Store) Devices() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return slices.Sorted(maps.Keys(s.entries))
}
