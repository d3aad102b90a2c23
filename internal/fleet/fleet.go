// Package fleet is the fleet-query boundary used to resolve dynamic device groups.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Index answers dynamic group queries.
type Index interface {
	// ResolveDynamicGroup returns the ids of devices matching query at call time.
	ResolveDynamicGroup(ctx context.Context, query string) ([]string, error)
}

// Device is one inventory entry.
type Device struct {
	ID         string            `yaml:"id"`
	Attributes map[string]string `yaml:"attributes"`
	// visibleAt is when the index starts returning the device.
	visibleAt time.Time
}

// inventoryFile is the YAML layout of an inventory file.
type inventoryFile struct {
	Devices []Device `yaml:"devices"`
}

// errDuplicateDevice is returned when a device id is added twice.
var errDuplicateDevice = errors.New("duplicate device id")

// Inventory is an in-memory, eventually consistent fleet index.
type Inventory struct {
	devices map[string]*Device
	// lag delays visibility of newly added devices.
	lag time.Duration
	// latency is added to every query.
	latency time.Duration
	mu      sync.RWMutex
}

// NewInventory creates an empty inventory whose index lags additions by lag.
func NewInventory(lag time.Duration) *Inventory {
	return &Inventory{
		devices: make(map[string]*Device),
		lag:     lag,
	}
}

// LoadInventory reads devices from a YAML file. Loaded devices are visible immediately.
func LoadInventory(path string, lag time.Duration) (*Inventory, error) {
	contents, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read inventory: %w", err)
	}

	var file inventoryFile
	if err = yaml.Unmarshal(contents, &file); err != nil {
		return nil, fmt.Errorf("parse inventory: %w", err)
	}

	inv := NewInventory(lag)
	for _, d := range file.Devices {
		if _, ok := inv.devices[d.ID]; ok {
			return nil, fmt.Errorf("inventory %s: %w: %s", path, errDuplicateDevice, d.ID)
		}

		inv.devices[d.ID] = &Device{ID: d.ID, Attributes: d.Attributes}
	}

	return inv, nil
}

// AddDevice adds a device. It becomes visible to queries after the index lag.
func (inv *Inventory) AddDevice(id string, attributes map[string]string) error {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	if _, ok := inv.devices[id]; ok {
		return fmt.Errorf("add device: %w: %s", errDuplicateDevice, id)
	}

	inv.devices[id] = &Device{
		ID:         id,
		Attributes: attributes,
		visibleAt:  time.Now().Add(inv.lag),
	}

	return nil
}

// SetLatency makes every query take at least d.
func (inv *Inventory) SetLatency(d time.Duration) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	inv.latency = d
}

// ResolveDynamicGroup evaluates query against visible devices and returns sorted ids.
func (inv *Inventory) ResolveDynamicGroup(ctx context.Context, query string) ([]string, error) {
	q, err := ParseQuery(query)
	if err != nil {
		return nil, err
	}

	inv.mu.RLock()
	latency := inv.latency
	inv.mu.RUnlock()

	if latency > 0 {
		timer := time.NewTimer(latency)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("query %q: %w", query, ctx.Err())
		case <-timer.C:
		}
	}

	now := time.Now()

	inv.mu.RLock()
	defer inv.mu.RUnlock()

	var ids []string

	for _, d := range inv.devices {
		if now.Before(d.visibleAt) {
			continue
		}

		if q.Match(d.Attributes) {
			ids = append(ids, d.ID)
		}
	}

	slices.Sort(ids)

	return ids, nil
}
