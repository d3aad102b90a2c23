// Package cache keeps presigned artifact references so that repeated
// download-reference requests for the same version reuse a URL that is still valid.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/oshokin/fleet-ota/internal/domain/ota"
)

// ReferenceCache stores artifact references by version id.
type ReferenceCache interface {
	Get(ctx context.Context, versionID ota.VersionID) (ota.ArtifactReference, bool)
	Set(ctx context.Context, ref ota.ArtifactReference) error
}

// MemoryCache is a process-local ReferenceCache.
type MemoryCache struct {
	refs map[ota.VersionID]ota.ArtifactReference
	mu   sync.RWMutex
}

// NewMemoryCache creates an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{refs: make(map[ota.VersionID]ota.ArtifactReference)}
}

// Get returns an unexpired reference.
func (c *MemoryCache) Get(_ context.Context, versionID ota.VersionID) (ota.ArtifactReference, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ref, ok := c.refs[versionID]
	if !ok || !time.Now().Before(ref.ExpiresAt) {
		return ota.ArtifactReference{}, false
	}

	return ref, true
}

// Set stores ref until it expires.
func (c *MemoryCache) Set(_ context.Context, ref ota.ArtifactReference) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.refs[ref.VersionID] = ref

	return nil
}

func encodeReference(ref ota.ArtifactReference) (*structpb.Struct, error) {
	value, err := structpb.NewStruct(map[string]any{
		"version_id": string(ref.VersionID),
		"url":        ref.URL,
		"checksum":   ref.Checksum,
		"expires_at": ref.ExpiresAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, fmt.Errorf("encode reference: %w", err)
	}

	return value, nil
}

func decodeReference(value *structpb.Struct) (ota.ArtifactReference, error) {
	fields := value.GetFields()

	expiresAt, err := time.Parse(time.RFC3339Nano, fields["expires_at"].GetStringValue())
	if err != nil {
		return ota.ArtifactReference{}, fmt.Errorf("decode reference expiry: %w", err)
	}

	return ota.ArtifactReference{
		VersionID: ota.VersionID(fields["version_id"].GetStringValue()),
		URL:       fields["url"].GetStringValue(),
		Checksum:  fields["checksum"].GetStringValue(),
		ExpiresAt: expiresAt,
	}, nil
}
