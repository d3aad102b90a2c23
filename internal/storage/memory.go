package storage

import (
	"context"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/oshokin/fleet-ota/internal/retry"
)

const (
	memoryScheme   = "memory"
	expiresParam   = "expires"
	memoryKeyParam = "key"
)

// MemoryStore is an in-process ObjectStore. It is used by tests and by the
// "memory" storage driver for local simulations.
type MemoryStore struct {
	// bucket is embedded into issued URLs.
	bucket string
	// objects maps keys to payloads.
	objects map[string][]byte
	// checksumOverride replaces computed checksums per key.
	checksumOverride map[string]string
	// failPuts makes the next n Put calls fail without confirmation.
	failPuts int
	// failGets makes the next n Get calls fail with a transient error.
	failGets int
	// mu protects all fields above.
	mu sync.Mutex
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(bucket string) *MemoryStore {
	if bucket == "" {
		bucket = "firmware"
	}

	return &MemoryStore{
		bucket:           bucket,
		objects:          make(map[string][]byte),
		checksumOverride: make(map[string]string),
	}
}

// Put stores a copy of data.
func (s *MemoryStore) Put(_ context.Context, key string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failPuts > 0 {
		s.failPuts--

		return "", retry.Transient(fmt.Errorf("put %s: %w", key, ErrWriteNotConfirmed))
	}

	s.objects[key] = slices.Clone(data)

	if checksum, ok := s.checksumOverride[key]; ok {
		return checksum, nil
	}

	return Checksum(data), nil
}

// Presign issues a memory:// URL that expires after ttl.
func (s *MemoryStore) Presign(_ context.Context, key string, ttl time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.objects[key]; !ok {
		return "", fmt.Errorf("presign %s: %w", key, ErrObjectNotFound)
	}

	query := url.Values{}
	query.Set(memoryKeyParam, key)
	query.Set(expiresParam, time.Now().Add(ttl).UTC().Format(time.RFC3339Nano))

	u := url.URL{
		Scheme:   memoryScheme,
		Host:     s.bucket,
		RawQuery: query.Encode(),
	}

	return u.String(), nil
}

// Get resolves a URL issued by Presign.
func (s *MemoryStore) Get(_ context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme != memoryScheme || !strings.EqualFold(u.Host, s.bucket) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidURL, rawURL)
	}

	expires, err := time.Parse(time.RFC3339Nano, u.Query().Get(expiresParam))
	if err != nil {
		return nil, fmt.Errorf("%w: bad expiry", ErrInvalidURL)
	}

	if !time.Now().Before(expires) {
		return nil, ErrURLExpired
	}

	key := u.Query().Get(memoryKeyParam)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failGets > 0 {
		s.failGets--

		return nil, retry.Transient(fmt.Errorf("get %s: connection reset", key))
	}

	data, ok := s.objects[key]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", key, ErrObjectNotFound)
	}

	return slices.Clone(data), nil
}

// OverrideChecksum makes Put report checksum for key instead of computing it.
func (s *MemoryStore) OverrideChecksum(key, checksum string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.checksumOverride[key] = checksum
}

// FailNextPuts makes the next n Put calls fail with a transient unconfirmed write.
func (s *MemoryStore) FailNextPuts(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failPuts = n
}

// FailNextGets makes the next n Get calls fail with a transient error.
func (s *MemoryStore) FailNextGets(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failGets = n
}

// Len returns the number of stored objects.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.objects)
}
