// Package storage implements the object-storage boundary used for firmware
// artifacts: upload with checksum, presigned time-boxed references and
// download through a presigned URL.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// ObjectStore is the object-storage boundary.
type ObjectStore interface {
	// Put stores data under key and returns its checksum once the write is confirmed.
	Put(ctx context.Context, key string, data []byte) (string, error)
	// Presign returns a download URL for key that stays valid for ttl.
	Presign(ctx context.Context, key string, ttl time.Duration) (string, error)
	// Get downloads the object behind a presigned URL.
	Get(ctx context.Context, url string) ([]byte, error)
}

var (
	// ErrObjectNotFound is returned when a key does not exist.
	ErrObjectNotFound = errors.New("object not found")
	// ErrURLExpired is returned when a presigned URL is used after its expiry.
	ErrURLExpired = errors.New("presigned url expired")
	// ErrInvalidURL is returned for URLs the store did not issue.
	ErrInvalidURL = errors.New("invalid presigned url")
	// ErrWriteNotConfirmed is returned when the backend accepted a write without confirming it.
	ErrWriteNotConfirmed = errors.New("write not confirmed")
)

// Checksum returns the hex-encoded SHA-256 of data, the checksum format used for artifacts.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)

	return hex.EncodeToString(sum[:])
}
