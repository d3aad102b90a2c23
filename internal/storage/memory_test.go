package storage

import (
	"context"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/fleet-ota/internal/retry"
)

// TestMemoryStore_PutPresignGet exercises the full artifact path.
func TestMemoryStore_PutPresignGet(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemoryStore("fw")

	checksum, err := store.Put(ctx, "fleetos/1.0.0.bin", []byte("image"))
	require.NoError(t, err)
	require.Equal(t, Checksum([]byte("image")), checksum)

	url, err := store.Presign(ctx, "fleetos/1.0.0.bin", time.Minute)
	require.NoError(t, err)

	data, err := store.Get(ctx, url)
	require.NoError(t, err)
	require.Equal(t, []byte("image"), data)

	_, err = store.Presign(ctx, "missing", time.Minute)
	require.ErrorIs(t, err, ErrObjectNotFound)

	_, err = store.Get(ctx, "https://example.com/x")
	require.ErrorIs(t, err, ErrInvalidURL)
}

// TestMemoryStore_Expiry rejects URLs after their TTL.
func TestMemoryStore_Expiry(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		ctx := context.Background()
		store := NewMemoryStore("")

		_, err := store.Put(ctx, "k", []byte("v"))
		require.NoError(t, err)

		url, err := store.Presign(ctx, "k", time.Second)
		require.NoError(t, err)

		time.Sleep(2 * time.Second)

		_, err = store.Get(ctx, url)
		require.ErrorIs(t, err, ErrURLExpired)
	})
}

// TestMemoryStore_Faults checks injected failures and checksum overrides.
func TestMemoryStore_Faults(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemoryStore("fw")

	store.FailNextPuts(1)

	_, err := store.Put(ctx, "k", []byte("v"))
	require.ErrorIs(t, err, ErrWriteNotConfirmed)
	require.True(t, retry.IsTransient(err))

	store.OverrideChecksum("k", "abc123")

	checksum, err := store.Put(ctx, "k", []byte("v"))
	require.NoError(t, err)
	require.Equal(t, "abc123", checksum)

	url, err := store.Presign(ctx, "k", time.Minute)
	require.NoError(t, err)

	store.FailNextGets(1)

	_, err = store.Get(ctx, url)
	require.True(t, retry.IsTransient(err))

	_, err = store.Get(ctx, url)
	require.NoError(t, err)
	require.Equal(t, 1, store.Len())
}
