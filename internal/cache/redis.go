package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/oshokin/fleet-ota/internal/domain/ota"
	"github.com/oshokin/fleet-ota/internal/logger"
)

const keyPrefix = "fleet-ota:artifact-ref:"

// RedisCache shares references between fleet-ota processes.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache connects lazily to the Redis server at addr.
func NewRedisCache(addr string) *RedisCache {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	return &RedisCache{client: rdb}
}

// Get returns the cached reference. Any Redis failure is a cache miss.
func (c *RedisCache) Get(ctx context.Context, versionID ota.VersionID) (ota.ArtifactReference, bool) {
	val, err := c.client.Get(ctx, keyPrefix+string(versionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return ota.ArtifactReference{}, false
	} else if err != nil {
		logger.WarnKV(ctx, "Artifact reference cache unavailable", "error", err)

		return ota.ArtifactReference{}, false
	}

	value := &structpb.Struct{}
	if err = proto.Unmarshal(val, value); err != nil {
		return ota.ArtifactReference{}, false
	}

	ref, err := decodeReference(value)
	if err != nil || !time.Now().Before(ref.ExpiresAt) {
		return ota.ArtifactReference{}, false
	}

	return ref, true
}

// Set stores ref with a Redis TTL matching its expiry.
func (c *RedisCache) Set(ctx context.Context, ref ota.ArtifactReference) error {
	ttl := time.Until(ref.ExpiresAt)
	if ttl <= 0 {
		return nil
	}

	value, err := encodeReference(ref)
	if err != nil {
		return err
	}

	b, err := proto.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal reference: %w", err)
	}

	if err = c.client.Set(ctx, keyPrefix+string(ref.VersionID), b, ttl).Err(); err != nil {
		return fmt.Errorf("store reference: %w", err)
	}

	return nil
}

// Close releases the Redis connection pool.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
