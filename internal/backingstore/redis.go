// Package backingstore provides an optional second-tier store behind the
// in-memory bucket table (§4.L). The default configuration never wires
// it in; a deployment can opt into it for a get-on-miss / write-behind
// Redis tier. Adapted from the teacher's internal/cache/cache.go
// connection-pool settings, restyled around raw blob bytes instead of
// JSON-serialized session objects.
package backingstore

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vncache/vncache/internal/apperrors"
	"github.com/vncache/vncache/internal/logger"
)

// Config names the Redis endpoint backing the second tier.
type Config struct {
	Addr     string
	Password string
	DB       int

	// TTL bounds how long a written-behind blob survives in Redis after
	// eviction from the in-memory table. Zero means no expiry.
	TTL time.Duration
}

// RedisStore implements blobstore's MissHandler and EvictionHandler
// capability interfaces (§4.L) against a Redis instance.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore dials Redis and verifies reachability before returning,
// matching the teacher's NewCache connectivity check.
func NewRedisStore(cfg Config) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,

		PoolSize:     25,
		MinIdleConns: 5,
		MaxIdleConns: 10,

		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,

		MaxRetries:      3,
		MinRetryBackoff: 8 * time.Millisecond,
		MaxRetryBackoff: 512 * time.Millisecond,
	})

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, apperrors.Transport("failed to reach backing Redis store", err)
	}

	return &RedisStore{client: client, ttl: cfg.TTL}, nil
}

// Close releases the underlying connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// missTimeout and evictTimeout bound each Redis round-trip. OnCacheMiss
// runs outside the bucket mutex; OnEntryEvicted runs while the calling
// bucket holds its mutex, so a slow or unreachable second tier can hold
// that bucket for up to evictTimeout.
const (
	missTimeout   = 500 * time.Millisecond
	evictTimeout  = 2 * time.Second
)

// OnCacheMiss satisfies blobstore.MissHandler: a GET that finds nothing
// in the in-memory table falls through here before reporting not-found.
func (s *RedisStore) OnCacheMiss(key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), missTimeout)
	defer cancel()

	val, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		logger.Store().Warn().Err(err).Str("key", key).Msg("backing store miss lookup failed")
		return nil, false
	}
	return val, true
}

// AllocateBucketBuffers satisfies blobstore.BufferAllocator. The Redis
// client's pool is already sized at construction (NewRedisStore), so
// there is nothing to grow here; this only logs the expected
// per-bucket load at debug level, and rejects a negative hint.
func (s *RedisStore) AllocateBucketBuffers(maxPerBucket int) error {
	if maxPerBucket < 0 {
		return apperrors.Malformed("maxPerBucket must be non-negative")
	}
	logger.Store().Debug().Int("max_per_bucket", maxPerBucket).Msg("backing store notified of bucket capacity")
	return nil
}

// OnEntryEvicted satisfies blobstore.EvictionHandler: write-behind so a
// value the LRU dropped can still answer a later miss. Failures are
// logged, never surfaced to the evicting caller — losing the
// write-behind copy does not make the eviction itself fail.
func (s *RedisStore) OnEntryEvicted(key string, blob []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), evictTimeout)
	defer cancel()

	if err := s.client.Set(ctx, key, blob, s.ttl).Err(); err != nil {
		logger.Store().Warn().Err(err).Str("key", key).Msg("backing store write-behind failed")
	}
}
