package storage

import (
	"context"
	"fmt"
	log "log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chronosdb/chronos"
)

// redisCache implements Cache over a go-redis client.
type redisCache struct {
	client *redis.Client
}

// NewRedisCache opens a redis connection for the blob read cache.
func NewRedisCache(cfg chronos.RedisConfig) Cache {
	return &redisCache{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Address,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
	}
}

func (c *redisCache) Get(ctx context.Context, key string) (bool, []byte, error) {
	ba, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false, nil, nil
	}
	if err != nil {
		return false, nil, err
	}
	return true, ba, nil
}

func (c *redisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *redisCache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}

// cachedStore decorates a Store with a read-through byte cache on Get.
// Blob keys are immutable once written, so entries only need invalidation on
// explicit Delete/Copy/overwrite. Cache failures are tolerated and logged;
// the backing store stays authoritative.
type cachedStore struct {
	store        Store
	cache        Cache
	ttl          time.Duration
	maxCacheable int
}

// NewCachedStore wraps store with the read-through cache.
func NewCachedStore(store Store, cache Cache, ttl time.Duration, maxCacheableBytes int) Store {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if maxCacheableBytes <= 0 {
		maxCacheableBytes = 1024 * 1024
	}
	return &cachedStore{store: store, cache: cache, ttl: ttl, maxCacheable: maxCacheableBytes}
}

func (c *cachedStore) formatKey(bucket string, key string) string {
	return fmt.Sprintf("b%s/%s", bucket, key)
}

func (c *cachedStore) invalidate(ctx context.Context, bucket string, key string) {
	k := c.formatKey(bucket, key)
	if err := c.cache.Delete(ctx, k); err != nil {
		log.Warn(fmt.Sprintf("cache delete for key %s failed, details: %v", k, err))
	}
}

func (c *cachedStore) PutJSON(ctx context.Context, bucket string, key string, obj any) (PutResult, error) {
	c.invalidate(ctx, bucket, key)
	return c.store.PutJSON(ctx, bucket, key, obj)
}

func (c *cachedStore) PutRaw(ctx context.Context, bucket string, key string, data []byte, contentType string) (PutResult, error) {
	c.invalidate(ctx, bucket, key)
	return c.store.PutRaw(ctx, bucket, key, data, contentType)
}

func (c *cachedStore) Get(ctx context.Context, bucket string, key string) ([]byte, error) {
	k := c.formatKey(bucket, key)
	found, ba, err := c.cache.Get(ctx, k)
	if err != nil {
		// Tolerate cache failure.
		log.Warn(fmt.Sprintf("cache get for key %s failed, details: %v", k, err))
	} else if found {
		return ba, nil
	}
	ba, err = c.store.Get(ctx, bucket, key)
	if err != nil {
		return nil, err
	}
	if len(ba) <= c.maxCacheable {
		if err := c.cache.Set(ctx, k, ba, c.ttl); err != nil {
			log.Warn(fmt.Sprintf("cache set for key %s failed, details: %v", k, err))
		}
	}
	return ba, nil
}

func (c *cachedStore) Head(ctx context.Context, bucket string, key string) (HeadInfo, error) {
	return c.store.Head(ctx, bucket, key)
}

func (c *cachedStore) Delete(ctx context.Context, bucket string, key string) error {
	c.invalidate(ctx, bucket, key)
	return c.store.Delete(ctx, bucket, key)
}

func (c *cachedStore) List(ctx context.Context, bucket string, prefix string, opts ListOptions) (ListResult, error) {
	return c.store.List(ctx, bucket, prefix, opts)
}

func (c *cachedStore) PresignGet(ctx context.Context, bucket string, key string, ttl time.Duration) (string, error) {
	return c.store.PresignGet(ctx, bucket, key, ttl)
}

func (c *cachedStore) Copy(ctx context.Context, srcBucket string, srcKey string, dstBucket string, dstKey string) error {
	c.invalidate(ctx, dstBucket, dstKey)
	return c.store.Copy(ctx, srcBucket, srcKey, dstBucket, dstKey)
}
