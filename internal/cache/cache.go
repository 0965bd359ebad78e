// Package cache is a disposable Redis-backed view over the stores. Dropping
// it at any time only costs performance.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/park285/Cheese-Caro/internal/obslog"
)

const DefaultTTL = 10 * time.Second

// Cache is the key/value contract the read-through wrappers rely on.
//
// Generation and SetIfGeneration close the race between a slow reader and a
// concurrent invalidation: a value loaded before Delete bumped the generation
// is never written back.
type Cache interface {
	Get(ctx context.Context, key string, dest any) (bool, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	DeletePrefix(ctx context.Context, prefix string) error
	Generation(ctx context.Context, key string) (int64, error)
	SetIfGeneration(ctx context.Context, key string, gen int64, value any, ttl time.Duration) (bool, error)
}

type RedisCache struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisCache(rdb *redis.Client, prefix string) *RedisCache {
	if prefix == "" {
		prefix = "caro:cache:"
	}
	return &RedisCache{rdb: rdb, prefix: prefix}
}

func (c *RedisCache) key(k string) string    { return c.prefix + k }
func (c *RedisCache) genKey(k string) string { return c.prefix + "gen:" + k }

func (c *RedisCache) Get(ctx context.Context, key string, dest any) (bool, error) {
	raw, err := c.rdb.Get(ctx, c.key(key)).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, fmt.Errorf("decode cache %s: %w", key, err)
	}
	return true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, c.key(key), raw, ttl).Err()
}

// Delete bumps each key's generation and drops the cached value.
func (c *RedisCache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, k := range keys {
			pipe.Incr(ctx, c.genKey(k))
			pipe.Expire(ctx, c.genKey(k), time.Hour)
			pipe.Del(ctx, c.key(k))
		}
		return nil
	})
	return err
}

// DeletePrefix removes every key under prefix, generation counters included
// when they match. It is meant for whole-cache resets, not write invalidation.
func (c *RedisCache) DeletePrefix(ctx context.Context, prefix string) error {
	iter := c.rdb.Scan(ctx, 0, c.key(prefix)+"*", 200).Iterator()
	batch := make([]string, 0, 200)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == cap(batch) {
			if err := c.rdb.Del(ctx, batch...).Err(); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(batch) > 0 {
		return c.rdb.Del(ctx, batch...).Err()
	}
	return nil
}

func (c *RedisCache) Generation(ctx context.Context, key string) (int64, error) {
	v, err := c.rdb.Get(ctx, c.genKey(key)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(v, 10, 64)
}

func (c *RedisCache) SetIfGeneration(ctx context.Context, key string, gen int64, value any, ttl time.Duration) (bool, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return false, err
	}
	stored := false
	err = c.rdb.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, c.genKey(key)).Int64()
		if err != nil && err != redis.Nil {
			return err
		}
		if cur != gen {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, c.key(key), raw, ttl)
			return nil
		})
		if err != nil {
			return err
		}
		stored = true
		return nil
	}, c.genKey(key))
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	return stored, err
}

// readThrough serves key from the cache or loads it, collapsing concurrent
// misses. Cache failures only cost a store round trip.
func readThrough[T any](ctx context.Context, c Cache, sf *singleflight.Group, log *zap.Logger, key string, ttl time.Duration, load func(context.Context) (T, error)) (T, error) {
	var cached T
	hit, err := c.Get(ctx, key, &cached)
	if err != nil {
		log.Warn("cache_get_error", zap.String("key", key), zap.Error(err))
	}
	if hit {
		return cached, nil
	}
	v, err, _ := sf.Do(key, func() (any, error) {
		gen, gerr := c.Generation(ctx, key)
		val, err := load(ctx)
		if err != nil {
			return val, err
		}
		if gerr != nil {
			log.Warn("cache_generation_error", zap.String("key", key), zap.Error(gerr))
			return val, nil
		}
		if _, err := c.SetIfGeneration(ctx, key, gen, val, ttl); err != nil {
			log.Warn("cache_set_error", zap.String("key", key), zap.Error(err))
		}
		return val, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

func invalidate(ctx context.Context, c Cache, log *zap.Logger, keys ...string) {
	if err := c.Delete(ctx, keys...); err != nil {
		log.Warn("cache_invalidate_error", zap.Strings("keys", keys), zap.Error(err))
	}
}

func loggerOr(l *zap.Logger) *zap.Logger {
	if l == nil {
		return obslog.L()
	}
	return l
}
