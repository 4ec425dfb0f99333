/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package cache

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/cache/v9"
	"github.com/redis/go-redis/v9"
)

const localCacheSize = 10_000

// Cache is a read-through store for slow-changing chain metadata such as token decimals.
type Cache interface {
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	// Get reports false on a miss.
	Get(ctx context.Context, key string, dst interface{}) (bool, error)
	Delete(ctx context.Context, key string) error
	// Once loads key into dst, calling load only when no replica has it cached.
	Once(ctx context.Context, key string, dst interface{}, ttl time.Duration, load func() (interface{}, error)) error
}

// RedisCache layers a TinyLFU in-process cache over Redis.
type RedisCache struct {
	cache *cache.Cache
}

func NewRedisCache(client redis.UniversalClient) *RedisCache {
	return &RedisCache{cache: cache.New(&cache.Options{
		Redis:      client,
		LocalCache: cache.NewTinyLFU(localCacheSize, time.Minute),
	})}
}

func (r *RedisCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return r.cache.Set(&cache.Item{Ctx: ctx, Key: key, Value: value, TTL: ttl})
}

func (r *RedisCache) Get(ctx context.Context, key string, dst interface{}) (bool, error) {
	err := r.cache.Get(ctx, key, dst)
	if errors.Is(err, cache.ErrCacheMiss) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *RedisCache) Delete(ctx context.Context, key string) error {
	err := r.cache.Delete(ctx, key)
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil
	}
	return err
}

func (r *RedisCache) Once(ctx context.Context, key string, dst interface{}, ttl time.Duration, load func() (interface{}, error)) error {
	return r.cache.Once(&cache.Item{
		Ctx:   ctx,
		Key:   key,
		Value: dst,
		TTL:   ttl,
		Do: func(*cache.Item) (interface{}, error) {
			return load()
		},
	})
}
