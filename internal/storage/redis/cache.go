package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrCacheMiss is returned by Cache.Get when the key is absent.
var ErrCacheMiss = errors.New("redis: cache miss")

// CacheConfig describes connection parameters for the read-through cache.
type CacheConfig struct {
	Address  string
	Password string
	DB       int
	TTL      time.Duration
	Prefix   string
}

// Cache is a JSON read-through cache over Redis, used to reduce lookup
// pressure on the listing reads that back Task Market's hot path.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewCache connects to Redis and verifies reachability.
func NewCache(cfg CacheConfig) (*Cache, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "cache:"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &Cache{client: client, ttl: ttl, prefix: prefix}, nil
}

// Get unmarshals the cached value for key into dest, returning ErrCacheMiss
// if absent.
func (c *Cache) Get(ctx context.Context, key string, dest any) error {
	raw, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrCacheMiss
		}
		return fmt.Errorf("读取缓存失败: %w", err)
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("解析缓存内容失败: %w", err)
	}
	return nil
}

// Set stores value under key with the cache's configured TTL.
func (c *Cache) Set(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("序列化缓存内容失败: %w", err)
	}
	if err := c.client.Set(ctx, c.prefix+key, raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("写入缓存失败: %w", err)
	}
	return nil
}

// Invalidate removes key from the cache, used after a mutation so the next
// read repopulates from the source of truth.
func (c *Cache) Invalidate(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.prefix+key).Err(); err != nil {
		return fmt.Errorf("清除缓存失败: %w", err)
	}
	return nil
}

// Close releases the underlying connection.
func (c *Cache) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}
