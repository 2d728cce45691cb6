// Package cache holds Redis-backed caches shared across engine processes.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Rajchodisetti/options-engine/internal/correlation"
)

var ErrCacheMiss = errors.New("cache: key not found")

// RedisConfig holds connection settings.
type RedisConfig struct {
	Addr        string        `yaml:"addr" default:"localhost:6379"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db" default:"0" validate:"gte=0"`
	PoolSize    int           `yaml:"pool_size" default:"10" validate:"gte=1"`
	DialTimeout time.Duration `yaml:"dial_timeout" default:"5s"`
	Prefix      string        `yaml:"prefix" default:"engine"`
}

// Redis is a JSON-valued cache with a key prefix.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

// Dial connects and pings.
func Dial(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		DialTimeout: cfg.DialTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedis(client, cfg.Prefix), nil
}

// NewRedis wraps an existing client.
func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

func (c *Redis) Close() error { return c.client.Close() }

func (c *Redis) key(k string) string {
	if c.prefix == "" {
		return k
	}
	return c.prefix + ":" + k
}

// Set stores value as JSON. A zero ttl keeps the key forever.
func (c *Redis) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return c.client.Set(ctx, c.key(key), data, ttl).Err()
}

// Get decodes the stored JSON into dest, or returns ErrCacheMiss.
func (c *Redis) Get(ctx context.Context, key string, dest any) error {
	data, err := c.client.Get(ctx, c.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrCacheMiss
		}
		return err
	}
	return json.Unmarshal(data, dest)
}

const correlationKey = "correlation:latest"

// CorrelationCache stores the latest grouping in Redis so every engine
// process enforces the same groups.
type CorrelationCache struct {
	r   *Redis
	ttl time.Duration
}

func NewCorrelationCache(r *Redis, ttl time.Duration) *CorrelationCache {
	return &CorrelationCache{r: r, ttl: ttl}
}

func (c *CorrelationCache) Load(ctx context.Context) (*correlation.Result, error) {
	var res correlation.Result
	if err := c.r.Get(ctx, correlationKey, &res); err != nil {
		if errors.Is(err, ErrCacheMiss) {
			return nil, nil
		}
		return nil, err
	}
	return &res, nil
}

func (c *CorrelationCache) Store(ctx context.Context, res correlation.Result) error {
	return c.r.Set(ctx, correlationKey, res, c.ttl)
}
