// Package redis is a KVStore on Redis, namespaced per device so that one Redis can hold many clients.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/and161185/mindharbor/internal/errs"
	"github.com/and161185/mindharbor/internal/repository"
)

// Cmdable is the subset of go-redis commands the store uses.
// It is implemented by *redis.Client, *redis.ClusterClient and test fakes.
type Cmdable interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *goredis.StatusCmd
	Del(ctx context.Context, keys ...string) *goredis.IntCmd
}

// Options tune a redis connection. Zero values keep go-redis defaults.
type Options struct {
	URL          string
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Connect parses the URL, applies overrides and pings the server.
func Connect(ctx context.Context, o Options) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(o.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	if o.PoolSize > 0 {
		opts.PoolSize = o.PoolSize
	}
	if o.DialTimeout > 0 {
		opts.DialTimeout = o.DialTimeout
	}
	if o.ReadTimeout > 0 {
		opts.ReadTimeout = o.ReadTimeout
	}
	if o.WriteTimeout > 0 {
		opts.WriteTimeout = o.WriteTimeout
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// Store implements repository.KVStore with keys "<prefix>:<device>:<key>".
type Store struct {
	rdb    Cmdable
	prefix string
}

var _ repository.KVStore = (*Store)(nil)

// New constructs a store; prefix defaults to "mindharbor".
func New(rdb Cmdable, prefix, deviceID string) *Store {
	if prefix == "" {
		prefix = "mindharbor"
	}
	return &Store{rdb: rdb, prefix: prefix + ":" + deviceID + ":"}
}

func (s *Store) k(key string) string { return s.prefix + key }

// Get returns the value for key or errs.ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	v, err := s.rdb.Get(ctx, s.k(key)).Result()
	if errors.Is(err, goredis.Nil) {
		return "", errs.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("kv get %s: %w", key, err)
	}
	return v, nil
}

// Set stores value without expiry; onboarding records must never auto-expire.
func (s *Store) Set(ctx context.Context, key, value string) error {
	if err := s.rdb.Set(ctx, s.k(key), value, 0).Err(); err != nil {
		return fmt.Errorf("kv set %s: %w", key, err)
	}
	return nil
}

// Remove deletes key.
func (s *Store) Remove(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, s.k(key)).Err(); err != nil {
		return fmt.Errorf("kv remove %s: %w", key, err)
	}
	return nil
}
