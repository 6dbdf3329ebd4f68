// Package cache holds the small key-value contract used for derived counters
// and its Redis adapter.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss reports that a key is absent.
var ErrMiss = errors.New("cache: miss")

// Cache is a concurrency-safe string key-value store with TTLs.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) (int64, error)
	// Incr atomically adds one to the counter at key and returns the new value.
	Incr(ctx context.Context, key string) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// Noop misses on every read and drops every write.
type Noop struct{}

var _ Cache = Noop{}

func (Noop) Get(context.Context, string) (string, error) { return "", ErrMiss }
func (Noop) Set(context.Context, string, string, time.Duration) error { return nil }
func (Noop) Del(context.Context, ...string) (int64, error) { return 0, nil }
func (Noop) Incr(context.Context, string) (int64, error) { return 0, nil }
func (Noop) Ping(context.Context) error { return nil }
func (Noop) Close() error { return nil }
