package cache

import (
	"context"
	"time"
)

// CacheConfig configures the Exec helper.
type CacheConfig struct {
	// Expires is the TTL for cached values. Defaults to the cache's own default if zero.
	Expires time.Duration
	// Key is the cache key. Required.
	Key string
	// OnError is called with "get" or "set" when the cache itself fails. The
	// failure is otherwise bypassed.
	OnError func(op string, err error)
}

func (c CacheConfig) failed(op string, err error) {
	if c.OnError != nil {
		c.OnError(op, err)
	}
}

// Invoker produces a value of type T. The bool return indicates whether a
// value was found; return false to signal "not found" without caching a
// zero value.
type Invoker[T any] func(ctx context.Context) (T, bool, error)

// Exec is a cache-aside helper. It checks the cache for config.Key first and
// returns a hit directly. On a miss it calls invoke and stores what it
// found. Errors from invoke are returned. Errors from the cache are reported
// to config.OnError and bypassed: a failing Get falls through to invoke and
// a failing Set still returns the invoked value.
func Exec[T any](ctx context.Context, config CacheConfig, c Cache, invoke Invoker[T]) (bool, T, error) {
	found, val, err := Get[T](ctx, c, config.Key)
	if err != nil {
		config.failed("get", err)
	} else if found {
		return true, val, nil
	}

	result, ok, err := invoke(ctx)
	if err != nil {
		var zero T
		return false, zero, err
	}
	if !ok {
		var zero T
		return false, zero, nil
	}

	if err := c.Set(ctx, config.Key, result, config.Expires); err != nil {
		config.failed("set", err)
	}
	return true, result, nil
}
