package cache

import (
	"context"
	"time"

	"github.com/chirpline/newsfeed/resilience"
	"github.com/cockroachdb/errors"
)

type guardedCache struct {
	next    Cache
	breaker *resilience.Breaker
}

var _ Cache = (*guardedCache)(nil)

// NewGuarded wraps a cache with a circuit breaker. While the circuit is open
// every call fails fast with ErrUnavailable instead of waiting on a dead
// backend.
func NewGuarded(next Cache, breaker *resilience.Breaker) Cache {
	return &guardedCache{next: next, breaker: breaker}
}

func (c *guardedCache) allow() error {
	if err := c.breaker.Allow(); err != nil {
		return errors.Mark(errors.Wrap(err, "cache"), ErrUnavailable)
	}
	return nil
}

func (c *guardedCache) Get(ctx context.Context, key string) (bool, any, error) {
	if err := c.allow(); err != nil {
		return false, nil, err
	}
	found, val, err := c.next.Get(ctx, key)
	c.breaker.Record(err)
	return found, val, err
}

func (c *guardedCache) Set(ctx context.Context, key string, val any, expires time.Duration) error {
	if err := c.allow(); err != nil {
		return err
	}
	err := c.next.Set(ctx, key, val, expires)
	c.breaker.Record(err)
	return err
}

// Expire bypasses the breaker. An invalidation that is skipped would leave a
// stale entry behind once the backend recovers.
func (c *guardedCache) Expire(ctx context.Context, key string) (bool, error) {
	return c.next.Expire(ctx, key)
}

func (c *guardedCache) Close() error {
	return c.next.Close()
}
