package cache

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
)

type compositeCache struct {
	caches []Cache
}

var _ Cache = (*compositeCache)(nil)

// NewComposite returns a Cache that chains multiple caches together.
// Get checks caches in order and returns the first hit. Set and Expire apply
// to all caches. At least one cache must be provided; panics if empty.
func NewComposite(caches ...Cache) Cache {
	if len(caches) == 0 {
		panic("cache: NewComposite requires at least one cache")
	}
	return &compositeCache{caches: caches}
}

// Get returns the first hit. A failing tier is skipped, its error is only
// returned when no later tier has the key.
func (c *compositeCache) Get(ctx context.Context, key string) (bool, any, error) {
	var errs error
	for _, cache := range c.caches {
		found, val, err := cache.Get(ctx, key)
		if err != nil {
			errs = errors.CombineErrors(errs, err)
			continue
		}
		if found {
			return true, val, nil
		}
	}
	return false, nil, errs
}

func (c *compositeCache) Set(ctx context.Context, key string, val any, expires time.Duration) error {
	var errs error
	for _, cache := range c.caches {
		errs = errors.CombineErrors(errs, cache.Set(ctx, key, val, expires))
	}
	return errs
}

// Expire removes the key from every tier, including after a failing one, so
// an invalidation never leaves a stale copy in a healthy tier.
func (c *compositeCache) Expire(ctx context.Context, key string) (bool, error) {
	var anyFound bool
	var errs error
	for _, cache := range c.caches {
		found, err := cache.Expire(ctx, key)
		errs = errors.CombineErrors(errs, err)
		anyFound = anyFound || found
	}
	return anyFound, errs
}

func (c *compositeCache) Close() error {
	var errs error
	for _, cache := range c.caches {
		errs = errors.CombineErrors(errs, cache.Close())
	}
	return errs
}
