// Package objectcache is a read-through cache of single entity snapshots
// keyed by kind and id.
package objectcache

import (
	"context"
	"strconv"
	"time"

	"github.com/chirpline/newsfeed/cache"
	"github.com/chirpline/newsfeed/logger"
	"github.com/chirpline/newsfeed/metrics"
	"github.com/cockroachdb/errors"
	"golang.org/x/sync/singleflight"
)

// DefaultTTL bounds how long a missed invalidation can serve a stale snapshot.
const DefaultTTL = time.Hour

// Loader reads an entity from the durable store. It must return an error
// wrapping store.ErrNotFound for missing rows.
type Loader[T any] func(ctx context.Context, id int64) (T, error)

type options struct {
	ttl     time.Duration
	logger  logger.Logger
	metrics metrics.Recorder
}

type Option func(*options)

func WithTTL(d time.Duration) Option {
	return func(o *options) { o.ttl = d }
}

func WithLogger(l logger.Logger) Option {
	return func(o *options) { o.logger = l }
}

func WithMetrics(m metrics.Recorder) Option {
	return func(o *options) { o.metrics = m }
}

// Cache caches snapshots of one kind of entity. Values returned by Get are
// shared between concurrent callers and must be treated as read-only.
type Cache[T any] struct {
	kind    string
	backend cache.Cache
	load    Loader[T]
	ttl     time.Duration
	group   singleflight.Group
	logger  logger.Logger
	metrics metrics.Recorder
}

// New returns a cache for kind. Kinds must be unique per backend since they
// namespace the keys.
func New[T any](kind string, backend cache.Cache, load Loader[T], opts ...Option) *Cache[T] {
	o := options{ttl: DefaultTTL}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logger.NewConsoleLogger(logger.LevelNone)
	}
	return &Cache[T]{
		kind:    kind,
		backend: backend,
		load:    load,
		ttl:     o.ttl,
		logger:  o.logger.With(map[string]interface{}{"component": "objectcache", "kind": kind}),
		metrics: metrics.OrNoop(o.metrics),
	}
}

func (c *Cache[T]) Kind() string { return c.kind }

// Key returns the cache key of id.
func (c *Cache[T]) Key(id int64) string {
	return "obj:" + c.kind + ":" + strconv.FormatInt(id, 10)
}

func (c *Cache[T]) onError(key string) func(op string, err error) {
	return func(op string, err error) {
		c.metrics.CacheError(metrics.LayerObject)
		c.logger.Warn("cache %s of %s failed, using durable store: %s", op, key, err)
	}
}

// Get returns the cached snapshot of id, loading and caching it on a miss.
// Concurrent misses for the same id share one load. A missing row is
// returned as the loader's error and is not cached.
func (c *Cache[T]) Get(ctx context.Context, id int64) (T, error) {
	key := c.Key(id)
	v, err, _ := c.group.Do(key, func() (any, error) {
		loaded := false
		_, val, err := cache.Exec(ctx, cache.CacheConfig{Key: key, Expires: c.ttl, OnError: c.onError(key)}, c.backend,
			func(ctx context.Context) (T, bool, error) {
				loaded = true
				v, err := c.load(ctx, id)
				return v, err == nil, err
			})
		if loaded {
			c.metrics.CacheMiss(metrics.LayerObject)
		} else if err == nil {
			c.metrics.CacheHit(metrics.LayerObject)
		}
		return val, err
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

// Invalidate removes the snapshot of id. Removing an absent entry is not an
// error.
func (c *Cache[T]) Invalidate(ctx context.Context, id int64) error {
	key := c.Key(id)
	c.group.Forget(key)
	if _, err := c.backend.Expire(ctx, key); err != nil {
		c.metrics.CacheError(metrics.LayerObject)
		return errors.Wrapf(err, "error invalidating %s", key)
	}
	return nil
}
