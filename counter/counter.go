// Package counter mirrors denormalized counter columns in Redis.
package counter

import (
	"context"
	"fmt"
	"time"

	"github.com/chirpline/newsfeed/logger"
	"github.com/chirpline/newsfeed/metrics"
	"github.com/chirpline/newsfeed/store"
	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

// DefaultTTL is the lifetime of a seeded counter.
const DefaultTTL = 7 * 24 * time.Hour

// Key identifies one counter of one entity.
type Key struct {
	Kind string
	ID   int64
	Attr string
}

func (k Key) String() string {
	return fmt.Sprintf("cnt:%s:%d:%s", k.Kind, k.ID, k.Attr)
}

// For returns the key of a store counter column.
func For(ref store.TargetRef, attr store.Attr) Key {
	return Key{Kind: string(ref.Kind), ID: ref.ID, Attr: string(attr)}
}

// Source reads the authoritative value of a counter.
type Source func(ctx context.Context, key Key) (int64, error)

// FromStore reads counters from the store's denormalized columns.
func FromStore(s store.Counters) Source {
	return func(ctx context.Context, key Key) (int64, error) {
		return s.Count(ctx, store.TargetRef{Kind: store.TargetKind(key.Kind), ID: key.ID}, store.Attr(key.Attr))
	}
}

// incrIfExists applies the delta only to a counter that is already cached,
// so a delta never lands on a value that was not seeded from the source.
var incrIfExists = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return redis.call('INCRBY', KEYS[1], ARGV[1])
end
return false
`)

type Option func(*Cache)

func WithTTL(d time.Duration) Option {
	return func(c *Cache) { c.ttl = d }
}

func WithLogger(l logger.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

func WithMetrics(m metrics.Recorder) Option {
	return func(c *Cache) { c.metrics = metrics.OrNoop(m) }
}

// Cache is the counter cache. A cached counter equals the source value as of
// its seed plus every delta applied through this cache since.
type Cache struct {
	client  redis.UniversalClient
	source  Source
	ttl     time.Duration
	logger  logger.Logger
	metrics metrics.Recorder
}

func New(client redis.UniversalClient, source Source, opts ...Option) *Cache {
	c := &Cache{
		client:  client,
		source:  source,
		ttl:     DefaultTTL,
		logger:  logger.NewConsoleLogger(logger.LevelNone),
		metrics: metrics.Noop{},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(map[string]interface{}{"component": "counter"})
	return c
}

// Get returns the cached counter, seeding it from the source on a miss.
func (c *Cache) Get(ctx context.Context, key Key) (int64, error) {
	k := key.String()
	n, err := c.client.Get(ctx, k).Int64()
	switch {
	case err == nil:
		c.metrics.CacheHit(metrics.LayerCounter)
		return n, nil
	case errors.Is(err, redis.Nil):
		c.metrics.CacheMiss(metrics.LayerCounter)
	default:
		c.degraded("get", k, err)
		return c.source(ctx, key)
	}
	n, err = c.source(ctx, key)
	if err != nil {
		return 0, err
	}
	if err := c.client.SetNX(ctx, k, n, c.ttl).Err(); err != nil {
		c.degraded("seed", k, err)
	}
	return n, nil
}

// Incr adds one to a cached counter. The caller must have already updated
// the source.
func (c *Cache) Incr(ctx context.Context, key Key) (int64, error) {
	return c.add(ctx, key, 1)
}

// Decr subtracts one from a cached counter. The caller must have already
// updated the source.
func (c *Cache) Decr(ctx context.Context, key Key) (int64, error) {
	return c.add(ctx, key, -1)
}

func (c *Cache) add(ctx context.Context, key Key, delta int64) (int64, error) {
	k := key.String()
	n, err := incrIfExists.Run(ctx, c.client, []string{k}, delta).Int64()
	switch {
	case err == nil:
		c.metrics.CacheHit(metrics.LayerCounter)
		return n, nil
	case errors.Is(err, redis.Nil):
		c.metrics.CacheMiss(metrics.LayerCounter)
	default:
		c.degraded("incr", k, err)
		// a cached value that missed this delta must not outlive the outage
		c.client.Del(ctx, k)
		return c.source(ctx, key)
	}
	// The source already includes this delta, so it seeds the counter. Losing
	// the SETNX means another caller seeded concurrently with a value that may
	// or may not include this delta, so the key is dropped for the next reader
	// to refill.
	n, err = c.source(ctx, key)
	if err != nil {
		return 0, err
	}
	ok, err := c.client.SetNX(ctx, k, n, c.ttl).Result()
	if err != nil {
		c.degraded("seed", k, err)
		return n, nil
	}
	if !ok {
		if err := c.client.Del(ctx, k).Err(); err != nil {
			c.degraded("del", k, err)
		}
	}
	return n, nil
}

// Invalidate drops a cached counter. Absent keys are not an error.
func (c *Cache) Invalidate(ctx context.Context, key Key) error {
	if err := c.client.Del(ctx, key.String()).Err(); err != nil {
		c.metrics.CacheError(metrics.LayerCounter)
		return errors.Wrapf(err, "error invalidating %s", key)
	}
	return nil
}

// InvalidateAll drops every cached counter and returns how many were
// dropped.
func (c *Cache) InvalidateAll(ctx context.Context) (int, error) {
	var n int
	iter := c.client.Scan(ctx, 0, "cnt:*", 500).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			return n, errors.Wrapf(err, "error invalidating %s", iter.Val())
		}
		n++
	}
	if err := iter.Err(); err != nil {
		return n, errors.Wrap(err, "error scanning counters")
	}
	return n, nil
}

func (c *Cache) degraded(op, key string, err error) {
	c.metrics.CacheError(metrics.LayerCounter)
	c.logger.Warn("counter %s of %s failed, using durable store: %s", op, key, err)
}
