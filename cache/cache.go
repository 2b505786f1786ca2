package cache

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// ErrUnavailable is returned by a guarded cache while its circuit is open.
var ErrUnavailable = errors.New("cache: unavailable")

type Cache interface {
	// Get retrieves a value. Serializing backends return the msgpack encoded
	// []byte; use the generic Get to decode.
	Get(ctx context.Context, key string) (bool, any, error)
	// Set stores a value with a TTL. If expires <= 0, the cache's configured
	// default TTL is used.
	Set(ctx context.Context, key string, val any, expires time.Duration) error
	// Expire removes a key and reports whether it was present.
	Expire(ctx context.Context, key string) (bool, error)
	// Close releases resources owned by the cache.
	Close() error
}

type value struct {
	object  any
	expires time.Time
}

// Get retrieves a typed value. For in-memory caches it performs a direct type
// assertion, for serialized caches it decodes the msgpack bytes.
func Get[T any](ctx context.Context, c Cache, key string) (bool, T, error) {
	var zero T
	found, val, err := c.Get(ctx, key)
	if !found || err != nil {
		return false, zero, err
	}
	if typed, ok := val.(T); ok {
		return true, typed, nil
	}
	if data, ok := val.([]byte); ok {
		var result T
		if err := msgpack.Unmarshal(data, &result); err != nil {
			return false, zero, errors.Wrap(err, "cache: failed to unmarshal value")
		}
		return true, result, nil
	}
	return false, zero, errors.Newf("cache: cannot convert value of type %T to %T", val, zero)
}

// DefaultExpires is the default TTL used when Set is called without one.
const DefaultExpires = 5 * time.Minute

// DefaultQueryTimeout is the per-operation timeout for cache backends that
// perform I/O (SQLite, Redis).
const DefaultQueryTimeout = 5 * time.Second

type config struct {
	defaultExpires time.Duration
	maxExpires     time.Duration
	queryTimeout   time.Duration
	expiryCheck    time.Duration
	prefix         string
	shards         int
}

// Option configures a Cache implementation.
type Option func(*config)

func defaultConfig() config {
	return config{
		defaultExpires: DefaultExpires,
		queryTimeout:   DefaultQueryTimeout,
		expiryCheck:    time.Minute,
		shards:         32,
	}
}

func applyOptions(opts []Option) config {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithExpires sets the default TTL for cached values.
func WithExpires(d time.Duration) Option {
	return func(c *config) { c.defaultExpires = d }
}

// WithMaxExpires caps every TTL. The in-memory tier of a composite uses it to
// bound how long a process may serve an entry invalidated elsewhere.
func WithMaxExpires(d time.Duration) Option {
	return func(c *config) { c.maxExpires = d }
}

// WithQueryTimeout sets the per-operation timeout for I/O-backed caches.
func WithQueryTimeout(d time.Duration) Option {
	return func(c *config) { c.queryTimeout = d }
}

// WithExpiryCheck sets the interval for background expired entry cleanup.
func WithExpiryCheck(d time.Duration) Option {
	return func(c *config) { c.expiryCheck = d }
}

// WithPrefix sets the key prefix for namespacing cache keys (Redis).
func WithPrefix(p string) Option {
	return func(c *config) { c.prefix = p }
}

// WithShards sets the number of in-memory shards.
func WithShards(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.shards = n
		}
	}
}

func (c config) ttl(expires time.Duration) time.Duration {
	if expires <= 0 {
		expires = c.defaultExpires
	}
	if c.maxExpires > 0 && expires > c.maxExpires {
		expires = c.maxExpires
	}
	return expires
}
