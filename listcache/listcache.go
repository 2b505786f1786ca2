// Package listcache keeps the newest items of per-owner ordered lists in
// Redis, capped at a fixed length, with the durable store as the fallback
// for everything older.
package listcache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/chirpline/newsfeed/logger"
	"github.com/chirpline/newsfeed/metrics"
	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	// DefaultLimit is the maximum length of a cached list.
	DefaultLimit = 200
	// DefaultTTL is the lifetime of a seeded list.
	DefaultTTL = 7 * 24 * time.Hour
)

// stampWidth is the width of the zero padded timestamp prefixing every
// element, which lets the scripts compare recency without decoding.
const stampWidth = 20

// Item is an element of a cached list.
type Item interface {
	// Timestamp is the Unix nanosecond time the list is ordered by.
	Timestamp() int64
}

// Fill returns the newest items of the durable ordered source, newest first.
// A limit of zero means every item.
type Fill[T Item] func(ctx context.Context, limit int) ([]T, error)

// Window is what Load knows about a list.
type Window[T Item] struct {
	// Items are newest first.
	Items []T
	// Complete is set when Items is the whole list rather than its newest
	// prefix.
	Complete bool
	// Cached is set when Items came from the cache.
	Cached bool
}

// push results
const (
	pushAbsent      = 0
	pushApplied     = 1
	pushDuplicate   = 2
	pushInvalidated = 3
)

var pushScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
local head = redis.call('LINDEX', KEYS[1], 0)
if head == ARGV[1] then
	return 2
end
if head and string.sub(head, 1, 20) > string.sub(ARGV[1], 1, 20) then
	redis.call('DEL', KEYS[1])
	return 3
end
redis.call('LPUSH', KEYS[1], ARGV[1])
redis.call('LTRIM', KEYS[1], 0, tonumber(ARGV[2]) - 1)
return 1
`)

// seedScript writes a whole list only if nobody else has. RPUSH takes the
// elements in chunks since unpack is limited by the Lua stack size.
var seedScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
if #ARGV < 2 then
	return 1
end
local chunk = 1000
for i = 2, #ARGV, chunk do
	redis.call('RPUSH', KEYS[1], unpack(ARGV, i, math.min(i + chunk - 1, #ARGV)))
end
redis.call('PEXPIRE', KEYS[1], ARGV[1])
return 1
`)

type Option func(*options)

type options struct {
	limit   int
	ttl     time.Duration
	logger  logger.Logger
	metrics metrics.Recorder
}

func WithLimit(n int) Option {
	return func(o *options) { o.limit = n }
}

func WithTTL(d time.Duration) Option {
	return func(o *options) { o.ttl = d }
}

func WithLogger(l logger.Logger) Option {
	return func(o *options) { o.logger = l }
}

func WithMetrics(m metrics.Recorder) Option {
	return func(o *options) { o.metrics = m }
}

// Cache is a list cache of items of type T. A cached list, when present, is
// exactly the newest Limit (or fewer) items of its source.
type Cache[T Item] struct {
	client  redis.UniversalClient
	limit   int
	ttl     time.Duration
	logger  logger.Logger
	metrics metrics.Recorder
}

func New[T Item](client redis.UniversalClient, opts ...Option) *Cache[T] {
	o := options{limit: DefaultLimit, ttl: DefaultTTL}
	for _, opt := range opts {
		opt(&o)
	}
	if o.limit <= 0 {
		o.limit = DefaultLimit
	}
	if o.logger == nil {
		o.logger = logger.NewConsoleLogger(logger.LevelNone)
	}
	return &Cache[T]{
		client:  client,
		limit:   o.limit,
		ttl:     o.ttl,
		logger:  o.logger.With(map[string]interface{}{"component": "listcache"}),
		metrics: metrics.OrNoop(o.metrics),
	}
}

// Limit is the maximum length of a cached list.
func (c *Cache[T]) Limit() int { return c.limit }

func encode[T Item](item T) (string, error) {
	buf, err := msgpack.Marshal(item)
	if err != nil {
		return "", errors.Wrap(err, "error encoding list item")
	}
	return fmt.Sprintf("%0*d:", stampWidth, item.Timestamp()) + string(buf), nil
}

func decode[T Item](elem string) (T, error) {
	var item T
	if len(elem) <= stampWidth || elem[stampWidth] != ':' {
		return item, errors.Newf("malformed list element %q", elem)
	}
	if err := msgpack.Unmarshal([]byte(elem[stampWidth+1:]), &item); err != nil {
		return item, errors.Wrap(err, "error decoding list item")
	}
	return item, nil
}

// Load returns the list: the cached items on a hit, otherwise the full
// source, seeding the cache with its newest Limit items.
func (c *Cache[T]) Load(ctx context.Context, key string, fill Fill[T]) ([]T, error) {
	w, err := c.LoadWindow(ctx, key, fill)
	return w.Items, err
}

// LoadWindow is Load which also reports whether the items are complete.
func (c *Cache[T]) LoadWindow(ctx context.Context, key string, fill Fill[T]) (Window[T], error) {
	raw, err := c.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		c.degraded("load", key, err)
		items, err := fill(ctx, 0)
		return Window[T]{Items: items, Complete: true}, err
	}
	if len(raw) > 0 {
		items, err := c.decodeAll(raw)
		if err == nil {
			c.metrics.CacheHit(metrics.LayerList)
			return Window[T]{Items: items, Complete: len(items) < c.limit, Cached: true}, nil
		}
		c.logger.Warn("dropping undecodable list %s: %s", key, err)
		c.client.Del(ctx, key)
	}
	c.metrics.CacheMiss(metrics.LayerList)
	items, err := fill(ctx, 0)
	if err != nil {
		return Window[T]{}, err
	}
	if _, err := c.seed(ctx, key, items[:min(len(items), c.limit)]); err != nil {
		c.degraded("seed", key, err)
	}
	return Window[T]{Items: items, Complete: true}, nil
}

func (c *Cache[T]) decodeAll(raw []string) ([]T, error) {
	items := make([]T, 0, len(raw))
	for _, elem := range raw {
		item, err := decode[T](elem)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// seed writes items unless the key exists and reports whether it wrote.
func (c *Cache[T]) seed(ctx context.Context, key string, items []T) (bool, error) {
	args := make([]any, 0, len(items)+1)
	args = append(args, strconv.FormatInt(c.ttl.Milliseconds(), 10))
	for _, item := range items {
		elem, err := encode(item)
		if err != nil {
			return false, err
		}
		args = append(args, elem)
	}
	n, err := seedScript.Run(ctx, c.client, []string{key}, args...).Int()
	return n == 1, err
}

// Push prepends item, the newest item of the list, and trims the list to
// Limit. A cold list is seeded from fill instead, which must already include
// item. A push that would break the recency order drops the cached list.
func (c *Cache[T]) Push(ctx context.Context, key string, item T, fill Fill[T]) error {
	elem, err := encode(item)
	if err != nil {
		return err
	}
	res, err := c.push(ctx, key, elem)
	if err != nil {
		return err
	}
	if res != pushAbsent {
		return nil
	}
	items, err := fill(ctx, c.limit)
	if err != nil {
		return errors.Wrapf(err, "error filling %s", key)
	}
	seeded, err := c.seed(ctx, key, items)
	if err != nil {
		c.degraded("seed", key, err)
		return errors.Wrapf(err, "error seeding %s", key)
	}
	if !seeded {
		// a concurrent Load or Push seeded first, possibly without item
		if _, err := c.push(ctx, key, elem); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cache[T]) push(ctx context.Context, key, elem string) (int, error) {
	res, err := pushScript.Run(ctx, c.client, []string{key}, elem, c.limit).Int()
	if err != nil {
		c.degraded("push", key, err)
		// never leave a list behind that is missing the item
		c.client.Del(ctx, key)
		return 0, errors.Wrapf(err, "error pushing to %s", key)
	}
	if res == pushInvalidated {
		c.logger.Debug("push to %s was older than its head, list dropped", key)
	}
	return res, nil
}

// Invalidate drops the cached list. Absent keys are not an error.
func (c *Cache[T]) Invalidate(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		c.metrics.CacheError(metrics.LayerList)
		return errors.Wrapf(err, "error invalidating %s", key)
	}
	return nil
}

func (c *Cache[T]) degraded(op, key string, err error) {
	c.metrics.CacheError(metrics.LayerList)
	c.logger.Warn("list %s of %s failed: %s", op, key, err)
}

// TimelineKey is the key of an owner's home timeline.
func TimelineKey(ownerID int64) string {
	return "list:timeline:" + strconv.FormatInt(ownerID, 10)
}

// PostsKey is the key of the list of an author's own posts.
func PostsKey(authorID int64) string {
	return "list:posts:" + strconv.FormatInt(authorID, 10)
}
