package cache

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

type shard struct {
	mutex sync.Mutex
	items map[string]*value
}

type inMemoryCache struct {
	ctx       context.Context
	cancel    context.CancelFunc
	shards    []*shard
	waitGroup sync.WaitGroup
	once      sync.Once
	cfg       config
}

var _ Cache = (*inMemoryCache)(nil)

func (c *inMemoryCache) shard(key string) *shard {
	return c.shards[xxhash.Sum64String(key)%uint64(len(c.shards))]
}

func (c *inMemoryCache) Get(_ context.Context, key string) (bool, any, error) {
	s := c.shard(key)
	s.mutex.Lock()
	defer s.mutex.Unlock()
	val, ok := s.items[key]
	if !ok {
		return false, nil, nil
	}
	if val.expires.Before(time.Now()) {
		delete(s.items, key)
		return false, nil, nil
	}
	return true, val.object, nil
}

func (c *inMemoryCache) Set(_ context.Context, key string, val any, expires time.Duration) error {
	expiresAt := time.Now().Add(c.cfg.ttl(expires))
	s := c.shard(key)
	s.mutex.Lock()
	s.items[key] = &value{object: val, expires: expiresAt}
	s.mutex.Unlock()
	return nil
}

func (c *inMemoryCache) Expire(_ context.Context, key string) (bool, error) {
	s := c.shard(key)
	s.mutex.Lock()
	_, ok := s.items[key]
	delete(s.items, key)
	s.mutex.Unlock()
	return ok, nil
}

// Len returns the number of stored entries, expired ones included until the
// janitor runs.
func (c *inMemoryCache) Len() int {
	var n int
	for _, s := range c.shards {
		s.mutex.Lock()
		n += len(s.items)
		s.mutex.Unlock()
	}
	return n
}

func (c *inMemoryCache) Close() error {
	c.once.Do(func() {
		c.cancel()
		c.waitGroup.Wait()
	})
	return nil
}

func (c *inMemoryCache) sweep(now time.Time) {
	for _, s := range c.shards {
		s.mutex.Lock()
		for key, val := range s.items {
			if val.expires.Before(now) {
				delete(s.items, key)
			}
		}
		s.mutex.Unlock()
	}
}

func (c *inMemoryCache) run() {
	defer c.waitGroup.Done()
	ticker := time.NewTicker(c.cfg.expiryCheck)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case now := <-ticker.C:
			c.sweep(now)
		}
	}
}

// NewInMemory returns an in-process Cache. Keys are spread over shards by
// xxhash so unrelated keys do not contend on one lock. Values are stored as-is.
func NewInMemory(parent context.Context, opts ...Option) Cache {
	cfg := applyOptions(opts)
	ctx, cancel := context.WithCancel(parent)
	c := &inMemoryCache{
		ctx:    ctx,
		cancel: cancel,
		shards: make([]*shard, cfg.shards),
		cfg:    cfg,
	}
	for i := range c.shards {
		c.shards[i] = &shard{items: make(map[string]*value)}
	}
	c.waitGroup.Add(1)
	go c.run()
	return c
}
