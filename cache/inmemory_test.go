package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestInMemorySetGet(t *testing.T) {
	ctx := context.Background()
	c := NewInMemory(ctx)
	defer c.Close()

	found, val, err := c.Get(ctx, "missing")
	assert.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, val)

	assert.NoError(t, c.Set(ctx, "key", "value", time.Minute))
	ok, str, err := Get[string](ctx, c, "key")
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "value", str)
}

func TestInMemoryExpiry(t *testing.T) {
	ctx := context.Background()
	c := NewInMemory(ctx, WithExpiryCheck(10*time.Millisecond))
	defer c.Close()

	assert.NoError(t, c.Set(ctx, "key", "value", 20*time.Millisecond))
	assert.Eventually(t, func() bool {
		found, _, _ := c.Get(ctx, "key")
		return !found
	}, time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		return c.(*inMemoryCache).Len() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestInMemoryMaxExpires(t *testing.T) {
	ctx := context.Background()
	c := NewInMemory(ctx, WithMaxExpires(time.Millisecond))
	defer c.Close()

	assert.NoError(t, c.Set(ctx, "key", "value", time.Hour))
	time.Sleep(5 * time.Millisecond)
	found, _, err := c.Get(ctx, "key")
	assert.NoError(t, err)
	assert.False(t, found)
}

func TestInMemoryExpire(t *testing.T) {
	ctx := context.Background()
	c := NewInMemory(ctx)
	defer c.Close()

	assert.NoError(t, c.Set(ctx, "key", 1, 0))
	found, err := c.Expire(ctx, "key")
	assert.NoError(t, err)
	assert.True(t, found)
	found, err = c.Expire(ctx, "key")
	assert.NoError(t, err)
	assert.False(t, found)
}

func TestInMemoryConcurrent(t *testing.T) {
	ctx := context.Background()
	c := NewInMemory(ctx, WithShards(4))
	defer c.Close()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := fmt.Sprintf("k%d-%d", i, j)
				_ = c.Set(ctx, key, j, time.Minute)
				_, _, _ = c.Get(ctx, key)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1600, c.(*inMemoryCache).Len())
}

func TestInMemoryCloseIsIdempotent(t *testing.T) {
	c := NewInMemory(context.Background())
	assert.NoError(t, c.Close())
	assert.NoError(t, c.Close())
}
