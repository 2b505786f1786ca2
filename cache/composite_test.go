package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failingCache fails every call.
type failingCache struct{ err error }

func (f failingCache) Get(context.Context, string) (bool, any, error) { return false, nil, f.err }
func (f failingCache) Set(context.Context, string, any, time.Duration) error {
	return f.err
}
func (f failingCache) Expire(context.Context, string) (bool, error) { return false, f.err }
func (f failingCache) Close() error                                 { return nil }

func TestCompositeTiers(t *testing.T) {
	ctx := context.Background()
	_, client := newTestRedis(t)
	l1 := NewInMemory(ctx)
	l2 := NewRedis(client)
	c := NewComposite(l1, l2)
	defer c.Close()

	require.NoError(t, l2.Set(ctx, "only-l2", "v2", time.Minute))
	ok, val, err := Get[string](ctx, c, "only-l2")
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v2", val)

	require.NoError(t, c.Set(ctx, "both", "v", time.Minute))
	found, _, _ := l1.Get(ctx, "both")
	assert.True(t, found)
	found, _, _ = l2.Get(ctx, "both")
	assert.True(t, found)

	removed, err := c.Expire(ctx, "both")
	assert.NoError(t, err)
	assert.True(t, removed)
	found, _, _ = l2.Get(ctx, "both")
	assert.False(t, found)
}

func TestCompositeSkipsFailingTier(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	mem := NewInMemory(ctx)
	c := NewComposite(failingCache{boom}, mem)
	defer c.Close()

	require.NoError(t, mem.Set(ctx, "key", "v", time.Minute))
	found, _, err := c.Get(ctx, "key")
	assert.NoError(t, err)
	assert.True(t, found)

	found, _, err = c.Get(ctx, "missing")
	assert.ErrorIs(t, err, boom)
	assert.False(t, found)

	removed, err := c.Expire(ctx, "key")
	assert.ErrorIs(t, err, boom)
	assert.True(t, removed)
	found, _, _ = mem.Get(ctx, "key")
	assert.False(t, found, "healthy tier is invalidated even after a failing one")
}

func TestCompositeRequiresCaches(t *testing.T) {
	assert.Panics(t, func() { NewComposite() })
}
