package cache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteSetGet(t *testing.T) {
	ctx := context.Background()
	c, err := NewSQLite(ctx, ":memory:")
	require.NoError(t, err)
	defer c.Close()

	found, _, err := c.Get(ctx, "key")
	assert.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, c.Set(ctx, "key", snapshot{ID: 2, Name: "grace"}, time.Minute))
	ok, got, err := Get[snapshot](ctx, c, "key")
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, snapshot{ID: 2, Name: "grace"}, got)

	require.NoError(t, c.Set(ctx, "key", snapshot{ID: 2, Name: "hopper"}, time.Minute))
	_, got, err = Get[snapshot](ctx, c, "key")
	assert.NoError(t, err)
	assert.Equal(t, "hopper", got.Name)

	found, err = c.Expire(ctx, "key")
	assert.NoError(t, err)
	assert.True(t, found)
}

func TestSQLiteExpiry(t *testing.T) {
	ctx := context.Background()
	c, err := NewSQLite(ctx, ":memory:")
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Set(ctx, "key", "value", time.Millisecond))
	time.Sleep(5 * time.Millisecond)
	found, _, err := c.Get(ctx, "key")
	assert.NoError(t, err)
	assert.False(t, found)
}

func TestSQLitePersists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.db")
	c, err := NewSQLite(ctx, path)
	require.NoError(t, err)
	require.NoError(t, c.Set(ctx, "key", "value", time.Minute))
	require.NoError(t, c.Close())
	assert.NoError(t, c.Close())

	c, err = NewSQLite(ctx, path)
	require.NoError(t, err)
	defer c.Close()
	ok, val, err := Get[string](ctx, c, "key")
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "value", val)
}
