package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/chirpline/newsfeed/logger"
	"github.com/chirpline/newsfeed/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupEnv(t *testing.T) string {
	t.Helper()
	mr := miniredis.RunT(t)
	dsn := "file:" + filepath.Join(t.TempDir(), "newsfeed.db") + "?_pragma=busy_timeout(5000)"
	t.Setenv("NEWSFEED_DATABASE_DRIVER", "sqlite")
	t.Setenv("NEWSFEED_DATABASE_DSN", dsn)
	t.Setenv("NEWSFEED_REDIS_ADDR", mr.Addr())
	t.Setenv("NEWSFEED_CACHE_BACKEND", "memory")
	t.Setenv("NEWSFEED_QUEUE_DRIVER", "memory")
	t.Setenv("NEWSFEED_OTLP_URL", "")
	return dsn
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--env-file", "", "--log-level", "error"}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestFanoutCommandFillsTimelines(t *testing.T) {
	dsn := setupEnv(t)
	_, err := run(t, "migrate")
	require.NoError(t, err)

	ctx := context.Background()
	st, err := store.Open(ctx, logger.NewTestLogger(), "sqlite", dsn)
	require.NoError(t, err)
	alice, err := st.CreateUser(ctx, "alice", "alice@example.com")
	require.NoError(t, err)
	bob, err := st.CreateUser(ctx, "bob", "bob@example.com")
	require.NoError(t, err)
	_, err = st.Follow(ctx, bob.ID, alice.ID)
	require.NoError(t, err)
	post, err := st.CreatePost(ctx, alice.ID, "hello from the cli")
	require.NoError(t, err)
	require.NoError(t, st.Close())

	out, err := run(t, "timeline", "--user", itoa(bob.ID))
	require.NoError(t, err)
	assert.Empty(t, out)

	_, err = run(t, "fanout", "--post", itoa(post.ID))
	require.NoError(t, err)

	out, err = run(t, "timeline", "--user", itoa(bob.ID))
	require.NoError(t, err)
	assert.Contains(t, out, `"hello from the cli"`)
	assert.NotContains(t, out, "next:")
}

func TestRefillCountsCommand(t *testing.T) {
	setupEnv(t)
	_, err := run(t, "migrate")
	require.NoError(t, err)

	out, err := run(t, "refill-counts")
	require.NoError(t, err)
	assert.Equal(t, "corrected 0 rows, dropped 0 cached counters\n", out)
}

func TestCommandValidation(t *testing.T) {
	setupEnv(t)

	_, err := run(t, "fanout")
	assert.ErrorContains(t, err, "--post is required")

	_, err = run(t, "timeline", "--user", "1", "--cursor", "sideways")
	assert.Error(t, err)

	t.Setenv("NEWSFEED_CACHE_BACKEND", "floppy")
	_, err = run(t, "refill-counts")
	assert.ErrorContains(t, err, "floppy")
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
