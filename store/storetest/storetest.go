// Package storetest opens throwaway SQLite stores for tests.
package storetest

import (
	"context"
	"testing"

	"github.com/chirpline/newsfeed/logger"
	"github.com/chirpline/newsfeed/store"
	"github.com/stretchr/testify/require"
)

// New returns a migrated in-memory store that is closed with the test.
func New(t testing.TB, opts ...store.Option) *store.SQL {
	t.Helper()
	s, err := store.Open(context.Background(), logger.NewTestLogger(), "sqlite", ":memory:", opts...)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

// Users creates n users and returns them in creation order.
func Users(t testing.TB, s store.Users, names ...string) []store.User {
	t.Helper()
	out := make([]store.User, 0, len(names))
	for _, name := range names {
		u, err := s.CreateUser(context.Background(), name, name+"@example.com")
		require.NoError(t, err)
		out = append(out, u)
	}
	return out
}
