// Package cache provides the key/value store behind the object cache, with
// several backends and a cache-aside helper.
//
// # Implementations
//
//   - [NewInMemory]: in-process maps sharded by xxhash. Values are stored
//     as-is. A janitor goroutine removes expired entries.
//   - [NewRedis]: msgpack values in plain Redis strings with native TTL.
//     The caller owns the client.
//   - [NewSQLite]: msgpack BLOBs in a SQLite table, for single-node
//     deployments that want the cache to survive a restart.
//   - [NewComposite]: tiers checked in order, typically memory in front of
//     Redis. Set and Expire apply to all tiers.
//   - [NewGuarded]: wraps any backend with a [resilience.Breaker].
//
// # Helpers
//
// [Get] decodes a typed value from any backend:
//
//	found, user, err := cache.Get[store.User](ctx, c, "obj:user:1")
//
// [Exec] is the read-through helper:
//
//	found, user, err := cache.Exec(ctx, cache.CacheConfig{Key: key}, c,
//	    func(ctx context.Context) (store.User, bool, error) {
//	        u, err := users.GetUser(ctx, id)
//	        return u, err == nil, err
//	    })
//
// # Error Handling
//
// The cache is never the source of truth. [Exec] reports cache failures to
// CacheConfig.OnError and carries on: a failing Get falls through to the
// invoker and a failing Set still returns the value. Errors from the invoker
// are returned unchanged.
package cache
