package pagination

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/chirpline/newsfeed/listcache"
	"github.com/chirpline/newsfeed/store"
	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type entry struct {
	ID int64 `msgpack:"id"`
	At int64 `msgpack:"at"`
}

func (e entry) Timestamp() int64 { return e.At }

// table is a durable source that counts its queries.
type table struct {
	rows    []entry // newest first
	queries []store.Range
}

func newTable(n int) *table {
	t := &table{}
	for i := n; i >= 1; i-- {
		t.rows = append(t.rows, entry{ID: int64(i), At: int64(i) * 10})
	}
	return t
}

func (t *table) source(ctx context.Context, r store.Range) ([]entry, error) {
	t.queries = append(t.queries, r)
	var out []entry
	for _, e := range t.rows {
		if r.Before > 0 && e.At >= r.Before {
			continue
		}
		if r.After > 0 && e.At <= r.After {
			continue
		}
		out = append(out, e)
	}
	if r.Ascending {
		slices.Reverse(out)
	}
	if r.Limit > 0 && len(out) > r.Limit {
		out = out[:r.Limit]
	}
	return out, nil
}

const limit = 15

func setup(t *testing.T, opts ...Option) *Reader[entry] {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	lists := listcache.New[entry](client, listcache.WithLimit(limit), listcache.WithTTL(time.Hour))
	return NewReader(lists, opts...)
}

func ids(items []entry) []int64 {
	out := make([]int64, len(items))
	for i, e := range items {
		out[i] = e.ID
	}
	return out
}

func seq(from, to int64) []int64 {
	var out []int64
	for i := from; i >= to; i-- {
		out = append(out, i)
	}
	return out
}

func TestPageSizeClamp(t *testing.T) {
	r := setup(t, WithPageSizes(20, 100))
	assert.Equal(t, 20, r.PageSize(0))
	assert.Equal(t, 20, r.PageSize(-3))
	assert.Equal(t, 7, r.PageSize(7))
	assert.Equal(t, 100, r.PageSize(1000))
}

// An owner with exactly limit+page_size items: the first page comes from the
// cache, the page after the oldest cached item comes from the durable store.
func TestReadOverflowsCachedWindow(t *testing.T) {
	ctx := context.Background()
	const size = 5
	r := setup(t)
	tbl := newTable(limit + size)

	// warm the cache
	_, err := r.Read(ctx, "list:k", tbl.source, Request{PageSize: size})
	require.NoError(t, err)
	tbl.queries = nil

	page, err := r.Read(ctx, "list:k", tbl.source, Request{PageSize: size})
	require.NoError(t, err)
	assert.Equal(t, seq(20, 16), ids(page.Items))
	assert.True(t, page.HasNext)
	assert.Empty(t, tbl.queries, "first page is served from the cache")

	oldestCached := int64(size+1) * 10 // id 6, the 15th newest
	page, err = r.Read(ctx, "list:k", tbl.source, Request{Cursor: Before(oldestCached), PageSize: size})
	require.NoError(t, err)
	assert.Equal(t, seq(5, 1), ids(page.Items))
	assert.False(t, page.HasNext)
	assert.Empty(t, page.Next)
	require.Len(t, tbl.queries, 1)
	assert.Equal(t, store.Range{Before: oldestCached, Limit: size + 1}, tbl.queries[0])
}

func TestReadOlderWithinCache(t *testing.T) {
	ctx := context.Background()
	r := setup(t)
	tbl := newTable(40)
	_, err := r.Read(ctx, "list:k", tbl.source, Request{})
	require.NoError(t, err)
	tbl.queries = nil

	page, err := r.Read(ctx, "list:k", tbl.source, Request{Cursor: Before(375), PageSize: 4})
	require.NoError(t, err)
	assert.Equal(t, seq(37, 34), ids(page.Items))
	assert.True(t, page.HasNext)
	assert.Equal(t, "lt_340", page.Next)
	assert.Empty(t, tbl.queries)
}

func TestReadOlderPastCompleteList(t *testing.T) {
	ctx := context.Background()
	r := setup(t)
	tbl := newTable(6)
	_, err := r.Read(ctx, "list:k", tbl.source, Request{})
	require.NoError(t, err)
	tbl.queries = nil

	page, err := r.Read(ctx, "list:k", tbl.source, Request{Cursor: Before(10), PageSize: 3})
	require.NoError(t, err)
	assert.Empty(t, page.Items)
	assert.False(t, page.HasNext)
	assert.Empty(t, tbl.queries)

	page, err = r.Read(ctx, "list:k", tbl.source, Request{Cursor: Before(35), PageSize: 10})
	require.NoError(t, err)
	assert.Equal(t, seq(3, 1), ids(page.Items))
	assert.False(t, page.HasNext)
	assert.Empty(t, tbl.queries)
}

func TestReadNewerIsCappedAndBypassesCache(t *testing.T) {
	ctx := context.Background()
	r := setup(t)
	tbl := newTable(30)

	page, err := r.Read(ctx, "list:k", tbl.source, Request{Cursor: After(100), PageSize: 5})
	require.NoError(t, err)
	assert.Equal(t, seq(15, 11), ids(page.Items))
	assert.True(t, page.HasNext)
	assert.Equal(t, "gt_150", page.Next)
	assert.Equal(t, []store.Range{{After: 100, Limit: 6, Ascending: true}}, tbl.queries)

	page, err = r.Read(ctx, "list:k", tbl.source, Request{Cursor: After(270), PageSize: 5})
	require.NoError(t, err)
	assert.Equal(t, seq(30, 28), ids(page.Items))
	assert.False(t, page.HasNext)
}

func TestReadRejectsZeroCursor(t *testing.T) {
	ctx := context.Background()
	r := setup(t)
	tbl := newTable(30)

	for _, c := range []*Cursor{Before(0), After(0), After(-3)} {
		_, err := r.Read(ctx, "list:zero", tbl.source, Request{Cursor: c})
		assert.True(t, errors.Is(err, ErrBadCursor), c.String())
	}
	assert.Empty(t, tbl.queries)
}

func TestReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	for _, n := range []int{0, 1, limit - 1, limit, limit + 1, 3*limit + 2} {
		for _, size := range []int{1, 4, limit, 50} {
			r := setup(t)
			tbl := newTable(n)
			var got []int64
			req := Request{PageSize: size}
			for pages := 0; ; pages++ {
				require.Less(t, pages, n+2, "pagination does not terminate")
				page, err := r.Read(ctx, "list:k", tbl.source, req)
				require.NoError(t, err)
				got = append(got, ids(page.Items)...)
				if !page.HasNext {
					break
				}
				req.Cursor, err = ParseCursor(page.Next)
				require.NoError(t, err)
			}
			if n == 0 {
				assert.Empty(t, got)
				continue
			}
			assert.Equal(t, seq(int64(n), 1), got, "n=%d size=%d", n, size)
		}
	}
}
