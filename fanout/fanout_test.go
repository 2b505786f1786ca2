package fanout

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/chirpline/newsfeed/listcache"
	"github.com/chirpline/newsfeed/logger"
	"github.com/chirpline/newsfeed/queue"
	"github.com/chirpline/newsfeed/resilience"
	"github.com/chirpline/newsfeed/store"
	"github.com/chirpline/newsfeed/store/storetest"
	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	mr        *miniredis.Miniredis
	store     *store.SQL
	jobs      *queue.Memory
	timelines *listcache.Cache[store.TimelineEntry]
	pipeline  *Pipeline
	log       *logger.TestLogger
}

func setup(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{mr: miniredis.RunT(t), store: storetest.New(t), log: logger.NewTestLogger()}
	client := redis.NewClient(&redis.Options{Addr: f.mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { client.Close() })
	f.timelines = listcache.New[store.TimelineEntry](client, listcache.WithLimit(15))
	mux := queue.NewMux(f.log, nil)
	f.jobs = queue.NewMemory(mux, false)
	f.pipeline = New(f.store, f.jobs, f.timelines, append([]Option{WithLogger(f.log)}, opts...)...)
	f.pipeline.Register(mux)
	return f
}

func (f *fixture) timeline(t *testing.T, owner int64) []int64 {
	t.Helper()
	entries, err := f.timelines.Load(context.Background(), listcache.TimelineKey(owner), f.pipeline.Fill(owner))
	require.NoError(t, err)
	ids := make([]int64, 0, len(entries))
	for _, e := range entries {
		require.NotNil(t, e.PostID)
		ids = append(ids, *e.PostID)
	}
	return ids
}

func (f *fixture) follow(t *testing.T, followee int64, followers ...store.User) {
	t.Helper()
	for _, u := range followers {
		_, err := f.store.Follow(context.Background(), u.ID, followee)
		require.NoError(t, err)
	}
}

func (f *fixture) post(t *testing.T, author int64, content string) store.Post {
	t.Helper()
	p, err := f.store.CreatePost(context.Background(), author, content)
	require.NoError(t, err)
	require.NoError(t, f.pipeline.Publish(context.Background(), p))
	return p
}

func (f *fixture) drain(t *testing.T) int {
	t.Helper()
	n, err := f.jobs.Drain(context.Background())
	require.NoError(t, err)
	return n
}

func TestAuthorSeesPostBeforeFanout(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	users := storetest.Users(t, f.store, "author", "a", "b", "c")
	author := users[0]
	f.follow(t, author.ID, users[1:]...)

	assert.Empty(t, f.timeline(t, users[1].ID))

	p := f.post(t, author.ID, "hello")
	assert.Equal(t, []int64{p.ID}, f.timeline(t, author.ID))
	for _, u := range users[1:] {
		assert.Empty(t, f.timeline(t, u.ID))
	}
	n, err := f.store.CountTimelineEntries(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, 2, f.drain(t), "one main job and one batch")

	n, err = f.store.CountTimelineEntries(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	for _, u := range users {
		assert.Equal(t, []int64{p.ID}, f.timeline(t, u.ID))
	}
}

func TestFanoutSplitsIntoBatches(t *testing.T) {
	ctx := context.Background()
	f := setup(t, WithBatchSize(2))
	users := storetest.Users(t, f.store, "author", "a", "b", "c", "d", "e")
	author := users[0]
	f.follow(t, author.ID, users[1:]...)

	p := f.post(t, author.ID, "hello")
	assert.Equal(t, 4, f.drain(t), "one main job and three batches")

	n, err := f.store.CountTimelineEntries(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Empty(t, f.jobs.Dead())
}

func TestTimelinesStayNewestFirst(t *testing.T) {
	f := setup(t, WithBatchSize(1))
	users := storetest.Users(t, f.store, "x", "y", "reader")
	reader := users[2]
	f.follow(t, users[0].ID, reader)
	f.follow(t, users[1].ID, reader)

	var want []int64
	for i := 0; i < 20; i++ {
		p := f.post(t, users[i%2].ID, "post")
		want = append([]int64{p.ID}, want...)
		if i%3 == 0 {
			f.drain(t)
		}
	}
	f.drain(t)

	assert.Equal(t, want[:15], f.timeline(t, reader.ID), "pushes keep the newest items cached")

	require.NoError(t, f.timelines.Invalidate(context.Background(), listcache.TimelineKey(reader.ID)))
	assert.Equal(t, want, f.timeline(t, reader.ID), "cold load returns everything")
	assert.Equal(t, want[:15], f.timeline(t, reader.ID))
}

func TestBatchRetryIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	users := storetest.Users(t, f.store, "author", "a", "b")
	author := users[0]
	f.follow(t, author.ID, users[1:]...)
	p := f.post(t, author.ID, "hello")
	f.drain(t)

	// warm a follower cache, then replay the batch
	assert.Equal(t, []int64{p.ID}, f.timeline(t, users[1].ID))
	args := BatchArgs{PostID: p.ID, CreatedAt: store.Nanos(p.CreatedAt), FollowerIDs: []int64{users[1].ID, users[2].ID}}
	require.NoError(t, f.pipeline.Batch(ctx, args))
	require.NoError(t, f.pipeline.Batch(ctx, args))

	n, err := f.store.CountTimelineEntries(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.False(t, f.mr.Exists(listcache.TimelineKey(users[1].ID)), "replayed owners are refilled from the store")
	assert.Equal(t, []int64{p.ID}, f.timeline(t, users[1].ID))
}

func TestFanoutOfDeletedPostIsNoop(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	users := storetest.Users(t, f.store, "author", "a")
	f.follow(t, users[0].ID, users[1])
	p := f.post(t, users[0].ID, "oops")
	require.NoError(t, f.store.DeletePost(ctx, p.ID))

	assert.Equal(t, 1, f.drain(t))
	assert.Empty(t, f.jobs.Dead())
	assert.Equal(t, 1, f.log.Count("INFO", "nothing to fan out"))
}

type failingQueue struct{ calls int }

func (q *failingQueue) Enqueue(ctx context.Context, queue, name string, args any) (string, error) {
	q.calls++
	return "", errors.New("broker down")
}

func TestPublishSurvivesEnqueueFailure(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	st := storetest.New(t)
	log := logger.NewTestLogger()
	jobs := &failingQueue{}
	p := New(st, jobs, listcache.New[store.TimelineEntry](client), WithLogger(log),
		WithEnqueueRetry(resilience.RetryConfig{MaxRetries: 2, InitialBackoff: time.Millisecond}))

	users := storetest.Users(t, st, "author")
	post, err := st.CreatePost(ctx, users[0].ID, "hi")
	require.NoError(t, err)
	require.NoError(t, p.Publish(ctx, post))
	assert.Equal(t, 3, jobs.calls)
	assert.Equal(t, 1, log.Count("ERROR", "could not schedule fan-out"))

	n, err := st.CountTimelineEntries(ctx, post.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestBatchReportsCacheFailures(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	users := storetest.Users(t, f.store, "author", "a")
	post, err := f.store.CreatePost(ctx, users[0].ID, "hi")
	require.NoError(t, err)
	f.mr.Close()

	err = f.pipeline.Batch(ctx, BatchArgs{PostID: post.ID, CreatedAt: store.Nanos(post.CreatedAt), FollowerIDs: []int64{users[1].ID}})
	require.Error(t, err)
	n, err := f.store.CountTimelineEntries(ctx, post.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "the durable entry is written regardless")
}
