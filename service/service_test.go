package service

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/chirpline/newsfeed/cache"
	"github.com/chirpline/newsfeed/config"
	"github.com/chirpline/newsfeed/counter"
	"github.com/chirpline/newsfeed/events"
	"github.com/chirpline/newsfeed/logger"
	"github.com/chirpline/newsfeed/pagination"
	"github.com/chirpline/newsfeed/queue"
	"github.com/chirpline/newsfeed/store"
	"github.com/chirpline/newsfeed/store/storetest"
	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	mr    *miniredis.Miniredis
	store *store.SQL
	jobs  *queue.Memory
	svc   *Service
	log   *logger.TestLogger
}

func setup(t *testing.T) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	f := &fixture{mr: miniredis.RunT(t), log: logger.NewTestLogger()}
	bus := events.NewBus(f.log)
	f.store = storetest.New(t, store.WithPublisher(bus))
	client := redis.NewClient(&redis.Options{Addr: f.mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { client.Close() })
	objects := cache.NewInMemory(ctx)
	t.Cleanup(func() { objects.Close() })

	cfg := config.Default()
	cfg.Cache.ListSizeLimit = 15
	cfg.Fanout.BatchSize = 3
	mux := queue.NewMux(f.log, nil)
	f.jobs = queue.NewMemory(mux, false)
	f.svc = New(cfg, Deps{Store: f.store, Objects: objects, Redis: client, Jobs: f.jobs, Bus: bus, Logger: f.log})
	f.svc.Register(mux)
	t.Cleanup(func() { f.svc.Close() })
	return f
}

func (f *fixture) users(t *testing.T, names ...string) []int64 {
	t.Helper()
	ids := make([]int64, 0, len(names))
	for _, name := range names {
		u, err := f.svc.CreateUser(context.Background(), name, name+"@example.com")
		require.NoError(t, err)
		ids = append(ids, u.ID)
	}
	return ids
}

func (f *fixture) drain(t *testing.T) {
	t.Helper()
	_, err := f.jobs.Drain(context.Background())
	require.NoError(t, err)
}

func (f *fixture) post(t *testing.T, author int64, content string) int64 {
	t.Helper()
	v, err := f.svc.CreatePost(context.Background(), author, content)
	require.NoError(t, err)
	return v.Post.ID
}

func postIDs(views []PostView) []int64 {
	ids := make([]int64, 0, len(views))
	for _, v := range views {
		ids = append(ids, v.Post.ID)
	}
	return ids
}

func (f *fixture) timeline(t *testing.T, user int64) []int64 {
	t.Helper()
	page, err := f.svc.Timeline(context.Background(), user, pagination.Request{PageSize: 100})
	require.NoError(t, err)
	return postIDs(page.Items)
}

func TestAuthorWithThreeFollowersPosts(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	ids := f.users(t, "author", "a", "b", "c")
	for _, follower := range ids[1:] {
		created, err := f.svc.Follow(ctx, follower, ids[0])
		require.NoError(t, err)
		assert.True(t, created)
	}
	older := f.post(t, ids[0], "first")
	f.drain(t)

	p := f.post(t, ids[0], "second")
	assert.Equal(t, []int64{p, older}, f.timeline(t, ids[0]), "author sees the post before fan-out")
	for _, follower := range ids[1:] {
		assert.Equal(t, []int64{older}, f.timeline(t, follower))
	}

	f.drain(t)
	for _, follower := range ids[1:] {
		assert.Equal(t, []int64{p, older}, f.timeline(t, follower))
	}
	n, err := f.store.CountTimelineEntries(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestTimelinePagesThroughOverflow(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	ids := f.users(t, "author", "reader")
	_, err := f.svc.Follow(ctx, ids[1], ids[0])
	require.NoError(t, err)

	var want []int64
	for i := 0; i < 15+5; i++ {
		want = append([]int64{f.post(t, ids[0], "post")}, want...)
	}
	f.drain(t)

	for _, user := range ids {
		var got []int64
		req := pagination.Request{PageSize: 5}
		for {
			page, err := f.svc.Timeline(ctx, user, req)
			require.NoError(t, err)
			got = append(got, postIDs(page.Items)...)
			if !page.HasNext {
				break
			}
			req.Cursor, err = pagination.ParseCursor(page.Next)
			require.NoError(t, err)
		}
		assert.Equal(t, want, got)
	}

	page, err := f.svc.UserPosts(ctx, ids[1], ids[0], pagination.Request{PageSize: 500})
	require.NoError(t, err)
	assert.Equal(t, want, postIDs(page.Items), "page size is clamped, not rejected")
}

func TestLikesUseCounterCache(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	ids := f.users(t, "author", "fan")
	p := f.post(t, ids[0], "like me")
	ref := store.PostRef(p)

	created, err := f.svc.Like(ctx, ids[1], ref)
	require.NoError(t, err)
	assert.True(t, created)
	created, err = f.svc.Like(ctx, ids[1], ref)
	require.NoError(t, err)
	assert.False(t, created, "liking twice counts once")

	v, err := f.svc.Post(ctx, ids[1], p)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v.LikesCount)
	assert.True(t, v.HasLiked)
	assert.True(t, f.mr.Exists("cnt:post:"+itoa(p)+":likes_count"))

	v, err = f.svc.Post(ctx, ids[0], p)
	require.NoError(t, err)
	assert.False(t, v.HasLiked)

	f.mr.FastForward(8 * 24 * time.Hour)
	n, err := f.svc.Count(ctx, ref, store.AttrLikes)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "expired counters refill from the store")

	deleted, err := f.svc.Unlike(ctx, ids[1], ref)
	require.NoError(t, err)
	assert.True(t, deleted)
	n, err = f.svc.Count(ctx, ref, store.AttrLikes)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	_, err = f.svc.Like(ctx, ids[1], store.TargetRef{Kind: "retweet", ID: p})
	assert.True(t, errors.Is(err, ErrInvalid))
}

func TestCommentsCountAndOwnership(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	ids := f.users(t, "author", "commenter")
	p := f.post(t, ids[0], "discuss")

	c, err := f.svc.Comment(ctx, ids[1], p, "nice")
	require.NoError(t, err)
	v, err := f.svc.Post(ctx, 0, p)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v.CommentsCount)

	author, err := f.svc.Author(ctx, store.CommentRef(c.ID))
	require.NoError(t, err)
	assert.Equal(t, ids[1], author)
	author, err = f.svc.Author(ctx, store.PostRef(p))
	require.NoError(t, err)
	assert.Equal(t, ids[0], author)

	err = f.svc.DeleteComment(ctx, ids[0], c.ID)
	assert.True(t, errors.Is(err, ErrForbidden))
	require.NoError(t, f.svc.DeleteComment(ctx, ids[1], c.ID))

	n, err := f.svc.Count(ctx, store.PostRef(p), store.AttrComments)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
	_, err = f.svc.Author(ctx, store.CommentRef(c.ID))
	assert.True(t, store.IsNotFound(err), "deleting a comment invalidates its snapshot")

	_, err = f.svc.Comment(ctx, ids[1], p, "   ")
	assert.True(t, errors.Is(err, ErrInvalid))
}

func TestFollowInvalidatesFollowings(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	ids := f.users(t, "a", "b")

	following, err := f.svc.IsFollowing(ctx, ids[0], ids[1])
	require.NoError(t, err)
	assert.False(t, following)

	_, err = f.svc.Follow(ctx, ids[0], ids[1])
	require.NoError(t, err)
	following, err = f.svc.IsFollowing(ctx, ids[0], ids[1])
	require.NoError(t, err)
	assert.True(t, following)

	_, err = f.svc.Unfollow(ctx, ids[0], ids[1])
	require.NoError(t, err)
	got, err := f.svc.Followings(ctx, ids[0])
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = f.svc.Follow(ctx, ids[0], ids[0])
	assert.True(t, errors.Is(err, ErrInvalid))
	_, err = f.svc.Follow(ctx, ids[0], 999)
	assert.True(t, store.IsNotFound(err))
}

func TestProfileUpdateInvalidatesSnapshot(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	ids := f.users(t, "ada")

	p, err := f.svc.Profile(ctx, ids[0])
	require.NoError(t, err)
	assert.Empty(t, p.Nickname)

	p.Nickname = "Countess"
	_, err = f.svc.UpdateProfile(ctx, p)
	require.NoError(t, err)
	p, err = f.svc.Profile(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, "Countess", p.Nickname)

	_, err = f.svc.Profile(ctx, 999)
	assert.True(t, store.IsNotFound(err))
}

func TestDeletedPostsDisappear(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	ids := f.users(t, "author", "reader")
	_, err := f.svc.Follow(ctx, ids[1], ids[0])
	require.NoError(t, err)
	keep := f.post(t, ids[0], "keep")
	gone := f.post(t, ids[0], "gone")
	f.drain(t)
	assert.Equal(t, []int64{gone, keep}, f.timeline(t, ids[1]))

	err = f.svc.DeletePost(ctx, ids[1], gone)
	assert.True(t, errors.Is(err, ErrForbidden))
	require.NoError(t, f.svc.DeletePost(ctx, ids[0], gone))

	assert.Equal(t, []int64{keep}, f.timeline(t, ids[1]))
	page, err := f.svc.UserPosts(ctx, 0, ids[0], pagination.Request{})
	require.NoError(t, err)
	assert.Equal(t, []int64{keep}, postIDs(page.Items))
	_, err = f.svc.Post(ctx, 0, gone)
	assert.True(t, store.IsNotFound(err))
}

func TestDeletingPostForgetsItsComments(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	ids := f.users(t, "author", "commenter")
	p := f.post(t, ids[0], "short lived")
	c, err := f.svc.Comment(ctx, ids[1], p, "first")
	require.NoError(t, err)
	_, err = f.svc.Like(ctx, ids[0], store.CommentRef(c.ID))
	require.NoError(t, err)

	author, err := f.svc.Author(ctx, store.CommentRef(c.ID))
	require.NoError(t, err)
	assert.Equal(t, ids[1], author)
	n, err := f.svc.Count(ctx, store.CommentRef(c.ID), store.AttrLikes)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, f.svc.DeletePost(ctx, ids[0], p))

	_, err = f.svc.Author(ctx, store.CommentRef(c.ID))
	assert.True(t, store.IsNotFound(err), "comment snapshot is dropped")
	_, err = f.svc.Count(ctx, store.CommentRef(c.ID), store.AttrLikes)
	assert.True(t, store.IsNotFound(err), "comment counter is dropped")
	assert.False(t, f.mr.Exists(counter.For(store.CommentRef(c.ID), store.AttrLikes).String()))
}

func TestRefillCounts(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	ids := f.users(t, "author", "fan")
	p := f.post(t, ids[0], "count me")
	_, err := f.svc.Like(ctx, ids[1], store.PostRef(p))
	require.NoError(t, err)

	_, err = f.store.DB().ExecContext(ctx, `UPDATE posts SET likes_count = 42 WHERE id = ?`, p)
	require.NoError(t, err)
	require.NoError(t, f.mr.Set("cnt:post:"+itoa(p)+":likes_count", "42"))

	changed, dropped, err := f.svc.RefillCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), changed)
	assert.GreaterOrEqual(t, dropped, 1)

	n, err := f.svc.Count(ctx, store.PostRef(p), store.AttrLikes)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestReadsSurviveRedisOutage(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	ids := f.users(t, "author", "reader")
	_, err := f.svc.Follow(ctx, ids[1], ids[0])
	require.NoError(t, err)
	before := f.post(t, ids[0], "before")
	f.drain(t)
	f.mr.Close()

	p := f.post(t, ids[0], "during")
	_, err = f.svc.Like(ctx, ids[1], store.PostRef(p))
	require.NoError(t, err)
	f.drain(t)

	assert.Equal(t, []int64{p, before}, f.timeline(t, ids[0]))
	assert.Equal(t, []int64{p, before}, f.timeline(t, ids[1]))
	v, err := f.svc.Post(ctx, ids[1], p)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v.LikesCount)
	assert.Positive(t, f.log.Count("WARNING", "failed"))
}

func TestCreatePostValidation(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	ids := f.users(t, "author")
	_, err := f.svc.CreatePost(ctx, ids[0], "")
	assert.True(t, errors.Is(err, ErrInvalid))
	_, err = f.svc.CreatePost(ctx, 999, "hello")
	assert.True(t, store.IsNotFound(err))
	_, err = f.svc.CreateUser(ctx, " ", "x@example.com")
	assert.True(t, errors.Is(err, ErrInvalid))
}
