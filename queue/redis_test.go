package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/chirpline/newsfeed/logger"
	"github.com/chirpline/newsfeed/resilience"
	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisQueue(t *testing.T, mux *Mux, opts ...RedisOption) (*miniredis.Miniredis, *Redis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	q := NewRedis(client, mux, append([]RedisOption{
		WithConcurrency(2),
		WithBlock(20 * time.Millisecond),
		WithClaimIdle(0),
		WithBackoff(resilience.RetryConfig{InitialBackoff: time.Millisecond, BackoffMultiplier: 1}),
	}, opts...)...)
	return mr, q
}

func run(t *testing.T, q *Redis, queues ...string) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, q.Run(ctx, queues...))
	}()
	stop := func() {
		cancel()
		wg.Wait()
	}
	t.Cleanup(stop)
	return stop
}

func TestRedisEnqueueAndConsume(t *testing.T) {
	mux := NewMux(logger.NewTestLogger(), nil)
	got := make(chan string, 10)
	mux.Handle("greet", Typed(func(ctx context.Context, args greet) error {
		got <- args.Name
		return nil
	}))
	mr, q := newRedisQueue(t, mux)

	ctx := context.Background()
	_, err := q.Enqueue(ctx, "newsfeeds", "greet", greet{Name: "ada"})
	require.NoError(t, err)
	assert.True(t, mr.Exists(StreamKey("newsfeeds")))

	stop := run(t, q, "default", "newsfeeds")
	_, err = q.Enqueue(ctx, "newsfeeds", "greet", greet{Name: "grace"})
	require.NoError(t, err)

	var names []string
	for len(names) < 2 {
		select {
		case n := <-got:
			names = append(names, n)
		case <-time.After(5 * time.Second):
			t.Fatal("jobs were not consumed")
		}
	}
	assert.ElementsMatch(t, []string{"ada", "grace"}, names)
	stop()
}

func TestRedisRetryThenDead(t *testing.T) {
	mux := NewMux(logger.NewTestLogger(), nil)
	var calls atomic.Int32
	mux.Handle("flaky", func(ctx context.Context, job *Job) error {
		calls.Add(1)
		return errors.New("still broken")
	}, WithMaxRetries(2))
	_, q := newRedisQueue(t, mux)

	ctx := context.Background()
	_, err := q.Enqueue(ctx, "default", "flaky", nil)
	require.NoError(t, err)
	stop := run(t, q, "default")

	require.Eventually(t, func() bool {
		dead, err := q.Dead(ctx, "default")
		return err == nil && len(dead) == 1
	}, 5*time.Second, 10*time.Millisecond)
	stop()

	assert.Equal(t, int32(3), calls.Load())
	dead, err := q.Dead(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, "flaky", dead[0].Name)
	assert.Equal(t, 2, dead[0].Attempt)
	assert.Equal(t, "still broken", dead[0].LastError)
}

func TestRedisRunRecreatesGroupIdempotently(t *testing.T) {
	mux := NewMux(logger.NewTestLogger(), nil)
	_, q := newRedisQueue(t, mux)
	ctx := context.Background()
	require.NoError(t, q.ensureGroup(ctx, "default"))
	require.NoError(t, q.ensureGroup(ctx, "default"))
}

func TestRedisSlowJobIsNotReclaimedWhileRunning(t *testing.T) {
	mux := NewMux(logger.NewTestLogger(), nil)
	var runs, active, peak atomic.Int32
	mux.Handle("slow", func(ctx context.Context, job *Job) error {
		runs.Add(1)
		n := active.Add(1)
		defer active.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		select {
		case <-time.After(400 * time.Millisecond):
		case <-ctx.Done():
		}
		return nil
	}, WithTimeout(time.Hour))
	_, q := newRedisQueue(t, mux, WithConcurrency(1), WithClaimIdle(50*time.Millisecond))

	ctx := context.Background()
	_, err := q.Enqueue(ctx, "newsfeeds", "slow", nil)
	require.NoError(t, err)
	stop := run(t, q, "newsfeeds")

	require.Eventually(t, func() bool { return runs.Load() == 1 && active.Load() == 0 },
		3*time.Second, 10*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	stop()

	assert.Equal(t, int32(1), runs.Load())
	assert.Equal(t, int32(1), peak.Load())
}

func TestRedisReclaimIdleCoversTimeLimitAndBackoff(t *testing.T) {
	mux := NewMux(logger.NewTestLogger(), nil)
	mux.Handle("fanout", func(ctx context.Context, job *Job) error { return nil },
		WithTimeout(time.Hour), WithMaxRetries(3))
	mux.Handle("batch", func(ctx context.Context, job *Job) error { return nil },
		WithTimeout(10*time.Minute))

	_, q := newRedisQueue(t, mux,
		WithClaimIdle(time.Minute),
		WithBackoff(resilience.RetryConfig{InitialBackoff: time.Second, MaxBackoff: 5 * time.Second, BackoffMultiplier: 2}),
	)
	assert.Equal(t, time.Hour+5*time.Second+claimMargin, q.reclaimIdle())

	_, q = newRedisQueue(t, mux, WithClaimIdle(3*time.Hour))
	assert.Equal(t, 3*time.Hour, q.reclaimIdle(), "a longer configured idle is kept")

	_, q = newRedisQueue(t, mux)
	assert.Zero(t, q.reclaimIdle(), "zero keeps reclaiming disabled")
}

func TestRedisReclaimsJobOfCrashedConsumer(t *testing.T) {
	log := logger.NewTestLogger()
	mux := NewMux(log, nil)
	got := make(chan string, 10)
	mux.Handle("greet", Typed(func(ctx context.Context, args greet) error {
		got <- args.Name
		return nil
	}))
	mr, q := newRedisQueue(t, mux, WithClaimIdle(50*time.Millisecond))

	ctx := context.Background()
	require.NoError(t, q.ensureGroup(ctx, "default"))
	_, err := q.Enqueue(ctx, "default", "greet", greet{Name: "lost"})
	require.NoError(t, err)

	// a consumer that reads the job and dies before acknowledging it
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	streams, err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    Group,
		Consumer: "crashed",
		Streams:  []string{StreamKey("default"), ">"},
		Count:    1,
	}).Result()
	require.NoError(t, err)
	require.Len(t, streams[0].Messages, 1)

	run(t, q, "default")
	select {
	case name := <-got:
		assert.Equal(t, "lost", name)
	case <-time.After(5 * time.Second):
		t.Fatal("pending job was never reclaimed")
	}
	assert.Equal(t, 1, log.Count("WARNING", "have no time limit"))
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "queue:newsfeeds", StreamKey("newsfeeds"))
	assert.Equal(t, "queue:newsfeeds:dead", DeadKey("newsfeeds"))
}
