package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chirpline/newsfeed/logger"
	"github.com/chirpline/newsfeed/resilience"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const (
	// Group is the consumer group every worker joins.
	Group = "workers"

	payloadField = "payload"
)

// StreamKey is the Redis stream backing a queue.
func StreamKey(queue string) string { return "queue:" + queue }

// DeadKey is the Redis list of jobs that exhausted their retries.
func DeadKey(queue string) string { return "queue:" + queue + ":dead" }

type RedisOption func(*Redis)

// WithConcurrency sets the number of consumers per queue.
func WithConcurrency(n int) RedisOption {
	return func(q *Redis) { q.concurrency = n }
}

// WithBlock sets how long a consumer waits for new jobs before polling
// again. It bounds how quickly Run returns after cancellation.
func WithBlock(d time.Duration) RedisOption {
	return func(q *Redis) { q.block = d }
}

// WithClaimIdle sets after how long a delivered but unacknowledged job is
// taken over from its consumer. Zero disables reclaiming. Run raises it to
// cover the longest handler time limit and retry backoff.
func WithClaimIdle(d time.Duration) RedisOption {
	return func(q *Redis) { q.claimIdle = d }
}

// WithMaxLen caps every stream at about n entries.
func WithMaxLen(n int64) RedisOption {
	return func(q *Redis) { q.maxLen = n }
}

// WithBackoff sets the delay policy between attempts of a failing job.
func WithBackoff(c resilience.RetryConfig) RedisOption {
	return func(q *Redis) { q.backoff = c }
}

// WithConsumerName sets the prefix of the consumer names of this process.
func WithConsumerName(name string) RedisOption {
	return func(q *Redis) { q.consumer = name }
}

func WithRedisLogger(l logger.Logger) RedisOption {
	return func(q *Redis) { q.logger = l }
}

// claimMargin is added to the derived reclaim idle time to absorb the
// delay between reading a message and starting its handler.
const claimMargin = time.Second

// Redis is a queue on Redis streams with one consumer group per stream.
type Redis struct {
	client      redis.UniversalClient
	mux         *Mux
	consumer    string
	concurrency int
	block       time.Duration
	claimIdle   time.Duration
	maxLen      int64
	backoff     resilience.RetryConfig
	logger      logger.Logger
}

var (
	_ Enqueuer = (*Redis)(nil)
	_ Worker   = (*Redis)(nil)
)

func NewRedis(client redis.UniversalClient, mux *Mux, opts ...RedisOption) *Redis {
	q := &Redis{
		client:      client,
		mux:         mux,
		consumer:    uuid.NewString()[:8],
		concurrency: 4,
		block:       2 * time.Second,
		claimIdle:   time.Minute,
		maxLen:      100_000,
		backoff:     resilience.DefaultRetryConfig(),
		logger:      mux.logger,
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = q.logger.With(map[string]interface{}{"component": "queue"})
	if q.concurrency <= 0 {
		q.concurrency = 1
	}
	return q
}

func (q *Redis) Enqueue(ctx context.Context, queue, name string, args any) (string, error) {
	job, err := NewJob(queue, name, args)
	if err != nil {
		return "", err
	}
	// inject the trace context into the headers before starting a span
	propagator.Inject(ctx, job.Headers)

	ctx, span := tracer.Start(ctx, "Enqueue "+name, trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()

	if err := q.add(ctx, job); err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return "", err
	}
	span.SetStatus(codes.Ok, "job enqueued")
	return job.ID, nil
}

func (q *Redis) add(ctx context.Context, job *Job) error {
	payload, err := msgpack.Marshal(job)
	if err != nil {
		return errors.Wrap(err, "failed to marshal job")
	}
	err = q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamKey(job.Queue),
		Approx: true,
		MaxLen: q.maxLen,
		Values: map[string]interface{}{payloadField: payload},
	}).Err()
	if err != nil {
		return errors.Wrapf(err, "failed to add %s", job)
	}
	return nil
}

func (q *Redis) ensureGroup(ctx context.Context, queue string) error {
	err := q.client.XGroupCreateMkStream(ctx, StreamKey(queue), Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return errors.Wrapf(err, "failed to create consumer group for %s", queue)
	}
	return nil
}

// Run consumes queues until ctx is done. It returns nil after cancellation.
func (q *Redis) Run(ctx context.Context, queues ...string) error {
	for _, queue := range queues {
		if err := q.ensureGroup(ctx, queue); err != nil {
			return err
		}
	}
	idle := q.reclaimIdle()
	g, ctx := errgroup.WithContext(ctx)
	for _, queue := range queues {
		for i := 0; i < q.concurrency; i++ {
			consumer := fmt.Sprintf("%s-%s-%d", q.consumer, queue, i)
			g.Go(func() error { return q.consume(ctx, queue, consumer) })
		}
		if idle > 0 {
			consumer := fmt.Sprintf("%s-%s-claim", q.consumer, queue)
			g.Go(func() error { return q.reclaim(ctx, queue, consumer, idle) })
		}
	}
	q.logger.Info("consuming %s with %d workers each", strings.Join(queues, ", "), q.concurrency)
	return g.Wait()
}

func (q *Redis) consume(ctx context.Context, queue, consumer string) error {
	var failures int
	for ctx.Err() == nil {
		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    Group,
			Consumer: consumer,
			Streams:  []string{StreamKey(queue), ">"},
			Count:    1,
			Block:    q.block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			q.logger.Warn("read from %s failed: %s", queue, err)
			if !sleep(ctx, resilience.Backoff(failures, q.backoff)) {
				return nil
			}
			failures++
			continue
		}
		failures = 0
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				q.handle(ctx, queue, msg)
			}
		}
	}
	return nil
}

// reclaimIdle is how long a message stays pending before another consumer
// takes it over. It is never shorter than the longest handler time limit
// plus the longest retry backoff, since a message stays pending while its
// job runs and while a failed job waits to be requeued.
func (q *Redis) reclaimIdle() time.Duration {
	if q.claimIdle <= 0 {
		return 0
	}
	timeout, retries, unbounded := q.mux.limits()
	backoff := q.backoff
	backoff.Jitter = false
	var wait time.Duration
	for attempt := 0; attempt <= retries; attempt++ {
		wait = max(wait, resilience.Backoff(attempt, backoff))
	}
	if q.backoff.Jitter {
		wait += wait / 5
	}
	idle := max(q.claimIdle, timeout+wait+claimMargin)
	if idle != q.claimIdle {
		q.logger.Debug("reclaim idle raised from %s to %s", q.claimIdle, idle)
	}
	if len(unbounded) > 0 {
		q.logger.Warn("jobs %s have no time limit and are reclaimed after %s even if still running",
			strings.Join(unbounded, ", "), idle)
	}
	return idle
}

// reclaim takes over jobs that a crashed consumer never acknowledged.
func (q *Redis) reclaim(ctx context.Context, queue, consumer string, idle time.Duration) error {
	ticker := time.NewTicker(idle)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		start := "0-0"
		for {
			msgs, next, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
				Stream:   StreamKey(queue),
				Group:    Group,
				Consumer: consumer,
				MinIdle:  idle,
				Start:    start,
				Count:    10,
			}).Result()
			if err != nil {
				if ctx.Err() == nil {
					q.logger.Warn("reclaim on %s failed: %s", queue, err)
				}
				break
			}
			for _, msg := range msgs {
				q.logger.Debug("reclaimed %s on %s", msg.ID, queue)
				q.handle(ctx, queue, msg)
			}
			if next == "0-0" || len(msgs) == 0 {
				break
			}
			start = next
		}
	}
}

func (q *Redis) handle(ctx context.Context, queue string, msg redis.XMessage) {
	stream := StreamKey(queue)
	payload, _ := msg.Values[payloadField].(string)
	var job Job
	if err := msgpack.Unmarshal([]byte(payload), &job); err != nil {
		q.logger.Error("dropping undecodable message %s on %s: %s", msg.ID, queue, err)
		q.client.LPush(ctx, DeadKey(queue), payload)
		q.client.XAck(ctx, stream, Group, msg.ID)
		return
	}
	if job.Headers == nil {
		job.Headers = Headers{}
	}
	job.Queue = queue

	res, err := q.mux.execute(ctx, &job)
	if err != nil && ctx.Err() != nil {
		// shutting down; leave the job pending for another consumer
		return
	}
	switch res {
	case retry:
		delay := resilience.Backoff(job.Attempt, q.backoff)
		q.logger.Warn("job %s failed, retrying in %s: %s", &job, delay, err)
		if !sleep(ctx, delay) {
			return
		}
		next := job
		next.Attempt++
		if err := q.add(ctx, &next); err != nil {
			q.logger.Error("failed to requeue %s: %s", &job, err)
			return
		}
	case dead:
		q.logger.Error("job %s failed permanently: %s", &job, err)
		job.LastError = err.Error()
		buf, merr := msgpack.Marshal(&job)
		if merr == nil {
			merr = q.client.LPush(ctx, DeadKey(queue), buf).Err()
		}
		if merr != nil {
			q.logger.Error("failed to record dead job %s: %s", &job, merr)
		}
	}
	if err := q.client.XAck(ctx, stream, Group, msg.ID).Err(); err != nil {
		q.logger.Warn("failed to ack %s on %s: %s", msg.ID, queue, err)
	}
}

// Dead returns the jobs of queue that exhausted their retries, most recent
// first.
func (q *Redis) Dead(ctx context.Context, queue string) ([]Job, error) {
	raw, err := q.client.LRange(ctx, DeadKey(queue), 0, -1).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read dead jobs of %s", queue)
	}
	jobs := make([]Job, 0, len(raw))
	for _, buf := range raw {
		var job Job
		if err := msgpack.Unmarshal([]byte(buf), &job); err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
