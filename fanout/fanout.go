// Package fanout propagates new posts into the home timelines of their
// authors' followers. The author's own entry is written synchronously, the
// followers' entries by background jobs in fixed size batches.
package fanout

import (
	"context"
	"time"

	"github.com/chirpline/newsfeed/listcache"
	"github.com/chirpline/newsfeed/logger"
	"github.com/chirpline/newsfeed/metrics"
	"github.com/chirpline/newsfeed/queue"
	"github.com/chirpline/newsfeed/resilience"
	"github.com/chirpline/newsfeed/store"
	"github.com/cockroachdb/errors"
)

// Job names.
const (
	JobFanout = "newsfeed.fanout"
	JobBatch  = "newsfeed.fanout_batch"
)

const (
	DefaultBatchSize  = 1000
	DefaultTimeLimit  = time.Hour
	DefaultQueue      = "newsfeeds"
	DefaultMaxRetries = 3
)

// FanoutArgs are the arguments of the main fan-out job.
type FanoutArgs struct {
	PostID   int64 `msgpack:"post_id"`
	AuthorID int64 `msgpack:"author_id"`
}

// BatchArgs are the arguments of one batch job.
type BatchArgs struct {
	PostID      int64   `msgpack:"post_id"`
	CreatedAt   int64   `msgpack:"created_at"`
	FollowerIDs []int64 `msgpack:"follower_ids"`
}

// Store is the durable state fan-out reads and writes.
type Store interface {
	GetPost(ctx context.Context, id int64) (store.Post, error)
	FollowerIDs(ctx context.Context, userID int64) ([]int64, error)
	InsertTimelineEntries(ctx context.Context, postID int64, createdAt time.Time, ownerIDs []int64) (store.InsertResult, error)
	ListTimeline(ctx context.Context, ownerID int64, r store.Range) ([]store.TimelineEntry, error)
}

type Option func(*Pipeline)

// WithQueue sets the queue both jobs run on.
func WithQueue(name string) Option {
	return func(p *Pipeline) { p.queue = name }
}

// WithBatchSize sets the number of followers handled by one batch job.
func WithBatchSize(n int) Option {
	return func(p *Pipeline) { p.batchSize = n }
}

// WithTimeLimit bounds each execution of both jobs.
func WithTimeLimit(d time.Duration) Option {
	return func(p *Pipeline) { p.timeLimit = d }
}

// WithMaxRetries sets how often a failing job is retried.
func WithMaxRetries(n int) Option {
	return func(p *Pipeline) { p.maxRetries = n }
}

// WithEnqueueRetry sets how enqueueing the main job is retried on the post
// path.
func WithEnqueueRetry(c resilience.RetryConfig) Option {
	return func(p *Pipeline) { p.enqueueRetry = c }
}

func WithLogger(l logger.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

func WithMetrics(m metrics.Recorder) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// Pipeline owns both fan-out jobs.
type Pipeline struct {
	store        Store
	jobs         queue.Enqueuer
	timelines    *listcache.Cache[store.TimelineEntry]
	queue        string
	batchSize    int
	timeLimit    time.Duration
	maxRetries   int
	enqueueRetry resilience.RetryConfig
	logger       logger.Logger
	metrics      metrics.Recorder
}

func New(st Store, jobs queue.Enqueuer, timelines *listcache.Cache[store.TimelineEntry], opts ...Option) *Pipeline {
	p := &Pipeline{
		store:        st,
		jobs:         jobs,
		timelines:    timelines,
		queue:        DefaultQueue,
		batchSize:    DefaultBatchSize,
		timeLimit:    DefaultTimeLimit,
		maxRetries:   DefaultMaxRetries,
		enqueueRetry: resilience.DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.batchSize <= 0 {
		p.batchSize = DefaultBatchSize
	}
	if p.logger == nil {
		p.logger = logger.NewConsoleLogger(logger.LevelNone)
	}
	p.logger = p.logger.With(map[string]interface{}{"component": "fanout"})
	p.metrics = metrics.OrNoop(p.metrics)
	return p
}

// Register installs both job handlers on mux.
func (p *Pipeline) Register(mux *queue.Mux) {
	opts := []queue.HandleOption{queue.WithTimeout(p.timeLimit), queue.WithMaxRetries(p.maxRetries)}
	mux.Handle(JobFanout, queue.Typed(p.Fanout), opts...)
	mux.Handle(JobBatch, queue.Typed(p.Batch), opts...)
}

// Fill reads the newest entries of an owner's timeline from the durable
// store.
func (p *Pipeline) Fill(ownerID int64) listcache.Fill[store.TimelineEntry] {
	return func(ctx context.Context, limit int) ([]store.TimelineEntry, error) {
		return p.store.ListTimeline(ctx, ownerID, store.Newest(limit))
	}
}

// push adds a freshly inserted entry to its owner's cached timeline.
func (p *Pipeline) push(ctx context.Context, e store.TimelineEntry) error {
	return p.timelines.Push(ctx, listcache.TimelineKey(e.OwnerID), e, p.Fill(e.OwnerID))
}

// Publish makes a new post visible in its author's timeline and schedules
// the fan-out to the followers. Only a failure to write the author's own
// entry is returned: the post exists either way, and a fan-out that could
// not be scheduled is logged for an operator to replay.
func (p *Pipeline) Publish(ctx context.Context, post store.Post) error {
	res, err := p.store.InsertTimelineEntries(ctx, post.ID, post.CreatedAt, []int64{post.AuthorID})
	if err != nil {
		return errors.Wrapf(err, "error adding post %d to its author's timeline", post.ID)
	}
	for _, e := range res.Created {
		if err := p.push(ctx, e); err != nil {
			p.logger.Warn("author timeline push for post %d failed: %s", post.ID, err)
		}
	}
	if err := p.Schedule(ctx, post.ID, post.AuthorID); err != nil {
		p.logger.Error("could not schedule fan-out of post %d: %s", post.ID, err)
	}
	return nil
}

// Schedule enqueues the main fan-out job of a post.
func (p *Pipeline) Schedule(ctx context.Context, postID, authorID int64) error {
	return resilience.Retry(ctx, p.enqueueRetry, func() error {
		_, err := p.jobs.Enqueue(ctx, p.queue, JobFanout, FanoutArgs{PostID: postID, AuthorID: authorID})
		return err
	})
}

// Fanout is the main job: it resolves the author's followers and enqueues
// one batch job per batch of them.
func (p *Pipeline) Fanout(ctx context.Context, args FanoutArgs) error {
	post, err := p.store.GetPost(ctx, args.PostID)
	if store.IsNotFound(err) {
		p.logger.Info("post %d is gone, nothing to fan out", args.PostID)
		return nil
	}
	if err != nil {
		return err
	}
	ids, err := p.store.FollowerIDs(ctx, post.AuthorID)
	if err != nil {
		return err
	}
	followers := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id != post.AuthorID {
			followers = append(followers, id)
		}
	}
	created := store.Nanos(post.CreatedAt)
	var batches int
	for start := 0; start < len(followers); start += p.batchSize {
		batch := BatchArgs{
			PostID:      post.ID,
			CreatedAt:   created,
			FollowerIDs: followers[start:min(start+p.batchSize, len(followers))],
		}
		if _, err := p.jobs.Enqueue(ctx, p.queue, JobBatch, batch); err != nil {
			return errors.Wrapf(err, "error enqueueing fan-out batch %d of post %d", batches, post.ID)
		}
		batches++
	}
	p.logger.Debug("post %d fans out to %d followers in %d batches", post.ID, len(followers), batches)
	return nil
}

// Batch is the batch job. It writes the timeline entries of one batch of
// followers and pushes the new ones into their cached timelines. Re-running
// a batch never duplicates an entry; owners whose entry already existed get
// their cached timeline dropped, since the earlier attempt may have failed
// between insert and push.
func (p *Pipeline) Batch(ctx context.Context, args BatchArgs) error {
	res, err := p.store.InsertTimelineEntries(ctx, args.PostID, store.FromNanos(args.CreatedAt), args.FollowerIDs)
	if err != nil {
		return err
	}
	p.metrics.Memberships(len(res.Created), len(res.Existing))

	var errs error
	for _, e := range res.Created {
		if err := p.push(ctx, e); err != nil {
			errs = errors.CombineErrors(errs, err)
		}
	}
	for _, owner := range res.Existing {
		if err := p.timelines.Invalidate(ctx, listcache.TimelineKey(owner)); err != nil {
			errs = errors.CombineErrors(errs, err)
		}
	}
	if errs != nil {
		logger.WithKV(p.logger, "post", args.PostID).Warn("cached timelines of a batch of %d are stale", len(args.FollowerIDs))
		return errors.Wrapf(errs, "fan-out batch of post %d", args.PostID)
	}
	return nil
}
