// Package service is the read and write surface of the newsfeed. Writes go
// to the durable store first and then keep the caches in step; reads go
// through the caches.
package service

import (
	"context"

	"github.com/chirpline/newsfeed/cache"
	"github.com/chirpline/newsfeed/config"
	"github.com/chirpline/newsfeed/counter"
	"github.com/chirpline/newsfeed/events"
	"github.com/chirpline/newsfeed/fanout"
	"github.com/chirpline/newsfeed/listcache"
	"github.com/chirpline/newsfeed/logger"
	"github.com/chirpline/newsfeed/metrics"
	"github.com/chirpline/newsfeed/objectcache"
	"github.com/chirpline/newsfeed/pagination"
	"github.com/chirpline/newsfeed/queue"
	"github.com/chirpline/newsfeed/store"
	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrForbidden is returned when a user changes something that is not theirs.
	ErrForbidden = errors.New("forbidden")
	// ErrInvalid is returned for a request that can never succeed.
	ErrInvalid = errors.New("invalid request")
)

// Deps are the collaborators of a Service. Bus may be nil when the store
// does not publish change events.
type Deps struct {
	Store   store.Store
	Objects cache.Cache
	Redis   redis.UniversalClient
	Jobs    queue.Enqueuer
	Bus     *events.Bus
	Logger  logger.Logger
	Metrics metrics.Recorder
}

type Service struct {
	store store.Store

	users      *objectcache.Cache[store.User]
	profiles   *objectcache.Cache[store.Profile]
	posts      *objectcache.Cache[store.Post]
	comments   *objectcache.Cache[store.Comment]
	followings *objectcache.Cache[[]int64]

	counters    *counter.Cache
	timelines   *listcache.Cache[store.TimelineEntry]
	authorPosts *listcache.Cache[store.Post]

	timelinePages *pagination.Reader[store.TimelineEntry]
	postPages     *pagination.Reader[store.Post]

	fanout *fanout.Pipeline
	subs   []events.Subscriber
	logger logger.Logger
}

func New(cfg config.Config, d Deps) *Service {
	log := d.Logger
	if log == nil {
		log = logger.NewConsoleLogger(logger.LevelNone)
	}
	ttl := objectcache.WithTTL(cfg.Cache.ObjectTTL.D())
	objOpts := []objectcache.Option{ttl, objectcache.WithLogger(log), objectcache.WithMetrics(d.Metrics)}
	listOpts := []listcache.Option{
		listcache.WithLimit(cfg.Cache.ListSizeLimit),
		listcache.WithTTL(cfg.Cache.KeyTTL.D()),
		listcache.WithLogger(log),
		listcache.WithMetrics(d.Metrics),
	}
	pageOpts := []pagination.Option{
		pagination.WithPageSizes(cfg.Pagination.DefaultPageSize, cfg.Pagination.MaxPageSize),
		pagination.WithLogger(log),
	}

	s := &Service{
		store:      d.Store,
		users:      objectcache.New("user", d.Objects, d.Store.GetUser, objOpts...),
		profiles:   objectcache.New("profile", d.Objects, d.Store.GetProfile, objOpts...),
		posts:      objectcache.New("post", d.Objects, d.Store.GetPost, objOpts...),
		comments:   objectcache.New("comment", d.Objects, d.Store.GetComment, objOpts...),
		followings: objectcache.New("followings", d.Objects, d.Store.FollowingIDs, objOpts...),
		counters: counter.New(d.Redis, counter.FromStore(d.Store),
			counter.WithTTL(cfg.Cache.KeyTTL.D()), counter.WithLogger(log), counter.WithMetrics(d.Metrics)),
		timelines:   listcache.New[store.TimelineEntry](d.Redis, listOpts...),
		authorPosts: listcache.New[store.Post](d.Redis, listOpts...),
		logger:      log.With(map[string]interface{}{"component": "service"}),
	}
	s.timelinePages = pagination.NewReader(s.timelines, pageOpts...)
	s.postPages = pagination.NewReader(s.authorPosts, pageOpts...)
	s.fanout = fanout.New(d.Store, d.Jobs, s.timelines,
		fanout.WithQueue(cfg.Queue.FanoutQueue),
		fanout.WithBatchSize(cfg.Fanout.BatchSize),
		fanout.WithTimeLimit(cfg.Fanout.TimeLimit.D()),
		fanout.WithMaxRetries(cfg.Fanout.MaxRetries),
		fanout.WithLogger(log),
		fanout.WithMetrics(d.Metrics),
	)
	if d.Bus != nil {
		s.listen(d.Bus)
	}
	return s
}

// Register installs the background job handlers on mux.
func (s *Service) Register(mux *queue.Mux) {
	s.fanout.Register(mux)
}

// Fanout is the pipeline propagating posts into timelines.
func (s *Service) Fanout() *fanout.Pipeline { return s.fanout }

// listen invalidates cached snapshots when the store reports a change.
func (s *Service) listen(bus *events.Bus) {
	invalidate := func(what string, fn func(ctx context.Context, id int64) error) events.Handler {
		return func(ctx context.Context, ev events.EntityChanged) {
			if ev.Op == events.OpCreated && ev.Kind != events.KindFollow {
				return
			}
			if err := fn(ctx, ev.ID); err != nil {
				s.logger.Warn("could not invalidate %s after %s: %s", what, ev, err)
			}
		}
	}
	s.subs = append(s.subs,
		bus.Subscribe(events.KindUser, invalidate("user", s.users.Invalidate)),
		bus.Subscribe(events.KindProfile, invalidate("profile", s.profiles.Invalidate)),
		bus.Subscribe(events.KindPost, invalidate("post", s.posts.Invalidate)),
		bus.Subscribe(events.KindComment, invalidate("comment", s.comments.Invalidate)),
		bus.Subscribe(events.KindComment, s.forgetCommentCounters),
		bus.Subscribe(events.KindFollow, invalidate("followings", s.followings.Invalidate)),
	)
}

// forgetCommentCounters drops the like counter of a deleted comment,
// including comments removed along with their post.
func (s *Service) forgetCommentCounters(ctx context.Context, ev events.EntityChanged) {
	if ev.Op != events.OpDeleted {
		return
	}
	ref := store.CommentRef(ev.ID)
	if err := s.counters.Invalidate(ctx, counter.For(ref, store.AttrLikes)); err != nil {
		s.logger.Warn("could not invalidate counters of %s: %s", ref, err)
	}
}

// Close stops listening for change events.
func (s *Service) Close() error {
	var errs error
	for _, sub := range s.subs {
		errs = errors.CombineErrors(errs, sub.Close())
	}
	s.subs = nil
	return errs
}
