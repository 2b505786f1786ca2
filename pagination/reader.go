// Package pagination serves cursor paginated pages of a recency ordered list,
// reading the cached prefix of the list first and the durable store for
// everything the cache cannot prove.
package pagination

import (
	"context"
	"slices"

	"github.com/chirpline/newsfeed/listcache"
	"github.com/chirpline/newsfeed/logger"
	"github.com/chirpline/newsfeed/store"
	"github.com/cockroachdb/errors"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Request is one page request. A nil Cursor asks for the newest page.
type Request struct {
	Cursor   *Cursor
	PageSize int
}

// Page is one page of items, newest first.
type Page[T any] struct {
	Items   []T
	HasNext bool
	// Next is the cursor of the following page, empty when HasNext is false.
	Next string
}

// Source is the durable ordered query behind a list.
type Source[T any] func(ctx context.Context, r store.Range) ([]T, error)

type Option func(*options)

type options struct {
	defaultSize int
	maxSize     int
	logger      logger.Logger
}

// WithPageSizes sets the page size used when a request has none and the
// maximum a request is clamped to.
func WithPageSizes(def, max int) Option {
	return func(o *options) {
		o.defaultSize = def
		o.maxSize = max
	}
}

func WithLogger(l logger.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Reader pages lists of T held by a list cache.
type Reader[T listcache.Item] struct {
	lists       *listcache.Cache[T]
	defaultSize int
	maxSize     int
	logger      logger.Logger
}

func NewReader[T listcache.Item](lists *listcache.Cache[T], opts ...Option) *Reader[T] {
	o := options{defaultSize: DefaultPageSize, maxSize: MaxPageSize}
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxSize <= 0 {
		o.maxSize = MaxPageSize
	}
	if o.defaultSize <= 0 || o.defaultSize > o.maxSize {
		o.defaultSize = min(DefaultPageSize, o.maxSize)
	}
	if o.logger == nil {
		o.logger = logger.NewConsoleLogger(logger.LevelNone)
	}
	return &Reader[T]{
		lists:       lists,
		defaultSize: o.defaultSize,
		maxSize:     o.maxSize,
		logger:      o.logger.With(map[string]interface{}{"component": "pagination"}),
	}
}

// PageSize clamps a requested size to the configured bounds.
func (r *Reader[T]) PageSize(n int) int {
	switch {
	case n <= 0:
		return r.defaultSize
	case n > r.maxSize:
		return r.maxSize
	default:
		return n
	}
}

// Read returns the page of the list at key selected by req.
func (r *Reader[T]) Read(ctx context.Context, key string, src Source[T], req Request) (Page[T], error) {
	size := r.PageSize(req.PageSize)
	if req.Cursor != nil && req.Cursor.At <= 0 {
		return Page[T]{}, errors.Wrapf(ErrBadCursor, "%q", req.Cursor.String())
	}
	if req.Cursor != nil && req.Cursor.Direction == Newer {
		return r.newer(ctx, src, req.Cursor.At, size)
	}
	var before int64
	if req.Cursor != nil {
		before = req.Cursor.At
	}
	w, err := r.lists.LoadWindow(ctx, key, func(ctx context.Context, limit int) ([]T, error) {
		return src(ctx, store.Newest(limit))
	})
	if err != nil {
		return Page[T]{}, err
	}
	start := 0
	if before > 0 {
		start = slices.IndexFunc(w.Items, func(item T) bool { return item.Timestamp() < before })
	}
	switch {
	case start >= 0 && (len(w.Items)-start > size || w.Complete):
		return older(w.Items[start:], size), nil
	case start < 0 && w.Complete:
		return Page[T]{}, nil
	}
	r.logger.Trace("page of %s before %d is beyond the cached window", key, before)
	items, err := src(ctx, store.Range{Before: before, Limit: size + 1})
	if err != nil {
		return Page[T]{}, err
	}
	return older(items, size), nil
}

// older pages the newest first items, which may hold one more than size.
func older[T listcache.Item](items []T, size int) Page[T] {
	if len(items) <= size {
		return Page[T]{Items: slices.Clone(items)}
	}
	page := slices.Clone(items[:size])
	return Page[T]{
		Items:   page,
		HasNext: true,
		Next:    Before(page[size-1].Timestamp()).String(),
	}
}

func (r *Reader[T]) newer(ctx context.Context, src Source[T], after int64, size int) (Page[T], error) {
	items, err := src(ctx, store.Range{After: after, Limit: size + 1, Ascending: true})
	if err != nil {
		return Page[T]{}, err
	}
	var p Page[T]
	if len(items) > size {
		items = items[:size]
		p.HasNext = true
	}
	p.Items = slices.Clone(items)
	slices.Reverse(p.Items)
	if p.HasNext {
		p.Next = After(p.Items[0].Timestamp()).String()
	}
	return p, nil
}
