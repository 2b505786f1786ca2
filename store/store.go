// Package store holds the domain model of the newsfeed and its durable,
// authoritative storage. Every cache in this module is a derived view of
// what a Store returns.
package store

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned for writes that violate a domain rule.
	ErrConflict = errors.New("conflict")
	// ErrUnknownCounter is returned for a target and attribute pair without a counter column.
	ErrUnknownCounter = errors.New("unknown counter")
)

// Range selects a window of a recency ordered query. Before and After are
// exclusive Unix nanosecond bounds and ignored when zero. Results are newest
// first unless Ascending is set. A zero Limit returns every row.
type Range struct {
	Before    int64
	After     int64
	Limit     int
	Ascending bool
}

// Newest returns the first n rows, newest first.
func Newest(n int) Range { return Range{Limit: n} }

type Users interface {
	CreateUser(ctx context.Context, username, email string) (User, error)
	GetUser(ctx context.Context, id int64) (User, error)
	// GetProfile returns the user's profile, creating an empty one on first access.
	GetProfile(ctx context.Context, userID int64) (Profile, error)
	UpdateProfile(ctx context.Context, p Profile) (Profile, error)
}

type Posts interface {
	CreatePost(ctx context.Context, authorID int64, content string) (Post, error)
	GetPost(ctx context.Context, id int64) (Post, error)
	// DeletePost removes the post with its comments and likes. Timeline
	// entries are kept with a nil post id.
	DeletePost(ctx context.Context, id int64) error
	ListPostsByAuthor(ctx context.Context, authorID int64, r Range) ([]Post, error)
}

type Follows interface {
	// Follow creates the edge and reports whether it was new.
	Follow(ctx context.Context, followerID, followeeID int64) (bool, error)
	// Unfollow removes the edge and reports whether it existed.
	Unfollow(ctx context.Context, followerID, followeeID int64) (bool, error)
	FollowerIDs(ctx context.Context, userID int64) ([]int64, error)
	FollowingIDs(ctx context.Context, userID int64) ([]int64, error)
	ListFollowers(ctx context.Context, userID int64, r Range) ([]Follow, error)
	ListFollowings(ctx context.Context, userID int64, r Range) ([]Follow, error)
}

// InsertResult describes a bulk timeline insert.
type InsertResult struct {
	// Created are the rows written by this call.
	Created []TimelineEntry
	// Existing are the owners that already had a row for the post.
	Existing []int64
}

type Timelines interface {
	// InsertTimelineEntries writes one entry per owner for the post. Owners
	// which already have one are reported in Existing, never duplicated.
	InsertTimelineEntries(ctx context.Context, postID int64, createdAt time.Time, ownerIDs []int64) (InsertResult, error)
	ListTimeline(ctx context.Context, ownerID int64, r Range) ([]TimelineEntry, error)
	CountTimelineEntries(ctx context.Context, postID int64) (int, error)
}

type Comments interface {
	// CreateComment inserts the comment and bumps the post's comments_count.
	CreateComment(ctx context.Context, postID, authorID int64, content string) (Comment, error)
	GetComment(ctx context.Context, id int64) (Comment, error)
	// DeleteComment removes the comment and its likes and decrements the
	// post's comments_count.
	DeleteComment(ctx context.Context, id int64) (Comment, error)
	ListComments(ctx context.Context, postID int64, r Range) ([]Comment, error)
}

type Likes interface {
	// CreateLike records the like and bumps the target's likes_count. The bool
	// is false when the user had already liked the target.
	CreateLike(ctx context.Context, userID int64, target TargetRef) (Like, bool, error)
	// DeleteLike removes the like and decrements the target's likes_count.
	DeleteLike(ctx context.Context, userID int64, target TargetRef) (bool, error)
	HasLiked(ctx context.Context, userID int64, target TargetRef) (bool, error)
	ListLikes(ctx context.Context, target TargetRef, r Range) ([]Like, error)
}

type Counters interface {
	// Resolve loads the entity a TargetRef points at.
	Resolve(ctx context.Context, ref TargetRef) (Target, error)
	// Count reads a denormalized counter column.
	Count(ctx context.Context, ref TargetRef, attr Attr) (int64, error)
	// RecountCounts recomputes every denormalized counter from the likes and
	// comments tables and returns the number of rows whose value changed.
	RecountCounts(ctx context.Context) (int64, error)
}

// Store is the full durable store.
type Store interface {
	Users
	Posts
	Follows
	Timelines
	Comments
	Likes
	Counters
	Migrate(ctx context.Context) error
	Close() error
}

// IsNotFound reports whether err is, or wraps, ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
