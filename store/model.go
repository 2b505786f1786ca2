package store

import (
	"fmt"
	"time"
)

// User is an account.
type User struct {
	ID        int64     `msgpack:"id"`
	Username  string    `msgpack:"username"`
	Email     string    `msgpack:"email"`
	CreatedAt time.Time `msgpack:"created_at"`
}

// Profile holds the editable details of a user. One is created lazily on
// first read.
type Profile struct {
	UserID    int64     `msgpack:"user_id"`
	Nickname  string    `msgpack:"nickname"`
	AvatarURL string    `msgpack:"avatar_url"`
	UpdatedAt time.Time `msgpack:"updated_at"`
}

// Post is a tweet. The counters are denormalized and mutated in place.
type Post struct {
	ID            int64     `msgpack:"id"`
	AuthorID      int64     `msgpack:"author_id"`
	Content       string    `msgpack:"content"`
	CreatedAt     time.Time `msgpack:"created_at"`
	CommentsCount int64     `msgpack:"comments_count"`
	LikesCount    int64     `msgpack:"likes_count"`
}

func (p Post) Timestamp() int64 { return p.CreatedAt.UnixNano() }

func (p Post) Author() int64 { return p.AuthorID }

func (p Post) Count(attr Attr) (int64, bool) {
	switch attr {
	case AttrLikes:
		return p.LikesCount, true
	case AttrComments:
		return p.CommentsCount, true
	}
	return 0, false
}

// TimelineEntry is one post in one owner's home timeline. CreatedAt is the
// creation time of the post, so the timeline orders by post time. PostID is
// nil once the post has been deleted.
type TimelineEntry struct {
	ID        int64     `msgpack:"id"`
	OwnerID   int64     `msgpack:"owner_id"`
	PostID    *int64    `msgpack:"post_id"`
	CreatedAt time.Time `msgpack:"created_at"`
}

func (e TimelineEntry) Timestamp() int64 { return e.CreatedAt.UnixNano() }

// Follow is a directed edge from follower to followee.
type Follow struct {
	FollowerID int64     `msgpack:"follower_id"`
	FolloweeID int64     `msgpack:"followee_id"`
	CreatedAt  time.Time `msgpack:"created_at"`
}

func (f Follow) Timestamp() int64 { return f.CreatedAt.UnixNano() }

type Comment struct {
	ID         int64     `msgpack:"id"`
	PostID     int64     `msgpack:"post_id"`
	AuthorID   int64     `msgpack:"author_id"`
	Content    string    `msgpack:"content"`
	CreatedAt  time.Time `msgpack:"created_at"`
	LikesCount int64     `msgpack:"likes_count"`
}

func (c Comment) Timestamp() int64 { return c.CreatedAt.UnixNano() }

func (c Comment) Author() int64 { return c.AuthorID }

func (c Comment) Count(attr Attr) (int64, bool) {
	if attr == AttrLikes {
		return c.LikesCount, true
	}
	return 0, false
}

type Like struct {
	ID        int64     `msgpack:"id"`
	UserID    int64     `msgpack:"user_id"`
	Target    TargetRef `msgpack:"target"`
	CreatedAt time.Time `msgpack:"created_at"`
}

func (l Like) Timestamp() int64 { return l.CreatedAt.UnixNano() }

// TargetKind is the kind of entity a like points at.
type TargetKind string

const (
	TargetPost    TargetKind = "post"
	TargetComment TargetKind = "comment"
)

// TargetRef points at either a post or a comment.
type TargetRef struct {
	Kind TargetKind `msgpack:"kind"`
	ID   int64      `msgpack:"id"`
}

func PostRef(id int64) TargetRef    { return TargetRef{Kind: TargetPost, ID: id} }
func CommentRef(id int64) TargetRef { return TargetRef{Kind: TargetComment, ID: id} }

func (t TargetRef) String() string { return fmt.Sprintf("%s:%d", t.Kind, t.ID) }

func (t TargetRef) Valid() bool {
	return (t.Kind == TargetPost || t.Kind == TargetComment) && t.ID > 0
}

// Attr names a denormalized counter column.
type Attr string

const (
	AttrLikes    Attr = "likes_count"
	AttrComments Attr = "comments_count"
)

// HasAuthor is implemented by targets that were written by a user.
type HasAuthor interface {
	Author() int64
}

// HasCounters is implemented by targets carrying denormalized counters.
type HasCounters interface {
	Count(attr Attr) (int64, bool)
}

// Target is a resolved TargetRef.
type Target interface {
	HasAuthor
	HasCounters
}

var (
	_ Target = Post{}
	_ Target = Comment{}
)

// Nanos converts a time into the stored representation.
func Nanos(t time.Time) int64 { return t.UnixNano() }

// FromNanos converts a stored timestamp into a UTC time.
func FromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }
