package service

import (
	"context"
	"strings"

	"github.com/chirpline/newsfeed/counter"
	"github.com/chirpline/newsfeed/listcache"
	"github.com/chirpline/newsfeed/pagination"
	"github.com/chirpline/newsfeed/store"
	"github.com/cockroachdb/errors"
)

// MaxContentLength is the longest post or comment accepted.
const MaxContentLength = 255

// PostView is a post as shown to one viewer, with live counters.
type PostView struct {
	Post          store.Post
	LikesCount    int64
	CommentsCount int64
	HasLiked      bool
}

func validContent(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" || len(content) > MaxContentLength {
		return "", errors.Wrapf(ErrInvalid, "content must be 1 to %d bytes", MaxContentLength)
	}
	return content, nil
}

// CreatePost writes a post, shows it in the author's own lists right away
// and schedules the fan-out to the followers.
func (s *Service) CreatePost(ctx context.Context, authorID int64, content string) (PostView, error) {
	content, err := validContent(content)
	if err != nil {
		return PostView{}, err
	}
	if _, err := s.users.Get(ctx, authorID); err != nil {
		return PostView{}, err
	}
	post, err := s.store.CreatePost(ctx, authorID, content)
	if err != nil {
		return PostView{}, err
	}
	if err := s.authorPosts.Push(ctx, listcache.PostsKey(authorID), post, s.postFill(authorID)); err != nil {
		s.logger.Warn("could not cache post %d of %d: %s", post.ID, authorID, err)
	}
	if err := s.fanout.Publish(ctx, post); err != nil {
		return PostView{}, err
	}
	return PostView{Post: post}, nil
}

// Post returns a post as seen by viewer. A zero viewer is anonymous.
func (s *Service) Post(ctx context.Context, viewerID, id int64) (PostView, error) {
	post, err := s.posts.Get(ctx, id)
	if err != nil {
		return PostView{}, err
	}
	return s.view(ctx, viewerID, post)
}

// DeletePost removes a post written by actorID. Timeline entries survive
// with a nil post and are skipped when read.
func (s *Service) DeletePost(ctx context.Context, actorID, id int64) error {
	post, err := s.posts.Get(ctx, id)
	if err != nil {
		return err
	}
	if post.AuthorID != actorID {
		return errors.Wrapf(ErrForbidden, "post %d belongs to %d", id, post.AuthorID)
	}
	if err := s.store.DeletePost(ctx, id); err != nil {
		return err
	}
	ref := store.PostRef(id)
	errs := errors.CombineErrors(
		s.authorPosts.Invalidate(ctx, listcache.PostsKey(post.AuthorID)),
		errors.CombineErrors(
			s.counters.Invalidate(ctx, counter.For(ref, store.AttrLikes)),
			s.counters.Invalidate(ctx, counter.For(ref, store.AttrComments)),
		),
	)
	if errs != nil {
		s.logger.Warn("stale caches after deleting post %d: %s", id, errs)
	}
	return nil
}

// UserPosts pages the posts written by authorID, newest first.
func (s *Service) UserPosts(ctx context.Context, viewerID, authorID int64, req pagination.Request) (pagination.Page[PostView], error) {
	if _, err := s.users.Get(ctx, authorID); err != nil {
		return pagination.Page[PostView]{}, err
	}
	page, err := s.postPages.Read(ctx, listcache.PostsKey(authorID),
		func(ctx context.Context, r store.Range) ([]store.Post, error) {
			return s.store.ListPostsByAuthor(ctx, authorID, r)
		}, req)
	if err != nil {
		return pagination.Page[PostView]{}, err
	}
	views := make([]PostView, 0, len(page.Items))
	for _, post := range page.Items {
		v, err := s.view(ctx, viewerID, post)
		if err != nil {
			return pagination.Page[PostView]{}, err
		}
		views = append(views, v)
	}
	return pagination.Page[PostView]{Items: views, HasNext: page.HasNext, Next: page.Next}, nil
}

func (s *Service) postFill(authorID int64) listcache.Fill[store.Post] {
	return func(ctx context.Context, limit int) ([]store.Post, error) {
		return s.store.ListPostsByAuthor(ctx, authorID, store.Newest(limit))
	}
}

// view completes a post snapshot with counters, which are never read from
// the snapshot itself.
func (s *Service) view(ctx context.Context, viewerID int64, post store.Post) (PostView, error) {
	ref := store.PostRef(post.ID)
	v := PostView{Post: post}
	var err error
	if v.LikesCount, err = s.counters.Get(ctx, counter.For(ref, store.AttrLikes)); err != nil {
		return v, err
	}
	if v.CommentsCount, err = s.counters.Get(ctx, counter.For(ref, store.AttrComments)); err != nil {
		return v, err
	}
	if viewerID != 0 {
		if v.HasLiked, err = s.store.HasLiked(ctx, viewerID, ref); err != nil {
			return v, err
		}
	}
	return v, nil
}
