package service

import (
	"context"
	"slices"

	"github.com/chirpline/newsfeed/counter"
	"github.com/chirpline/newsfeed/store"
	"github.com/cockroachdb/errors"
)

// Like records that userID likes target and reports whether it is new.
func (s *Service) Like(ctx context.Context, userID int64, target store.TargetRef) (bool, error) {
	if !target.Valid() {
		return false, errors.Wrapf(ErrInvalid, "target %s", target)
	}
	_, created, err := s.store.CreateLike(ctx, userID, target)
	if err != nil || !created {
		return false, err
	}
	if _, err := s.counters.Incr(ctx, counter.For(target, store.AttrLikes)); err != nil {
		s.logger.Warn("like counter of %s: %s", target, err)
	}
	return true, nil
}

// Unlike removes a like and reports whether there was one.
func (s *Service) Unlike(ctx context.Context, userID int64, target store.TargetRef) (bool, error) {
	if !target.Valid() {
		return false, errors.Wrapf(ErrInvalid, "target %s", target)
	}
	deleted, err := s.store.DeleteLike(ctx, userID, target)
	if err != nil || !deleted {
		return false, err
	}
	if _, err := s.counters.Decr(ctx, counter.For(target, store.AttrLikes)); err != nil {
		s.logger.Warn("like counter of %s: %s", target, err)
	}
	return true, nil
}

// Count returns a cached counter of a post or comment.
func (s *Service) Count(ctx context.Context, target store.TargetRef, attr store.Attr) (int64, error) {
	return s.counters.Get(ctx, counter.For(target, attr))
}

// Author resolves who wrote a like target.
func (s *Service) Author(ctx context.Context, target store.TargetRef) (int64, error) {
	var t store.HasAuthor
	var err error
	switch target.Kind {
	case store.TargetPost:
		t, err = s.posts.Get(ctx, target.ID)
	case store.TargetComment:
		t, err = s.comments.Get(ctx, target.ID)
	default:
		return 0, errors.Wrapf(ErrInvalid, "target %s", target)
	}
	if err != nil {
		return 0, err
	}
	return t.Author(), nil
}

// Comment adds a comment to a post.
func (s *Service) Comment(ctx context.Context, userID, postID int64, content string) (store.Comment, error) {
	content, err := validContent(content)
	if err != nil {
		return store.Comment{}, err
	}
	c, err := s.store.CreateComment(ctx, postID, userID, content)
	if err != nil {
		return store.Comment{}, err
	}
	if _, err := s.counters.Incr(ctx, counter.For(store.PostRef(postID), store.AttrComments)); err != nil {
		s.logger.Warn("comment counter of post %d: %s", postID, err)
	}
	return c, nil
}

// DeleteComment removes a comment written by actorID.
func (s *Service) DeleteComment(ctx context.Context, actorID, id int64) error {
	c, err := s.comments.Get(ctx, id)
	if err != nil {
		return err
	}
	if c.AuthorID != actorID {
		return errors.Wrapf(ErrForbidden, "comment %d belongs to %d", id, c.AuthorID)
	}
	if _, err := s.store.DeleteComment(ctx, id); err != nil {
		return err
	}
	if _, err := s.counters.Decr(ctx, counter.For(store.PostRef(c.PostID), store.AttrComments)); err != nil {
		s.logger.Warn("comment counter of post %d: %s", c.PostID, err)
	}
	if err := s.counters.Invalidate(ctx, counter.For(store.CommentRef(id), store.AttrLikes)); err != nil {
		s.logger.Warn("like counter of comment %d: %s", id, err)
	}
	return nil
}

// Comments lists the comments of a post, oldest first.
func (s *Service) Comments(ctx context.Context, postID int64) ([]store.Comment, error) {
	if _, err := s.posts.Get(ctx, postID); err != nil {
		return nil, err
	}
	return s.store.ListComments(ctx, postID, store.Range{Ascending: true})
}

// Follow makes followerID follow followeeID and reports whether the edge is
// new. Only posts written afterwards reach the follower's timeline.
func (s *Service) Follow(ctx context.Context, followerID, followeeID int64) (bool, error) {
	if followerID == followeeID {
		return false, errors.Wrap(ErrInvalid, "cannot follow yourself")
	}
	if _, err := s.users.Get(ctx, followeeID); err != nil {
		return false, err
	}
	return s.store.Follow(ctx, followerID, followeeID)
}

func (s *Service) Unfollow(ctx context.Context, followerID, followeeID int64) (bool, error) {
	return s.store.Unfollow(ctx, followerID, followeeID)
}

// Followings returns the cached ids of the users followerID follows.
func (s *Service) Followings(ctx context.Context, followerID int64) ([]int64, error) {
	return s.followings.Get(ctx, followerID)
}

// IsFollowing reports whether followerID follows followeeID.
func (s *Service) IsFollowing(ctx context.Context, followerID, followeeID int64) (bool, error) {
	ids, err := s.followings.Get(ctx, followerID)
	if err != nil {
		return false, err
	}
	return slices.Contains(ids, followeeID), nil
}

// RefillCounts recomputes every denormalized counter from the likes and
// comments and drops the cached counters so they reseed from the result.
func (s *Service) RefillCounts(ctx context.Context) (changed int64, dropped int, err error) {
	changed, err = s.store.RecountCounts(ctx)
	if err != nil {
		return 0, 0, err
	}
	dropped, err = s.counters.InvalidateAll(ctx)
	return changed, dropped, err
}
