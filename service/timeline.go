package service

import (
	"context"

	"github.com/chirpline/newsfeed/listcache"
	"github.com/chirpline/newsfeed/pagination"
	"github.com/chirpline/newsfeed/store"
)

// Timeline pages the home timeline of userID: their own posts and those of
// the accounts they followed when the posts were written, newest first.
// Entries of deleted posts are skipped, so a page may hold fewer items than
// requested while HasNext is still set.
func (s *Service) Timeline(ctx context.Context, userID int64, req pagination.Request) (pagination.Page[PostView], error) {
	if _, err := s.users.Get(ctx, userID); err != nil {
		return pagination.Page[PostView]{}, err
	}
	page, err := s.timelinePages.Read(ctx, listcache.TimelineKey(userID),
		func(ctx context.Context, r store.Range) ([]store.TimelineEntry, error) {
			return s.store.ListTimeline(ctx, userID, r)
		}, req)
	if err != nil {
		return pagination.Page[PostView]{}, err
	}
	views := make([]PostView, 0, len(page.Items))
	for _, e := range page.Items {
		if e.PostID == nil {
			continue
		}
		post, err := s.posts.Get(ctx, *e.PostID)
		if store.IsNotFound(err) {
			continue
		}
		if err != nil {
			return pagination.Page[PostView]{}, err
		}
		v, err := s.view(ctx, userID, post)
		if err != nil {
			return pagination.Page[PostView]{}, err
		}
		views = append(views, v)
	}
	return pagination.Page[PostView]{Items: views, HasNext: page.HasNext, Next: page.Next}, nil
}
