package service

import (
	"context"
	"strings"

	"github.com/chirpline/newsfeed/store"
	"github.com/cockroachdb/errors"
)

func (s *Service) CreateUser(ctx context.Context, username, email string) (store.User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return store.User{}, errors.Wrap(ErrInvalid, "username is required")
	}
	return s.store.CreateUser(ctx, username, strings.ToLower(strings.TrimSpace(email)))
}

// User returns the cached snapshot of a user.
func (s *Service) User(ctx context.Context, id int64) (store.User, error) {
	return s.users.Get(ctx, id)
}

// Profile returns the cached profile of a user, creating it on first access.
func (s *Service) Profile(ctx context.Context, userID int64) (store.Profile, error) {
	return s.profiles.Get(ctx, userID)
}

func (s *Service) UpdateProfile(ctx context.Context, p store.Profile) (store.Profile, error) {
	return s.store.UpdateProfile(ctx, p)
}
