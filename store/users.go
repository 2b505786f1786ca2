package store

import (
	"context"
	"database/sql"
	"strings"

	"github.com/chirpline/newsfeed/events"
	"github.com/cockroachdb/errors"
)

func scanUser(row scanner) (User, error) {
	var u User
	var created int64
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &created); err != nil {
		return u, err
	}
	u.CreatedAt = FromNanos(created)
	return u, nil
}

func (s *SQL) CreateUser(ctx context.Context, username, email string) (User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return User{}, errors.Wrap(ErrConflict, "username is required")
	}
	now := s.timestamp()
	u, err := scanUser(s.queryRow(ctx, s.db,
		`INSERT INTO users (username, email, created_at) VALUES (?, ?, ?)
		ON CONFLICT (username) DO NOTHING
		RETURNING id, username, email, created_at`,
		username, email, now))
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, errors.Wrapf(ErrConflict, "username %q is taken", username)
	}
	if err != nil {
		return User{}, errors.Wrap(err, "error creating user")
	}
	s.publish(ctx, events.KindUser, u.ID, events.OpCreated)
	return u, nil
}

func (s *SQL) GetUser(ctx context.Context, id int64) (User, error) {
	u, err := scanUser(s.queryRow(ctx, s.db,
		`SELECT id, username, email, created_at FROM users WHERE id = ?`, id))
	if err != nil {
		return User{}, notFound(err, "user", id)
	}
	return u, nil
}

func scanProfile(row scanner) (Profile, error) {
	var p Profile
	var updated int64
	if err := row.Scan(&p.UserID, &p.Nickname, &p.AvatarURL, &updated); err != nil {
		return p, err
	}
	p.UpdatedAt = FromNanos(updated)
	return p, nil
}

func (s *SQL) GetProfile(ctx context.Context, userID int64) (Profile, error) {
	if _, err := s.GetUser(ctx, userID); err != nil {
		return Profile{}, err
	}
	if _, err := s.exec(ctx, s.db,
		`INSERT INTO profiles (user_id, updated_at) VALUES (?, ?) ON CONFLICT (user_id) DO NOTHING`,
		userID, s.timestamp()); err != nil {
		return Profile{}, errors.Wrapf(err, "error creating profile %d", userID)
	}
	p, err := scanProfile(s.queryRow(ctx, s.db,
		`SELECT user_id, nickname, avatar_url, updated_at FROM profiles WHERE user_id = ?`, userID))
	if err != nil {
		return Profile{}, notFound(err, "profile", userID)
	}
	return p, nil
}

func (s *SQL) UpdateProfile(ctx context.Context, p Profile) (Profile, error) {
	if _, err := s.GetProfile(ctx, p.UserID); err != nil {
		return Profile{}, err
	}
	p.UpdatedAt = FromNanos(s.timestamp())
	if _, err := s.exec(ctx, s.db,
		`UPDATE profiles SET nickname = ?, avatar_url = ?, updated_at = ? WHERE user_id = ?`,
		p.Nickname, p.AvatarURL, Nanos(p.UpdatedAt), p.UserID); err != nil {
		return Profile{}, errors.Wrapf(err, "error updating profile %d", p.UserID)
	}
	s.publish(ctx, events.KindProfile, p.UserID, events.OpUpdated)
	return p, nil
}
