package store

import (
	"context"

	"github.com/chirpline/newsfeed/events"
	"github.com/cockroachdb/errors"
)

func scanFollow(row scanner) (Follow, error) {
	var f Follow
	var created int64
	if err := row.Scan(&f.FollowerID, &f.FolloweeID, &created); err != nil {
		return f, err
	}
	f.CreatedAt = FromNanos(created)
	return f, nil
}

func (s *SQL) Follow(ctx context.Context, followerID, followeeID int64) (bool, error) {
	if followerID == followeeID {
		return false, errors.Wrap(ErrConflict, "cannot follow yourself")
	}
	for _, id := range []int64{followerID, followeeID} {
		if _, err := s.GetUser(ctx, id); err != nil {
			return false, err
		}
	}
	res, err := s.exec(ctx, s.db,
		`INSERT INTO follows (follower_id, followee_id, created_at) VALUES (?, ?, ?)
		ON CONFLICT (follower_id, followee_id) DO NOTHING`,
		followerID, followeeID, s.timestamp())
	if err != nil {
		return false, errors.Wrapf(err, "error following %d -> %d", followerID, followeeID)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.publish(ctx, events.KindFollow, followerID, events.OpCreated)
	}
	return n > 0, nil
}

func (s *SQL) Unfollow(ctx context.Context, followerID, followeeID int64) (bool, error) {
	res, err := s.exec(ctx, s.db,
		`DELETE FROM follows WHERE follower_id = ? AND followee_id = ?`, followerID, followeeID)
	if err != nil {
		return false, errors.Wrapf(err, "error unfollowing %d -> %d", followerID, followeeID)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.publish(ctx, events.KindFollow, followerID, events.OpDeleted)
	}
	return n > 0, nil
}

func (s *SQL) ids(ctx context.Context, query string, id int64) ([]int64, error) {
	rows, err := s.query(ctx, s.db, query, id)
	if err != nil {
		return nil, err
	}
	return collect(rows, func(row scanner) (int64, error) {
		var v int64
		err := row.Scan(&v)
		return v, err
	})
}

func (s *SQL) FollowerIDs(ctx context.Context, userID int64) ([]int64, error) {
	ids, err := s.ids(ctx, `SELECT follower_id FROM follows WHERE followee_id = ? ORDER BY id`, userID)
	return ids, errors.Wrapf(err, "error loading followers of %d", userID)
}

func (s *SQL) FollowingIDs(ctx context.Context, userID int64) ([]int64, error) {
	ids, err := s.ids(ctx, `SELECT followee_id FROM follows WHERE follower_id = ? ORDER BY id`, userID)
	return ids, errors.Wrapf(err, "error loading followings of %d", userID)
}

func (s *SQL) listFollows(ctx context.Context, column string, userID int64, r Range) ([]Follow, error) {
	q, args := window(`SELECT follower_id, followee_id, created_at FROM follows WHERE `+column+` = ?`,
		"created_at", r, []any{userID})
	rows, err := s.query(ctx, s.db, q, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "error listing follows of %d", userID)
	}
	return collect(rows, scanFollow)
}

func (s *SQL) ListFollowers(ctx context.Context, userID int64, r Range) ([]Follow, error) {
	return s.listFollows(ctx, "followee_id", userID, r)
}

func (s *SQL) ListFollowings(ctx context.Context, userID int64, r Range) ([]Follow, error) {
	return s.listFollows(ctx, "follower_id", userID, r)
}
