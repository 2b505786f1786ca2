package store

import (
	"context"
	"database/sql"

	"github.com/cockroachdb/errors"
)

func table(ref TargetRef) (string, error) {
	if !ref.Valid() {
		return "", errors.Wrapf(ErrNotFound, "invalid target %s", ref)
	}
	if ref.Kind == TargetPost {
		return "posts", nil
	}
	return "comments", nil
}

func scanLike(row scanner) (Like, error) {
	var l Like
	var kind string
	var created int64
	if err := row.Scan(&l.ID, &l.UserID, &kind, &l.Target.ID, &created); err != nil {
		return l, err
	}
	l.Target.Kind = TargetKind(kind)
	l.CreatedAt = FromNanos(created)
	return l, nil
}

const likeColumns = `id, user_id, target_kind, target_id, created_at`

func (s *SQL) CreateLike(ctx context.Context, userID int64, target TargetRef) (Like, bool, error) {
	tbl, err := table(target)
	if err != nil {
		return Like{}, false, err
	}
	var like Like
	var created bool
	err = s.tx(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := s.queryRow(ctx, tx, `SELECT 1 FROM `+tbl+` WHERE id = ?`, target.ID).Scan(&exists); err != nil {
			return notFound(err, string(target.Kind), target.ID)
		}
		like, err = scanLike(s.queryRow(ctx, tx,
			`INSERT INTO likes (user_id, target_kind, target_id, created_at) VALUES (?, ?, ?, ?)
			ON CONFLICT (user_id, target_kind, target_id) DO NOTHING
			RETURNING `+likeColumns,
			userID, string(target.Kind), target.ID, s.timestamp()))
		if errors.Is(err, sql.ErrNoRows) {
			like, err = scanLike(s.queryRow(ctx, tx,
				`SELECT `+likeColumns+` FROM likes WHERE user_id = ? AND target_kind = ? AND target_id = ?`,
				userID, string(target.Kind), target.ID))
			return errors.Wrapf(err, "error loading like of %s by %d", target, userID)
		}
		if err != nil {
			return errors.Wrapf(err, "error liking %s", target)
		}
		created = true
		_, err = s.exec(ctx, tx, `UPDATE `+tbl+` SET likes_count = likes_count + 1 WHERE id = ?`, target.ID)
		return errors.Wrapf(err, "error counting like of %s", target)
	})
	if err != nil {
		return Like{}, false, err
	}
	return like, created, nil
}

func (s *SQL) DeleteLike(ctx context.Context, userID int64, target TargetRef) (bool, error) {
	tbl, err := table(target)
	if err != nil {
		return false, err
	}
	var deleted bool
	err = s.tx(ctx, func(tx *sql.Tx) error {
		res, err := s.exec(ctx, tx, `DELETE FROM likes WHERE user_id = ? AND target_kind = ? AND target_id = ?`,
			userID, string(target.Kind), target.ID)
		if err != nil {
			return errors.Wrapf(err, "error unliking %s", target)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		deleted = true
		_, err = s.exec(ctx, tx,
			`UPDATE `+tbl+` SET likes_count = likes_count - 1 WHERE id = ? AND likes_count > 0`, target.ID)
		return errors.Wrapf(err, "error uncounting like of %s", target)
	})
	return deleted, err
}

func (s *SQL) HasLiked(ctx context.Context, userID int64, target TargetRef) (bool, error) {
	var n int
	err := s.queryRow(ctx, s.db,
		`SELECT COUNT(*) FROM likes WHERE user_id = ? AND target_kind = ? AND target_id = ?`,
		userID, string(target.Kind), target.ID).Scan(&n)
	if err != nil {
		return false, errors.Wrapf(err, "error checking like of %s by %d", target, userID)
	}
	return n > 0, nil
}

func (s *SQL) ListLikes(ctx context.Context, target TargetRef, r Range) ([]Like, error) {
	q, args := window(`SELECT `+likeColumns+` FROM likes WHERE target_kind = ? AND target_id = ?`,
		"created_at", r, []any{string(target.Kind), target.ID})
	rows, err := s.query(ctx, s.db, q, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "error listing likes of %s", target)
	}
	return collect(rows, scanLike)
}

func (s *SQL) Resolve(ctx context.Context, ref TargetRef) (Target, error) {
	switch ref.Kind {
	case TargetPost:
		p, err := s.GetPost(ctx, ref.ID)
		if err != nil {
			return nil, err
		}
		return p, nil
	case TargetComment:
		c, err := s.GetComment(ctx, ref.ID)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	return nil, errors.Wrapf(ErrNotFound, "invalid target %s", ref)
}

func (s *SQL) Count(ctx context.Context, ref TargetRef, attr Attr) (int64, error) {
	tbl, err := table(ref)
	if err != nil {
		return 0, err
	}
	if attr != AttrLikes && !(attr == AttrComments && ref.Kind == TargetPost) {
		return 0, errors.Wrapf(ErrUnknownCounter, "%s.%s", ref.Kind, attr)
	}
	var n int64
	if err := s.queryRow(ctx, s.db, `SELECT `+string(attr)+` FROM `+tbl+` WHERE id = ?`, ref.ID).Scan(&n); err != nil {
		return 0, notFound(err, string(ref.Kind), ref.ID)
	}
	return n, nil
}

var recounts = []string{
	`UPDATE posts SET likes_count = (SELECT COUNT(*) FROM likes WHERE target_kind = 'post' AND target_id = posts.id)
	WHERE likes_count <> (SELECT COUNT(*) FROM likes WHERE target_kind = 'post' AND target_id = posts.id)`,
	`UPDATE posts SET comments_count = (SELECT COUNT(*) FROM comments WHERE post_id = posts.id)
	WHERE comments_count <> (SELECT COUNT(*) FROM comments WHERE post_id = posts.id)`,
	`UPDATE comments SET likes_count = (SELECT COUNT(*) FROM likes WHERE target_kind = 'comment' AND target_id = comments.id)
	WHERE likes_count <> (SELECT COUNT(*) FROM likes WHERE target_kind = 'comment' AND target_id = comments.id)`,
}

func (s *SQL) RecountCounts(ctx context.Context) (int64, error) {
	var changed int64
	err := s.tx(ctx, func(tx *sql.Tx) error {
		for _, stmt := range recounts {
			res, err := s.exec(ctx, tx, stmt)
			if err != nil {
				return errors.Wrap(err, "error recounting")
			}
			n, _ := res.RowsAffected()
			changed += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.logger.Info("recounted denormalized counters, %d rows changed", changed)
	return changed, nil
}
