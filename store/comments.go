package store

import (
	"context"
	"database/sql"

	"github.com/chirpline/newsfeed/events"
	"github.com/cockroachdb/errors"
)

const commentColumns = `id, post_id, author_id, content, created_at, likes_count`

func scanComment(row scanner) (Comment, error) {
	var c Comment
	var created int64
	if err := row.Scan(&c.ID, &c.PostID, &c.AuthorID, &c.Content, &created, &c.LikesCount); err != nil {
		return c, err
	}
	c.CreatedAt = FromNanos(created)
	return c, nil
}

func (s *SQL) CreateComment(ctx context.Context, postID, authorID int64, content string) (Comment, error) {
	var c Comment
	err := s.tx(ctx, func(tx *sql.Tx) error {
		res, err := s.exec(ctx, tx, `UPDATE posts SET comments_count = comments_count + 1 WHERE id = ?`, postID)
		if err != nil {
			return errors.Wrapf(err, "error counting comment on post %d", postID)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errors.Wrapf(ErrNotFound, "post %d", postID)
		}
		c, err = scanComment(s.queryRow(ctx, tx,
			`INSERT INTO comments (post_id, author_id, content, created_at) VALUES (?, ?, ?, ?) RETURNING `+commentColumns,
			postID, authorID, content, s.timestamp()))
		return errors.Wrap(err, "error creating comment")
	})
	if err != nil {
		return Comment{}, err
	}
	s.publish(ctx, events.KindComment, c.ID, events.OpCreated)
	return c, nil
}

func (s *SQL) GetComment(ctx context.Context, id int64) (Comment, error) {
	c, err := scanComment(s.queryRow(ctx, s.db, `SELECT `+commentColumns+` FROM comments WHERE id = ?`, id))
	if err != nil {
		return Comment{}, notFound(err, "comment", id)
	}
	return c, nil
}

func (s *SQL) DeleteComment(ctx context.Context, id int64) (Comment, error) {
	var c Comment
	err := s.tx(ctx, func(tx *sql.Tx) error {
		var err error
		c, err = scanComment(s.queryRow(ctx, tx,
			`DELETE FROM comments WHERE id = ? RETURNING `+commentColumns, id))
		if err != nil {
			return notFound(err, "comment", id)
		}
		if _, err := s.exec(ctx, tx, `DELETE FROM likes WHERE target_kind = 'comment' AND target_id = ?`, id); err != nil {
			return errors.Wrapf(err, "error deleting likes of comment %d", id)
		}
		_, err = s.exec(ctx, tx,
			`UPDATE posts SET comments_count = comments_count - 1 WHERE id = ? AND comments_count > 0`, c.PostID)
		return errors.Wrapf(err, "error uncounting comment on post %d", c.PostID)
	})
	if err != nil {
		return Comment{}, err
	}
	s.publish(ctx, events.KindComment, id, events.OpDeleted)
	return c, nil
}

func (s *SQL) ListComments(ctx context.Context, postID int64, r Range) ([]Comment, error) {
	q, args := window(`SELECT `+commentColumns+` FROM comments WHERE post_id = ?`, "created_at", r, []any{postID})
	rows, err := s.query(ctx, s.db, q, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "error listing comments of post %d", postID)
	}
	return collect(rows, scanComment)
}
