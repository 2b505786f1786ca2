package store

import (
	"context"
	"database/sql"

	"github.com/chirpline/newsfeed/events"
	"github.com/cockroachdb/errors"
)

const postColumns = `id, author_id, content, created_at, comments_count, likes_count`

func scanPost(row scanner) (Post, error) {
	var p Post
	var created int64
	if err := row.Scan(&p.ID, &p.AuthorID, &p.Content, &created, &p.CommentsCount, &p.LikesCount); err != nil {
		return p, err
	}
	p.CreatedAt = FromNanos(created)
	return p, nil
}

func (s *SQL) CreatePost(ctx context.Context, authorID int64, content string) (Post, error) {
	if _, err := s.GetUser(ctx, authorID); err != nil {
		return Post{}, err
	}
	p, err := scanPost(s.queryRow(ctx, s.db,
		`INSERT INTO posts (author_id, content, created_at) VALUES (?, ?, ?) RETURNING `+postColumns,
		authorID, content, s.timestamp()))
	if err != nil {
		return Post{}, errors.Wrap(err, "error creating post")
	}
	s.publish(ctx, events.KindPost, p.ID, events.OpCreated)
	return p, nil
}

func (s *SQL) GetPost(ctx context.Context, id int64) (Post, error) {
	p, err := scanPost(s.queryRow(ctx, s.db, `SELECT `+postColumns+` FROM posts WHERE id = ?`, id))
	if err != nil {
		return Post{}, notFound(err, "post", id)
	}
	return p, nil
}

// DeletePost removes a post with its comments and likes. Timeline entries
// keep their row with a NULL post. A deletion event is published for the
// post and for each of its comments.
func (s *SQL) DeletePost(ctx context.Context, id int64) error {
	var comments []int64
	err := s.tx(ctx, func(tx *sql.Tx) error {
		rows, err := s.query(ctx, tx, `SELECT id FROM comments WHERE post_id = ? ORDER BY id`, id)
		if err != nil {
			return errors.Wrapf(err, "error listing comments of post %d", id)
		}
		comments, err = collect(rows, func(row scanner) (int64, error) {
			var cid int64
			err := row.Scan(&cid)
			return cid, err
		})
		if err != nil {
			return errors.Wrapf(err, "error listing comments of post %d", id)
		}
		res, err := s.exec(ctx, tx, `DELETE FROM posts WHERE id = ?`, id)
		if err != nil {
			return errors.Wrapf(err, "error deleting post %d", id)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errors.Wrapf(ErrNotFound, "post %d", id)
		}
		stmts := []string{
			`UPDATE timeline_entries SET post_id = NULL WHERE post_id = ?`,
			`DELETE FROM likes WHERE target_kind = 'comment' AND target_id IN (SELECT id FROM comments WHERE post_id = ?)`,
			`DELETE FROM comments WHERE post_id = ?`,
			`DELETE FROM likes WHERE target_kind = 'post' AND target_id = ?`,
		}
		for _, stmt := range stmts {
			if _, err := s.exec(ctx, tx, stmt, id); err != nil {
				return errors.Wrapf(err, "error cascading delete of post %d", id)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, cid := range comments {
		s.publish(ctx, events.KindComment, cid, events.OpDeleted)
	}
	s.publish(ctx, events.KindPost, id, events.OpDeleted)
	return nil
}

func (s *SQL) ListPostsByAuthor(ctx context.Context, authorID int64, r Range) ([]Post, error) {
	q, args := window(`SELECT `+postColumns+` FROM posts WHERE author_id = ?`, "created_at", r, []any{authorID})
	rows, err := s.query(ctx, s.db, q, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "error listing posts of %d", authorID)
	}
	return collect(rows, scanPost)
}
