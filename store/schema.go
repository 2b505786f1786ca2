package store

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"
)

// Timestamps are Unix nanoseconds in BIGINT columns.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id {{serial}},
		username TEXT NOT NULL UNIQUE,
		email TEXT NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS profiles (
		user_id BIGINT PRIMARY KEY,
		nickname TEXT NOT NULL DEFAULT '',
		avatar_url TEXT NOT NULL DEFAULT '',
		updated_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS posts (
		id {{serial}},
		author_id BIGINT NOT NULL,
		content TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		comments_count BIGINT NOT NULL DEFAULT 0,
		likes_count BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_posts_author_created ON posts (author_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS follows (
		id {{serial}},
		follower_id BIGINT NOT NULL,
		followee_id BIGINT NOT NULL,
		created_at BIGINT NOT NULL,
		UNIQUE (follower_id, followee_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_follows_followee_created ON follows (followee_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS timeline_entries (
		id {{serial}},
		owner_id BIGINT NOT NULL,
		post_id BIGINT,
		created_at BIGINT NOT NULL,
		UNIQUE (owner_id, post_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_timeline_owner_created ON timeline_entries (owner_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS comments (
		id {{serial}},
		post_id BIGINT NOT NULL,
		author_id BIGINT NOT NULL,
		content TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		likes_count BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_comments_post_created ON comments (post_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS likes (
		id {{serial}},
		user_id BIGINT NOT NULL,
		target_kind TEXT NOT NULL,
		target_id BIGINT NOT NULL,
		created_at BIGINT NOT NULL,
		UNIQUE (user_id, target_kind, target_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_likes_target_created ON likes (target_kind, target_id, created_at)`,
}

// Migrate creates any missing tables and indexes.
func (s *SQL) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		stmt = strings.ReplaceAll(stmt, "{{serial}}", s.dialect.serial)
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "error migrating %s", firstLine(stmt))
		}
	}
	s.logger.Debug("schema migrated (%s)", s.dialect.Name)
	return nil
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return strings.TrimSuffix(strings.TrimSpace(line), " (")
}
