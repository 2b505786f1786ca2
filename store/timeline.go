package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"
)

// insertChunk bounds the rows of one multi-row INSERT, keeping the
// placeholder count under every driver's limit.
const insertChunk = 500

func scanTimelineEntry(row scanner) (TimelineEntry, error) {
	var e TimelineEntry
	var postID sql.NullInt64
	var created int64
	if err := row.Scan(&e.ID, &e.OwnerID, &postID, &created); err != nil {
		return e, err
	}
	if postID.Valid {
		id := postID.Int64
		e.PostID = &id
	}
	e.CreatedAt = FromNanos(created)
	return e, nil
}

func (s *SQL) InsertTimelineEntries(ctx context.Context, postID int64, createdAt time.Time, ownerIDs []int64) (InsertResult, error) {
	var result InsertResult
	owners := make([]int64, 0, len(ownerIDs))
	seen := make(map[int64]bool, len(ownerIDs))
	for _, id := range ownerIDs {
		if !seen[id] {
			seen[id] = true
			owners = append(owners, id)
		}
	}
	if len(owners) == 0 {
		return result, nil
	}
	created := Nanos(createdAt)
	err := s.tx(ctx, func(tx *sql.Tx) error {
		for start := 0; start < len(owners); start += insertChunk {
			chunk := owners[start:min(start+insertChunk, len(owners))]
			args := make([]any, 0, len(chunk)*3)
			values := make([]byte, 0, len(chunk)*10)
			for i, owner := range chunk {
				if i > 0 {
					values = append(values, ',')
				}
				values = append(values, "(?,?,?)"...)
				args = append(args, owner, postID, created)
			}
			rows, err := s.query(ctx, tx,
				`INSERT INTO timeline_entries (owner_id, post_id, created_at) VALUES `+string(values)+`
				ON CONFLICT (owner_id, post_id) DO NOTHING
				RETURNING id, owner_id, post_id, created_at`, args...)
			if err != nil {
				return errors.Wrapf(err, "error inserting timeline entries for post %d", postID)
			}
			entries, err := collect(rows, scanTimelineEntry)
			if err != nil {
				return errors.Wrapf(err, "error reading inserted timeline entries for post %d", postID)
			}
			result.Created = append(result.Created, entries...)
		}
		return nil
	})
	if err != nil {
		return InsertResult{}, err
	}
	inserted := make(map[int64]bool, len(result.Created))
	for _, e := range result.Created {
		inserted[e.OwnerID] = true
	}
	for _, owner := range owners {
		if !inserted[owner] {
			result.Existing = append(result.Existing, owner)
		}
	}
	return result, nil
}

func (s *SQL) ListTimeline(ctx context.Context, ownerID int64, r Range) ([]TimelineEntry, error) {
	q, args := window(`SELECT id, owner_id, post_id, created_at FROM timeline_entries WHERE owner_id = ?`,
		"created_at", r, []any{ownerID})
	rows, err := s.query(ctx, s.db, q, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "error listing timeline of %d", ownerID)
	}
	return collect(rows, scanTimelineEntry)
}

func (s *SQL) CountTimelineEntries(ctx context.Context, postID int64) (int, error) {
	var n int
	err := s.queryRow(ctx, s.db, `SELECT COUNT(*) FROM timeline_entries WHERE post_id = ?`, postID).Scan(&n)
	return n, errors.Wrapf(err, "error counting timeline entries of post %d", postID)
}
