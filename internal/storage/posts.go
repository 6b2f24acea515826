package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"postdeck/internal/model"
)

const postColumns = `id, team_id, author_id, content, media, scheduled_at_ms, is_draft, is_picked, picked_at_ms, review_status, created_at_ms, updated_at_ms`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPost(r rowScanner) (model.Post, error) {
	var (
		p                                 model.Post
		media, review                     string
		schedMS, pickedMS, createdMS, upd int64
		draft, picked                     int
	)
	if err := r.Scan(&p.ID, &p.TeamID, &p.AuthorID, &p.Content, &media, &schedMS, &draft, &picked, &pickedMS, &review, &createdMS, &upd); err != nil {
		return model.Post{}, err
	}
	if media != "" {
		if err := json.Unmarshal([]byte(media), &p.Media); err != nil {
			return model.Post{}, fmt.Errorf("post %s: decode media: %w", p.ID, err)
		}
	}
	p.ScheduledAt = timeOf(schedMS)
	p.IsDraft = draft != 0
	p.IsPicked = picked != 0
	p.PickedAt = timeOf(pickedMS)
	p.ReviewStatus = model.ReviewStatus(review)
	p.CreatedAt = timeOf(createdMS)
	p.UpdatedAt = timeOf(upd)
	return p, nil
}

// SavePost inserts or replaces a post.
func (s *Store) SavePost(ctx context.Context, p model.Post) error {
	if strings.TrimSpace(p.ID) == "" {
		return errors.New("post id is required")
	}
	media := []byte("[]")
	if len(p.Media) > 0 {
		b, err := json.Marshal(p.Media)
		if err != nil {
			return err
		}
		media = b
	}
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.ReviewStatus == "" {
		p.ReviewStatus = model.ReviewPending
	}
	_, err := s.db.ExecContext(ctx, s.dialect.rebind(
		`INSERT INTO posts (`+postColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT (id) DO UPDATE SET
			team_id = excluded.team_id, author_id = excluded.author_id, content = excluded.content,
			media = excluded.media, scheduled_at_ms = excluded.scheduled_at_ms, is_draft = excluded.is_draft,
			is_picked = excluded.is_picked, picked_at_ms = excluded.picked_at_ms,
			review_status = excluded.review_status, updated_at_ms = excluded.updated_at_ms`),
		p.ID, p.TeamID, p.AuthorID, p.Content, string(media), msOf(p.ScheduledAt), b2i(p.IsDraft), b2i(p.IsPicked),
		msOf(p.PickedAt), string(p.ReviewStatus), msOf(p.CreatedAt), now.UnixMilli(),
	)
	return err
}

func (s *Store) GetPost(ctx context.Context, id string) (model.Post, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.rebind(`SELECT `+postColumns+` FROM posts WHERE id = ?`), id)
	p, err := scanPost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Post{}, fmt.Errorf("post %s: %w", id, ErrNotFound)
	}
	return p, err
}

// DeletePost removes a post and its channel attachments. Queued tasks for the
// post are left alone; they resolve to a skip when they run.
func (s *Store) DeletePost(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, s.dialect.rebind(`DELETE FROM post_channels WHERE post_id = ?`), id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, s.dialect.rebind(`DELETE FROM posts WHERE id = ?`), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("post %s: %w", id, ErrNotFound)
	}
	return tx.Commit()
}

// ClaimDue atomically picks up to limit eligible posts and returns them.
// A post is returned by at most one ClaimDue/Claim call, even across
// processes sharing the database.
func (s *Store) ClaimDue(ctx context.Context, now time.Time, limit int) ([]model.Post, error) {
	if limit <= 0 {
		limit = 100
	}
	nowMS := now.UnixMilli()
	q := `UPDATE posts SET is_picked = 1, picked_at_ms = ?, updated_at_ms = ?
		WHERE id IN (
			SELECT id FROM posts
			WHERE is_draft = 0 AND is_picked = 0 AND scheduled_at_ms <= ?
			ORDER BY scheduled_at_ms, id
			LIMIT ?` + s.dialect.lockSuffix + `
		) AND is_picked = 0 AND is_draft = 0
		RETURNING ` + postColumns
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(q), nowMS, nowMS, nowMS, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due posts: %w", err)
	}
	defer rows.Close()

	var out []model.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return out, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Claim picks a single post if it is still eligible at now.
func (s *Store) Claim(ctx context.Context, id string, now time.Time) (model.Post, bool, error) {
	nowMS := now.UnixMilli()
	row := s.db.QueryRowContext(ctx, s.dialect.rebind(
		`UPDATE posts SET is_picked = 1, picked_at_ms = ?, updated_at_ms = ?
		 WHERE id = ? AND is_draft = 0 AND is_picked = 0 AND scheduled_at_ms <= ?
		 RETURNING `+postColumns), nowMS, nowMS, id, nowMS)
	p, err := scanPost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Post{}, false, nil
	}
	if err != nil {
		return model.Post{}, false, err
	}
	return p, true, nil
}

// Requeue releases a picked post. With at == nil the post goes back to draft
// for re-scheduling; otherwise it is rescheduled for at and becomes eligible again.
func (s *Store) Requeue(ctx context.Context, id string, at *time.Time) error {
	nowMS := time.Now().UnixMilli()
	var (
		res sql.Result
		err error
	)
	if at == nil {
		res, err = s.db.ExecContext(ctx, s.dialect.rebind(
			`UPDATE posts SET is_draft = 1, is_picked = 0, picked_at_ms = 0, updated_at_ms = ? WHERE id = ?`), nowMS, id)
	} else {
		res, err = s.db.ExecContext(ctx, s.dialect.rebind(
			`UPDATE posts SET is_draft = 0, is_picked = 0, picked_at_ms = 0, scheduled_at_ms = ?, updated_at_ms = ? WHERE id = ?`),
			at.UnixMilli(), nowMS, id)
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("post %s: %w", id, ErrNotFound)
	}
	return nil
}

// Targets lists the channels a post is attached to with their effective time.
// Attachments whose channel was deleted are still returned (empty platform)
// so the publish task can record the skip.
func (s *Store) Targets(ctx context.Context, p model.Post) ([]model.Target, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(
		`SELECT pc.channel_id, COALESCE(c.platform, ''), pc.scheduled_at_ms
		 FROM post_channels pc LEFT JOIN channels c ON c.id = pc.channel_id
		 WHERE pc.post_id = ? ORDER BY pc.channel_id`), p.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Target
	for rows.Next() {
		var (
			t        = model.Target{PostID: p.ID, ScheduledAt: p.ScheduledAt}
			platform string
			override sql.NullInt64
		)
		if err := rows.Scan(&t.ChannelID, &platform, &override); err != nil {
			return out, err
		}
		t.Platform = model.Platform(platform)
		if override.Valid && override.Int64 > 0 {
			t.ScheduledAt = timeOf(override.Int64)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListStalled returns targets of picked posts that never reached the queue:
// no delivery row exists, the post was picked at or before cutoff and the
// channel's effective time is at or before cutoff.
func (s *Store) ListStalled(ctx context.Context, cutoff time.Time, limit int) ([]model.Target, error) {
	if limit <= 0 {
		limit = 500
	}
	cut := cutoff.UnixMilli()
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(
		`SELECT p.id, pc.channel_id, COALESCE(c.platform, ''), COALESCE(pc.scheduled_at_ms, p.scheduled_at_ms)
		 FROM posts p
		 JOIN post_channels pc ON pc.post_id = p.id
		 LEFT JOIN channels c ON c.id = pc.channel_id
		 LEFT JOIN deliveries d ON d.post_id = p.id AND d.channel_id = pc.channel_id
		 WHERE p.is_picked = 1 AND d.post_id IS NULL
		   AND p.picked_at_ms <= ? AND COALESCE(pc.scheduled_at_ms, p.scheduled_at_ms) <= ?
		 ORDER BY p.picked_at_ms, p.id, pc.channel_id
		 LIMIT ?`), cut, cut, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Target
	for rows.Next() {
		var (
			t        model.Target
			platform string
			at       int64
		)
		if err := rows.Scan(&t.PostID, &t.ChannelID, &platform, &at); err != nil {
			return out, err
		}
		t.Platform = model.Platform(platform)
		t.ScheduledAt = timeOf(at)
		out = append(out, t)
	}
	return out, rows.Err()
}
