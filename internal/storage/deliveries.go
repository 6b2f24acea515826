package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"postdeck/internal/model"
)

const deliveryColumns = `post_id, channel_id, status, attempts, error_kind, error_message, retryable, platform_post_id, platform_url, idempotency_key, dispatched_at_ms, published_at_ms, updated_at_ms`

func scanDelivery(r rowScanner) (model.Delivery, error) {
	var (
		d                        model.Delivery
		status                   string
		retryable                int
		dispatched, published, u int64
	)
	if err := r.Scan(&d.PostID, &d.ChannelID, &status, &d.Attempts, &d.ErrorKind, &d.ErrorMessage, &retryable,
		&d.PlatformPostID, &d.PlatformURL, &d.IdempotencyKey, &dispatched, &published, &u); err != nil {
		return model.Delivery{}, err
	}
	d.Status = model.DeliveryStatus(status)
	d.Retryable = retryable != 0
	d.DispatchedAt = timeOf(dispatched)
	d.PublishedAt = timeOf(published)
	d.UpdatedAt = timeOf(u)
	return d, nil
}

// MarkDispatched records that a task for (post, channel) was handed to the
// queue at the scan time at. A delivery that already succeeded is never
// downgraded, and a row written at or after at belongs to this dispatch's
// own run (the queue may execute a due task before this call) and is kept.
func (s *Store) MarkDispatched(ctx context.Context, postID, channelID string, at time.Time) error {
	ms := at.UnixMilli()
	_, err := s.db.ExecContext(ctx, s.dialect.rebind(
		`INSERT INTO deliveries (post_id, channel_id, status, dispatched_at_ms, updated_at_ms) VALUES (?,?,?,?,?)
		 ON CONFLICT (post_id, channel_id) DO UPDATE SET
			status = excluded.status, dispatched_at_ms = excluded.dispatched_at_ms,
			error_kind = '', error_message = '', retryable = 0, updated_at_ms = excluded.updated_at_ms
		 WHERE deliveries.status <> ? AND deliveries.updated_at_ms < excluded.dispatched_at_ms`),
		postID, channelID, string(model.DeliveryDispatched), ms, ms, string(model.DeliverySucceeded))
	return err
}

// RecordDelivery writes the outcome of a publish attempt.
func (s *Store) RecordDelivery(ctx context.Context, d model.Delivery) error {
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.dialect.rebind(
		`INSERT INTO deliveries (`+deliveryColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT (post_id, channel_id) DO UPDATE SET
			status = excluded.status, attempts = excluded.attempts, error_kind = excluded.error_kind,
			error_message = excluded.error_message, retryable = excluded.retryable,
			platform_post_id = excluded.platform_post_id, platform_url = excluded.platform_url,
			idempotency_key = excluded.idempotency_key,
			dispatched_at_ms = CASE WHEN excluded.dispatched_at_ms > 0 THEN excluded.dispatched_at_ms ELSE deliveries.dispatched_at_ms END,
			published_at_ms = excluded.published_at_ms, updated_at_ms = excluded.updated_at_ms`),
		d.PostID, d.ChannelID, string(d.Status), d.Attempts, d.ErrorKind, d.ErrorMessage, b2i(d.Retryable),
		d.PlatformPostID, d.PlatformURL, d.IdempotencyKey, msOf(d.DispatchedAt), msOf(d.PublishedAt), msOf(d.UpdatedAt),
	)
	return err
}

func (s *Store) GetDelivery(ctx context.Context, postID, channelID string) (model.Delivery, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.rebind(
		`SELECT `+deliveryColumns+` FROM deliveries WHERE post_id = ? AND channel_id = ?`), postID, channelID)
	d, err := scanDelivery(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Delivery{}, fmt.Errorf("delivery %s: %w", model.TaskKey(postID, channelID), ErrNotFound)
	}
	return d, err
}

func (s *Store) ListDeliveries(ctx context.Context, postID string) ([]model.Delivery, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(
		`SELECT `+deliveryColumns+` FROM deliveries WHERE post_id = ? ORDER BY channel_id`), postID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return out, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
