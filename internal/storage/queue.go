package storage

import (
	"context"
	"fmt"
	"time"

	"postdeck/internal/model"
)

// Queue row states.
const (
	QueuePending = "pending"
	QueueLeased  = "leased"
	QueueDone    = "done"
	QueueDead    = "dead"
)

// Enqueue inserts a publish task keyed by (post, channel). While a row for the
// key is pending or leased the call is a no-op and reports false. Finished rows
// (done/dead) are reset so a requeued post can be published again.
func (s *Store) Enqueue(ctx context.Context, t model.PublishTask) (bool, error) {
	now := time.Now().UnixMilli()
	res, err := s.db.ExecContext(ctx, s.dialect.rebind(
		`INSERT INTO publish_queue (task_key, post_id, channel_id, platform, not_before_ms, status, attempts, created_at_ms, updated_at_ms)
		 VALUES (?,?,?,?,?,?,0,?,?)
		 ON CONFLICT (task_key) DO UPDATE SET
			platform = excluded.platform, not_before_ms = excluded.not_before_ms, status = excluded.status,
			attempts = 0, lease_owner = '', lease_until_ms = 0, last_error = '', updated_at_ms = excluded.updated_at_ms
		 WHERE publish_queue.status IN (?, ?)`),
		t.Key(), t.PostID, t.ChannelID, string(t.Platform), msOf(t.NotBefore), QueuePending, now, now, QueueDone, QueueDead)
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", t.Key(), err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Lease hands out up to limit due tasks to owner until now+leaseFor.
// Attempt counts are incremented on lease.
func (s *Store) Lease(ctx context.Context, owner string, now time.Time, leaseFor time.Duration, limit int) ([]model.PublishTask, error) {
	if limit <= 0 {
		limit = 32
	}
	nowMS := now.UnixMilli()
	q := `UPDATE publish_queue SET status = ?, lease_owner = ?, lease_until_ms = ?, attempts = attempts + 1, updated_at_ms = ?
		WHERE task_key IN (
			SELECT task_key FROM publish_queue
			WHERE status = ? AND not_before_ms <= ?
			ORDER BY not_before_ms, task_key
			LIMIT ?` + s.dialect.lockSuffix + `
		) AND status = ?
		RETURNING post_id, channel_id, platform, not_before_ms, attempts`
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(q),
		QueueLeased, owner, now.Add(leaseFor).UnixMilli(), nowMS, QueuePending, nowMS, limit, QueuePending)
	if err != nil {
		return nil, fmt.Errorf("lease: %w", err)
	}
	defer rows.Close()

	var out []model.PublishTask
	for rows.Next() {
		var (
			t        model.PublishTask
			platform string
			nb       int64
		)
		if err := rows.Scan(&t.PostID, &t.ChannelID, &platform, &nb, &t.Attempt); err != nil {
			return out, err
		}
		t.Platform = model.Platform(platform)
		t.NotBefore = timeOf(nb)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) settle(ctx context.Context, key, owner, set string, args ...any) error {
	args = append(args, time.Now().UnixMilli(), key, owner, QueueLeased)
	res, err := s.db.ExecContext(ctx, s.dialect.rebind(
		`UPDATE publish_queue SET `+set+`, updated_at_ms = ? WHERE task_key = ? AND lease_owner = ? AND status = ?`), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s: %w", key, ErrLeaseLost)
	}
	return nil
}

// Ack marks a leased task finished.
func (s *Store) Ack(ctx context.Context, key, owner string) error {
	return s.settle(ctx, key, owner, `status = ?, lease_owner = '', lease_until_ms = 0, last_error = ''`, QueueDone)
}

// Retry returns a leased task to pending, due at notBefore.
func (s *Store) Retry(ctx context.Context, key, owner string, notBefore time.Time, lastErr string) error {
	return s.settle(ctx, key, owner,
		`status = ?, not_before_ms = ?, lease_owner = '', lease_until_ms = 0, last_error = ?`,
		QueuePending, notBefore.UnixMilli(), lastErr)
}

// Defer is Retry without consuming an attempt; used when the worker could not
// even start the task (engine queue full, circuit open).
func (s *Store) Defer(ctx context.Context, key, owner string, notBefore time.Time) error {
	return s.settle(ctx, key, owner,
		`status = ?, not_before_ms = ?, lease_owner = '', lease_until_ms = 0,
		 attempts = CASE WHEN attempts > 0 THEN attempts - 1 ELSE 0 END`,
		QueuePending, notBefore.UnixMilli())
}

// Bury moves a leased task to the terminal dead state, keeping the last error.
func (s *Store) Bury(ctx context.Context, key, owner, lastErr string) error {
	return s.settle(ctx, key, owner, `status = ?, lease_owner = '', lease_until_ms = 0, last_error = ?`, QueueDead, lastErr)
}

// ReapExpired returns tasks whose lease ran out to pending.
func (s *Store) ReapExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.dialect.rebind(
		`UPDATE publish_queue SET status = ?, lease_owner = '', lease_until_ms = 0, updated_at_ms = ?
		 WHERE status = ? AND lease_until_ms < ?`),
		QueuePending, now.UnixMilli(), QueueLeased, now.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// QueueItem is a diagnostic view of a queue row.
type QueueItem struct {
	Key       string    `json:"key"`
	Status    string    `json:"status"`
	Attempts  int       `json:"attempts"`
	NotBefore time.Time `json:"not_before"`
	LastError string    `json:"last_error,omitempty"`
}

func (s *Store) GetQueueItem(ctx context.Context, key string) (QueueItem, error) {
	var (
		it QueueItem
		nb int64
	)
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(
		`SELECT task_key, status, attempts, not_before_ms, last_error FROM publish_queue WHERE task_key = ?`), key).
		Scan(&it.Key, &it.Status, &it.Attempts, &nb, &it.LastError)
	if err != nil {
		return QueueItem{}, notFound(err, "queue item "+key)
	}
	it.NotBefore = timeOf(nb)
	return it, nil
}

// QueueStats counts rows per state.
func (s *Store) QueueStats(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM publish_queue GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{QueuePending: 0, QueueLeased: 0, QueueDone: 0, QueueDead: 0}
	for rows.Next() {
		var (
			st string
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return out, err
		}
		out[st] = n
	}
	return out, rows.Err()
}
