package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"postdeck/internal/model"
)

func (s *Store) SaveChannel(ctx context.Context, c model.Channel) error {
	if strings.TrimSpace(c.ID) == "" {
		return errors.New("channel id is required")
	}
	_, err := s.db.ExecContext(ctx, s.dialect.rebind(
		`INSERT INTO channels (id, team_id, platform, kind, name, account_id, access_token, secret, refresh_token, expires_at_ms, updated_at_ms)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT (id) DO UPDATE SET
			team_id = excluded.team_id, platform = excluded.platform, kind = excluded.kind, name = excluded.name,
			account_id = excluded.account_id, access_token = excluded.access_token, secret = excluded.secret,
			refresh_token = excluded.refresh_token, expires_at_ms = excluded.expires_at_ms,
			updated_at_ms = excluded.updated_at_ms`),
		c.ID, c.TeamID, string(c.Platform), string(c.Kind), c.Name, c.AccountID,
		c.Credentials.AccessToken, c.Credentials.Secret, c.Credentials.RefreshToken,
		msOf(c.Credentials.ExpiresAt), time.Now().UnixMilli(),
	)
	return err
}

func (s *Store) GetChannel(ctx context.Context, id string) (model.Channel, error) {
	var (
		c                  model.Channel
		platform, kind     string
		expiresMS, updated int64
	)
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(
		`SELECT id, team_id, platform, kind, name, account_id, access_token, secret, refresh_token, expires_at_ms, updated_at_ms
		 FROM channels WHERE id = ?`), id).
		Scan(&c.ID, &c.TeamID, &platform, &kind, &c.Name, &c.AccountID,
			&c.Credentials.AccessToken, &c.Credentials.Secret, &c.Credentials.RefreshToken, &expiresMS, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Channel{}, fmt.Errorf("channel %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Channel{}, err
	}
	c.Platform = model.ParsePlatform(platform)
	c.Kind = model.ChannelKind(kind)
	c.Credentials.ExpiresAt = timeOf(expiresMS)
	return c, nil
}

func (s *Store) DeleteChannel(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.dialect.rebind(`DELETE FROM channels WHERE id = ?`), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("channel %s: %w", id, ErrNotFound)
	}
	return nil
}

// AttachChannel links a post to a channel. A non-nil override replaces the
// post's scheduled time for this channel only.
func (s *Store) AttachChannel(ctx context.Context, postID, channelID string, override *time.Time) error {
	var at any
	if override != nil && !override.IsZero() {
		at = override.UnixMilli()
	}
	_, err := s.db.ExecContext(ctx, s.dialect.rebind(
		`INSERT INTO post_channels (post_id, channel_id, scheduled_at_ms) VALUES (?,?,?)
		 ON CONFLICT (post_id, channel_id) DO UPDATE SET scheduled_at_ms = excluded.scheduled_at_ms`),
		postID, channelID, at)
	return err
}

func (s *Store) DetachChannel(ctx context.Context, postID, channelID string) error {
	_, err := s.db.ExecContext(ctx, s.dialect.rebind(
		`DELETE FROM post_channels WHERE post_id = ? AND channel_id = ?`), postID, channelID)
	return err
}
