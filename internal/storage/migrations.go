package storage

import (
	"database/sql"

	"github.com/lopezator/migrator"
)

// The schema only uses types both dialects accept. Timestamps are unix
// milliseconds; flags are 0/1 integers.
var schema = [][]string{
	{
		`CREATE TABLE IF NOT EXISTS posts (
			id TEXT NOT NULL PRIMARY KEY,
			team_id TEXT NOT NULL DEFAULT '',
			author_id TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL DEFAULT '',
			media TEXT NOT NULL DEFAULT '[]',
			scheduled_at_ms BIGINT NOT NULL DEFAULT 0,
			is_draft INTEGER NOT NULL DEFAULT 1,
			is_picked INTEGER NOT NULL DEFAULT 0,
			picked_at_ms BIGINT NOT NULL DEFAULT 0,
			review_status TEXT NOT NULL DEFAULT 'pending',
			created_at_ms BIGINT NOT NULL DEFAULT 0,
			updated_at_ms BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS posts_due_idx ON posts (is_draft, is_picked, scheduled_at_ms)`,
		`CREATE TABLE IF NOT EXISTS channels (
			id TEXT NOT NULL PRIMARY KEY,
			team_id TEXT NOT NULL DEFAULT '',
			platform TEXT NOT NULL,
			kind TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			account_id TEXT NOT NULL DEFAULT '',
			access_token TEXT NOT NULL DEFAULT '',
			secret TEXT NOT NULL DEFAULT '',
			refresh_token TEXT NOT NULL DEFAULT '',
			expires_at_ms BIGINT NOT NULL DEFAULT 0,
			updated_at_ms BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS post_channels (
			post_id TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			scheduled_at_ms BIGINT,
			PRIMARY KEY (post_id, channel_id)
		)`,
	},
	{
		`CREATE TABLE IF NOT EXISTS deliveries (
			post_id TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			error_kind TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			retryable INTEGER NOT NULL DEFAULT 0,
			platform_post_id TEXT NOT NULL DEFAULT '',
			platform_url TEXT NOT NULL DEFAULT '',
			idempotency_key TEXT NOT NULL DEFAULT '',
			dispatched_at_ms BIGINT NOT NULL DEFAULT 0,
			published_at_ms BIGINT NOT NULL DEFAULT 0,
			updated_at_ms BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (post_id, channel_id)
		)`,
	},
	{
		`CREATE TABLE IF NOT EXISTS publish_queue (
			task_key TEXT NOT NULL PRIMARY KEY,
			post_id TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			platform TEXT NOT NULL DEFAULT '',
			not_before_ms BIGINT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			attempts INTEGER NOT NULL DEFAULT 0,
			lease_owner TEXT NOT NULL DEFAULT '',
			lease_until_ms BIGINT NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			created_at_ms BIGINT NOT NULL DEFAULT 0,
			updated_at_ms BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS publish_queue_due_idx ON publish_queue (status, not_before_ms)`,
	},
}

var migrationNames = []string{"00001_posts_channels", "00002_deliveries", "00003_publish_queue"}

func migrate(db *sql.DB) error {
	ms := make([]interface{}, 0, len(schema))
	for i, stmts := range schema {
		stmts := stmts
		ms = append(ms, &migrator.Migration{
			Name: migrationNames[i],
			Func: func(tx *sql.Tx) error {
				for _, q := range stmts {
					if _, err := tx.Exec(q); err != nil {
						return err
					}
				}
				return nil
			},
		})
	}
	m, err := migrator.New(migrator.Migrations(ms...))
	if err != nil {
		return err
	}
	return m.Migrate(db)
}
