package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	logx "postdeck/pkg/logx"
)

var (
	ErrDisabled  = errors.New("storage disabled")
	ErrNotFound  = errors.New("not found")
	ErrLeaseLost = errors.New("queue lease lost")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//   - "postgres": PostgreSQL via pgx (DSN required)
type Config struct {
	Driver       string
	Path         string
	DSN          string
	BusyTimeout  time.Duration // sqlite only; 0 means default
	MaxOpenConns int           // postgres only; 0 means driver default
}

// Store is the claim/state ledger: posts, channels, attachments, per-channel
// deliveries and the SQL publish queue share one database.
type Store struct {
	db      *sql.DB
	dialect dialect
	log     logx.Logger
}

// DB exposes the handle for health checks.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Driver() string {
	if s == nil {
		return ""
	}
	return s.dialect.name
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func msOf(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func timeOf(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return err
}
