package storage

import (
	"errors"
	"strings"

	logx "postdeck/pkg/logx"
)

// Open initializes the configured store and applies pending migrations.
func Open(cfg Config, log logx.Logger) (*Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "none" {
		return nil, ErrDisabled
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	var (
		st  *Store
		err error
	)
	switch driver {
	case "", "sqlite", "sqlite3":
		st, err = openSQLite(cfg, log)
	case "postgres", "pgx":
		st, err = openPostgres(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
	if err != nil {
		return nil, err
	}
	if err := migrate(st.db); err != nil {
		_ = st.db.Close()
		return nil, err
	}
	log.Debug("storage ready", logx.String("driver", st.dialect.name))
	return st, nil
}
