package storage

import (
	"strconv"
	"strings"
)

// dialect captures the few SQL differences between SQLite and Postgres.
// Queries are written with '?' placeholders and rebound per dialect.
type dialect struct {
	name string
	// lockSuffix is appended to claim subqueries so concurrent workers
	// skip rows another transaction is claiming.
	lockSuffix string
	dollar     bool
}

var (
	sqliteDialect   = dialect{name: "sqlite"}
	postgresDialect = dialect{name: "postgres", lockSuffix: " FOR UPDATE SKIP LOCKED", dollar: true}
)

func (d dialect) rebind(q string) string {
	if !d.dollar {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}
