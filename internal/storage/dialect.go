package storage

import (
	"embed"
	"strconv"
	"strings"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type dialect struct {
	name       string
	migrations string
	numbered   bool // $1, $2, ... instead of ?
}

var (
	dialectSQLite   = dialect{name: "sqlite", migrations: "migrations/sqlite.sql"}
	dialectPostgres = dialect{name: "postgres", migrations: "migrations/postgres.sql", numbered: true}
)

func (d dialect) rebind(query string) string {
	if !d.numbered || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
