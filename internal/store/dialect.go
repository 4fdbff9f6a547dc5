package store

import (
	"strconv"
	"strings"
)

type migration struct {
	version int
	up      string
}

// Dialect captures what differs between the supported SQL backends.
// Queries are written with "?" placeholders and rebound per dialect.
type Dialect struct {
	Name            string
	DriverName      string
	numbered        bool
	migrationsTable string
	migrations      []migration
}

// SQLite is the default single-node backend (modernc.org/sqlite).
var SQLite = Dialect{
	Name:       "sqlite",
	DriverName: "sqlite",
	migrationsTable: `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`,
	migrations: []migration{
		{
			version: 1,
			up: `
				CREATE TABLE IF NOT EXISTS token_records (
					token_ref TEXT PRIMARY KEY,
					provider TEXT NOT NULL,
					email TEXT NOT NULL,
					access_token_encrypted TEXT NOT NULL,
					refresh_token_encrypted TEXT NOT NULL DEFAULT '',
					expires_at INTEGER NOT NULL,
					created_at INTEGER NOT NULL,
					updated_at INTEGER NOT NULL,
					UNIQUE (provider, email)
				);
			`,
		},
		{
			version: 2,
			up:      `CREATE INDEX IF NOT EXISTS idx_token_records_expires_at ON token_records(expires_at);`,
		},
	},
}

// Postgres runs through the pgx database/sql driver.
var Postgres = Dialect{
	Name:       "postgres",
	DriverName: "pgx",
	numbered:   true,
	migrationsTable: `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMPTZ DEFAULT now()
		)
	`,
	migrations: []migration{
		{
			version: 1,
			up: `
				CREATE TABLE IF NOT EXISTS token_records (
					token_ref TEXT PRIMARY KEY,
					provider TEXT NOT NULL,
					email TEXT NOT NULL,
					access_token_encrypted TEXT NOT NULL,
					refresh_token_encrypted TEXT NOT NULL DEFAULT '',
					expires_at BIGINT NOT NULL,
					created_at BIGINT NOT NULL,
					updated_at BIGINT NOT NULL,
					UNIQUE (provider, email)
				);
			`,
		},
		{
			version: 2,
			up:      `CREATE INDEX IF NOT EXISTS idx_token_records_expires_at ON token_records(expires_at);`,
		},
	},
}

// Rebind rewrites "?" placeholders for dialects that number them.
func (d Dialect) Rebind(query string) string {
	if !d.numbered {
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
