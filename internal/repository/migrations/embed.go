// Package migrations embeds the SQL schema for each storage backend.
package migrations

import "embed"

// Postgres holds golang-migrate style files under postgres/.
//
//go:embed postgres/*.sql
var Postgres embed.FS

// SQLite holds idempotent schema files under sqlite/, applied in name order.
//
//go:embed sqlite/*.sql
var SQLite embed.FS

const (
	PostgresDir = "postgres"
	SQLiteDir   = "sqlite"
)
