// Package pgmigrations embeds the SQL migrations for the Postgres-backed
// EventStore and PGMigrationStore so the binary carries its own schema.
package pgmigrations

import "embed"

//go:embed *.sql
var FS embed.FS
