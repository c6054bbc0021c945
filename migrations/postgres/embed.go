// Package postgres embeds the PostgreSQL schema migrations.
package postgres

import "embed"

// Files holds the numbered *.up.sql migration files.
//
//go:embed *.up.sql
var Files embed.FS
