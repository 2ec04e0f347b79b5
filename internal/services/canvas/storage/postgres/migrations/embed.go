package migrations

import "embed"

// FS contains embedded PostgreSQL schema files for the canvas update log.
//
//go:embed *.sql
var FS embed.FS
