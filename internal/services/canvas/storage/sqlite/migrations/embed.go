package migrations

import "embed"

// FS contains embedded SQLite migrations for the canvas update log.
//
//go:embed *.sql
var FS embed.FS
