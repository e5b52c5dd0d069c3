package migrations

import "embed"

// FS contains embedded SQLite migrations for broker storage.
//
//go:embed *.sql
var FS embed.FS
