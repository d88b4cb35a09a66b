// Package migrations embeds the SQL migrations of the SQL-backed key-value stores.
package migrations

import "embed"

// FS holds one directory per goose dialect.
//
//go:embed postgres/*.sql sqlite/*.sql
var FS embed.FS
