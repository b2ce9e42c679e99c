// Package migrations holds the SQL schema of the Postgres store.
package migrations

import "embed"

// FS contains the migration files, applied in name order.
//
//go:embed *.sql
var FS embed.FS
