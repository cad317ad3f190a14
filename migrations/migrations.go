// Package migrations carries the embedded schema migration files applied by
// the db.Migrator.
package migrations

import "embed"

//go:embed *.sql
var Files embed.FS
