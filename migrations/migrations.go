// Package migrations embeds the SQL schema so a single binary can
// migrate its own database.
package migrations

import "embed"

//go:embed *.sql seeds/*.sql
var FS embed.FS
