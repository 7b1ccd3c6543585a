// Package migrations embeds the SQL migration files applied at startup.
package migrations

import "embed"

// FS contains the forward-only SQL migrations, applied in filename order.
//
//go:embed *.sql
var FS embed.FS
