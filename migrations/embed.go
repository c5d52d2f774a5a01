// Package migrations embeds the SQL schema applied by the store at startup.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
