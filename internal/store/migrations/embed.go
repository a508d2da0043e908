// Package migrations embeds the SQL schema for the local message cache.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
