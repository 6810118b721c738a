// Package migrations embeds the shop's SQL schema into the binary.
package migrations

import "embed"

// FS holds the YYYYMMDD_HHMMSS_name.{up,down}.sql files.
//
//go:embed *.sql
var FS embed.FS
