// Package migrations embeds the host-side SQLite schema applied by goose.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
