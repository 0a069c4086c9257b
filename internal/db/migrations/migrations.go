// Package migrations embeds the goose schema migrations for the three
// control-plane databases, one subdirectory per database file.
package migrations

import "embed"

//go:embed auth/*.sql game/*.sql reviews/*.sql
var FS embed.FS
