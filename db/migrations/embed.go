// Package migrations embeds the schema SQL applied by storage.Migrate.
package migrations

import (
	"embed"
)

//go:embed *.sql
var FS embed.FS
