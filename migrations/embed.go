// Package migrations embeds the portal's SQL schema migrations into the binary.
package migrations

import (
	"embed"

	"github.com/nerrad567/iothub-portal/internal/infrastructure/database"
)

//go:embed *.sql
var migrationsFS embed.FS

func init() {
	database.MigrationsFS = migrationsFS
	database.MigrationsDir = "."
}
