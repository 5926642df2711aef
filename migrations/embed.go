// Package migrations embeds the goose migrations for the results database.
package migrations

import "embed"

// FS holds one directory of migrations per dialect
//
//go:embed postgres/*.sql sqlserver/*.sql
var FS embed.FS

// Dir returns the migration directory for a results driver
func Dir(driver string) string {
	if driver == "sqlserver" {
		return "sqlserver"
	}
	return "postgres"
}
