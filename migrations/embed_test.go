package migrations_test

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/healthy-habitat/score-regions/migrations"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationsCreateBothResultTables(t *testing.T) {
	for _, driver := range []string{"postgres", "sqlserver"} {
		t.Run(driver, func(t *testing.T) {
			files, err := fs.Glob(migrations.FS, migrations.Dir(driver)+"/*.sql")
			require.NoError(t, err)
			require.NotEmpty(t, files)

			var all strings.Builder
			for _, f := range files {
				data, err := fs.ReadFile(migrations.FS, f)
				require.NoError(t, err)
				assert.Contains(t, string(data), "-- +goose Up", f)
				assert.Contains(t, string(data), "-- +goose Down", f)
				all.Write(data)
			}
			assert.Contains(t, all.String(), "animal_results")
			assert.Contains(t, all.String(), "habitat_results")
		})
	}
}

func TestDir(t *testing.T) {
	assert.Equal(t, "sqlserver", migrations.Dir("sqlserver"))
	assert.Equal(t, "postgres", migrations.Dir("postgres"))
	assert.Equal(t, "postgres", migrations.Dir("sqlite"))
}
