package testutil

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/healthy-habitat/score-regions/internal/database"
	"github.com/healthy-habitat/score-regions/internal/domain"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SetupTestDB opens a private in-memory sqlite database with the result tables migrated
func SetupTestDB(t *testing.T) *gorm.DB {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err, "Failed to open in-memory sqlite database")

	require.NoError(t, database.AutoMigrate(db))

	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	return db
}

// NewRecord returns a result record for the given tile with sensible defaults
func NewRecord(tileName, label string, probability float64) domain.ResultRecord {
	return domain.ResultRecord{
		DateOfFlight: "2023-05-01",
		Location:     "kruger",
		Season:       "summer",
		TileName:     tileName,
		Label:        label,
		Probability:  probability,
		URL:          "https://acct.blob.core.windows.net/resized/" + tileName,
		Latitude:     -24.98,
		Longitude:    31.59,
	}
}
