package repository_test

import (
	"context"
	"testing"

	"github.com/healthy-habitat/score-regions/internal/domain"
	"github.com/healthy-habitat/score-regions/internal/repository"
	"github.com/healthy-habitat/score-regions/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResultRepository_InsertAndListByTile(t *testing.T) {
	repo := repository.NewResultRepository(testutil.SetupTestDB(t))
	ctx := context.Background()

	require.NoError(t, repo.InsertAnimalResult(ctx, testutil.NewRecord("a_Region_0.JPG", "zebra", 0.4)))
	require.NoError(t, repo.InsertAnimalResult(ctx, testutil.NewRecord("a_Region_0.JPG", "elephant", 0.9)))
	require.NoError(t, repo.InsertHabitatResult(ctx, testutil.NewRecord("a_Region_0.JPG", "savanna", 0.7)))
	require.NoError(t, repo.InsertAnimalResult(ctx, testutil.NewRecord("a_Region_1.JPG", "zebra", 0.5)))

	animals, habitats, err := repo.ListByTile(ctx, "a_Region_0.JPG")
	require.NoError(t, err)

	require.Len(t, animals, 2)
	assert.Equal(t, "elephant", animals[0].Label)
	assert.Equal(t, "zebra", animals[1].Label)
	assert.NotEqual(t, animals[0].ID, animals[1].ID)

	require.Len(t, habitats, 1)
	assert.Equal(t, "savanna", habitats[0].Label)
	assert.InDelta(t, 0.7, habitats[0].Probability, 1e-9)
	assert.Equal(t, "https://acct.blob.core.windows.net/resized/a_Region_0.JPG", habitats[0].URL)
	assert.False(t, habitats[0].CreatedAt.IsZero())
}

func TestResultRepository_RecordKeepsProvenance(t *testing.T) {
	repo := repository.NewResultRepository(testutil.SetupTestDB(t))
	ctx := context.Background()

	rec := testutil.NewRecord("b_Region_12.JPG", "rhino", 0.81)
	require.NoError(t, repo.InsertAnimalResult(ctx, rec))

	animals, _, err := repo.ListByTile(ctx, "b_Region_12.JPG")
	require.NoError(t, err)
	require.Len(t, animals, 1)

	got := animals[0]
	assert.Equal(t, rec.DateOfFlight, got.DateOfFlight)
	assert.Equal(t, rec.Location, got.Location)
	assert.Equal(t, rec.Season, got.Season)
	assert.Equal(t, rec.TileName, got.TileName)
	assert.InDelta(t, rec.Latitude, got.Latitude, 1e-9)
	assert.InDelta(t, rec.Longitude, got.Longitude, 1e-9)
}

func TestResultRepository_CountByFlight(t *testing.T) {
	repo := repository.NewResultRepository(testutil.SetupTestDB(t))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, repo.InsertAnimalResult(ctx, testutil.NewRecord("c_Region_0.JPG", "buffalo", 0.5)))
	}
	require.NoError(t, repo.InsertHabitatResult(ctx, testutil.NewRecord("c_Region_0.JPG", "wetland", 0.6)))

	other := testutil.NewRecord("c_Region_0.JPG", "buffalo", 0.5)
	other.Season = "winter"
	require.NoError(t, repo.InsertAnimalResult(ctx, other))

	animals, habitats, err := repo.CountByFlight(ctx, domain.FlightKey{DateOfFlight: "2023-05-01", Location: "kruger", Season: "summer"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), animals)
	assert.Equal(t, int64(1), habitats)
}

func TestResultRepository_HealthCheck(t *testing.T) {
	repo := repository.NewResultRepository(testutil.SetupTestDB(t))
	assert.NoError(t, repo.HealthCheck(context.Background()))
}
