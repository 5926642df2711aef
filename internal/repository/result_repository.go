package repository

import (
	"context"
	"fmt"

	"github.com/healthy-habitat/score-regions/internal/domain"
	"gorm.io/gorm"
)

// ResultRepository persists prediction results through gorm
type ResultRepository struct {
	db *gorm.DB
}

func NewResultRepository(db *gorm.DB) *ResultRepository {
	return &ResultRepository{db: db}
}

func (r *ResultRepository) InsertAnimalResult(ctx context.Context, rec domain.ResultRecord) error {
	row := domain.AnimalResult{ResultRecord: rec}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to insert animal result: %w", err)
	}
	return nil
}

func (r *ResultRepository) InsertHabitatResult(ctx context.Context, rec domain.ResultRecord) error {
	row := domain.HabitatResult{ResultRecord: rec}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to insert habitat result: %w", err)
	}
	return nil
}

// ListByTile returns every result written for a tile, ordered by probability descending
func (r *ResultRepository) ListByTile(ctx context.Context, tileName string) ([]domain.AnimalResult, []domain.HabitatResult, error) {
	var animals []domain.AnimalResult
	if err := r.db.WithContext(ctx).
		Where("tile_name = ?", tileName).
		Order("probability DESC").
		Find(&animals).Error; err != nil {
		return nil, nil, err
	}

	var habitats []domain.HabitatResult
	if err := r.db.WithContext(ctx).
		Where("tile_name = ?", tileName).
		Order("probability DESC").
		Find(&habitats).Error; err != nil {
		return nil, nil, err
	}

	return animals, habitats, nil
}

// CountByFlight counts animal and habitat results for one flight
func (r *ResultRepository) CountByFlight(ctx context.Context, key domain.FlightKey) (animals int64, habitats int64, err error) {
	where := "date_of_flight = ? AND location = ? AND season = ?"

	if err = r.db.WithContext(ctx).Model(&domain.AnimalResult{}).
		Where(where, key.DateOfFlight, key.Location, key.Season).
		Count(&animals).Error; err != nil {
		return 0, 0, err
	}

	if err = r.db.WithContext(ctx).Model(&domain.HabitatResult{}).
		Where(where, key.DateOfFlight, key.Location, key.Season).
		Count(&habitats).Error; err != nil {
		return 0, 0, err
	}

	return animals, habitats, nil
}

// HealthCheck pings the underlying connection pool
func (r *ResultRepository) HealthCheck(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the connection pool
func (r *ResultRepository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
