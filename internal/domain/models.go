package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ResultRecord holds the provenance shared by both result tables
type ResultRecord struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	DateOfFlight string    `gorm:"type:varchar(32);not null;index"`
	Location     string    `gorm:"type:varchar(128);not null;index"`
	Season       string    `gorm:"type:varchar(64);not null"`
	TileName     string    `gorm:"type:varchar(512);not null;index"`
	Label        string    `gorm:"type:varchar(256);not null"`
	Probability  float64   `gorm:"not null"`
	URL          string    `gorm:"type:text;not null"`
	Latitude     float64   `gorm:"not null"`
	Longitude    float64   `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null"`
}

// AnimalResult is one object-detection prediction for a tile
type AnimalResult struct {
	ResultRecord
}

// TableName returns the table name for AnimalResult
func (AnimalResult) TableName() string {
	return "animal_results"
}

// BeforeCreate assigns an ID when the caller did not
func (r *AnimalResult) BeforeCreate(tx *gorm.DB) error {
	r.ensureID()
	return nil
}

// HabitatResult is one classification prediction for a tile
type HabitatResult struct {
	ResultRecord
}

// TableName returns the table name for HabitatResult
func (HabitatResult) TableName() string {
	return "habitat_results"
}

func (r *HabitatResult) BeforeCreate(tx *gorm.DB) error {
	r.ensureID()
	return nil
}

func (r *ResultRecord) ensureID() {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
}

// FlightKey identifies the flight a set of results came from
type FlightKey struct {
	DateOfFlight string
	Location     string
	Season       string
}
