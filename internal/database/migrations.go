package database

import (
	"gorm.io/gorm"

	"github.com/matchslot/matchslot/internal/models"
)

// AutoMigrate creates or updates the database schema for all models.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.MatchOffer{},
		&models.Slot{},
		&models.Approval{},
		&models.Notification{},
	)
}
