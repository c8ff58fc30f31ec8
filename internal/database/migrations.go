package database

import (
	"pgstream/internal/database/models"

	"gorm.io/gorm"
)

// RunMigrations creates or updates the journal schema
func RunMigrations(db *gorm.DB) error {
	return db.AutoMigrate(&models.MonitorSession{})
}
