package db

import (
	"fmt"

	"github.com/zulandar/atlasfeed/internal/models"
	"gorm.io/gorm"
)

// AllModels returns every GORM model the journal stores.
func AllModels() []interface{} {
	return []interface{}{
		&models.DraftAction{},
	}
}

// AutoMigrate creates or updates all journal tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}
