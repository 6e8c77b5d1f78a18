package db

import (
	"github.com/yungbote/neurobridge-contentgen/internal/domain/content"
	"gorm.io/gorm"
)

func AutoMigrateAll(db *gorm.DB) error {
	return db.AutoMigrate(
		&content.ContentRequest{},
		&content.StageEvent{},
		&content.RetryRecord{},
	)
}
