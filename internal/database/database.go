package database

import (
	"time"

	"media-usage-tracker/internal/models"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Connect opens the primary MySQL connection, runs migrations and applies
// the pool settings. Callers own the returned handle; there is no package
// level singleton.
func Connect(databaseURL string) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(databaseURL), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err == nil {
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetMaxOpenConns(100)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	return db, nil
}

// Migrate is split out so tests can run it against their own driver.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Install{},
		&models.User{},
	)
}
