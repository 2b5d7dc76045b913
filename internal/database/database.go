package database

import (
	"fmt"
	"strings"

	"binance-grid-bot-go/internal/config"
	"binance-grid-bot-go/internal/models"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDatabase creates a new database connection and performs auto-migration.
func NewDatabase(cfg *config.Config) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(cfg.Database.DSN), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Every pooled connection to an in-memory sqlite gets its own empty database.
	if strings.Contains(cfg.Database.DSN, ":memory:") {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get sql handle: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := AutoMigrate(db); err != nil {
		return nil, err
	}
	if _, err := SeedDefaultSetting(db, &cfg.Setting); err != nil {
		return nil, err
	}

	return db, nil
}

// AutoMigrate creates or updates the tables for all models.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&models.Setting{}, &models.Trade{}, &models.Alert{}); err != nil {
		return fmt.Errorf("failed to auto-migrate database: %w", err)
	}
	return nil
}

// SeedDefaultSetting inserts the configured setting when the settings table is empty.
// It reports whether a row was inserted.
func SeedDefaultSetting(db *gorm.DB, seed *config.Setting) (bool, error) {
	var count int64
	if err := db.Model(&models.Setting{}).Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to count settings: %w", err)
	}
	if count > 0 || seed.Symbol == "" {
		return false, nil
	}

	setting := models.Setting{
		Name:              seed.Name,
		APIKey:            seed.ApiKey,
		APISecret:         seed.ApiSecret,
		Symbol:            seed.Symbol,
		BuyDipPercent:     decimal.NewFromFloat(seed.BuyDipPercent),
		SellTargetPercent: decimal.NewFromFloat(seed.SellTargetPercent),
		BuyAmountQuote:    decimal.NewFromFloat(seed.BuyAmountQuote),
		DiscordHook1:      seed.DiscordHook1,
		DiscordHook2:      seed.DiscordHook2,
	}
	if err := db.Create(&setting).Error; err != nil {
		return false, fmt.Errorf("failed to seed default setting: %w", err)
	}
	return true, nil
}
