package db

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/lua-guard/keyserver/internal/models"
)

// Migrate creates or updates the schema for all persisted entities and seeds
// the per-provider integration settings rows.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return errors.New("db: nil connection")
	}

	if errMigrate := conn.AutoMigrate(
		&models.User{},
		&models.Session{},
		&models.Key{},
		&models.PendingRequest{},
		&models.HWIDBan{},
		&models.HWIDBinding{},
		&models.IntegrationSetting{},
		&models.Event{},
	); errMigrate != nil {
		return fmt.Errorf("db: migrate: %w", errMigrate)
	}

	return seedIntegrationSettings(conn)
}

// seedIntegrationSettings ensures one settings row exists per known provider
// so admins always have a row to edit.
func seedIntegrationSettings(conn *gorm.DB) error {
	for _, provider := range []string{models.ProviderLinkvertise, models.ProviderLootLabs} {
		var count int64
		if errCount := conn.Model(&models.IntegrationSetting{}).
			Where("provider = ?", provider).
			Count(&count).Error; errCount != nil {
			return fmt.Errorf("db: count integration settings: %w", errCount)
		}
		if count > 0 {
			continue
		}
		row := models.IntegrationSetting{Provider: provider}
		if errCreate := conn.Create(&row).Error; errCreate != nil {
			return fmt.Errorf("db: seed integration settings: %w", errCreate)
		}
	}
	return nil
}
