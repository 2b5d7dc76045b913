package store

import (
	"context"
	"errors"
	"fmt"

	"binance-grid-bot-go/internal/models"
	"gorm.io/gorm"
)

var ErrSettingNotFound = errors.New("setting not found")

type SettingStore struct {
	db *gorm.DB
}

func NewSettingStore(db *gorm.DB) *SettingStore {
	return &SettingStore{db: db}
}

// Find loads the setting with the given id, or the first setting when id is nil.
func (s *SettingStore) Find(ctx context.Context, id *uint) (*models.Setting, error) {
	var setting models.Setting
	q := s.db.WithContext(ctx)
	var err error
	if id != nil {
		err = q.First(&setting, *id).Error
	} else {
		err = q.Order("id ASC").First(&setting).Error
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSettingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load setting: %w", err)
	}
	return &setting, nil
}

func (s *SettingStore) List(ctx context.Context) ([]models.Setting, error) {
	var settings []models.Setting
	if err := s.db.WithContext(ctx).Order("id ASC").Find(&settings).Error; err != nil {
		return nil, fmt.Errorf("failed to list settings: %w", err)
	}
	return settings, nil
}
