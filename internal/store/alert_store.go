package store

import (
	"context"
	"fmt"

	"binance-grid-bot-go/internal/models"
	"gorm.io/gorm"
)

type AlertStore struct {
	db      *gorm.DB
	maxRows int
}

// NewAlertStore keeps at most maxRows alerts; zero or less keeps everything.
func NewAlertStore(db *gorm.DB, maxRows int) *AlertStore {
	return &AlertStore{db: db, maxRows: maxRows}
}

// Insert saves the alert and drops the oldest rows beyond the limit.
func (s *AlertStore) Insert(ctx context.Context, alert *models.Alert) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(alert).Error; err != nil {
			return fmt.Errorf("failed to insert alert: %w", err)
		}
		if s.maxRows <= 0 {
			return nil
		}
		keep := tx.Model(&models.Alert{}).Select("id").Order("id DESC").Limit(s.maxRows)
		if err := tx.Unscoped().Where("id NOT IN (?)", keep).Delete(&models.Alert{}).Error; err != nil {
			return fmt.Errorf("failed to trim alerts: %w", err)
		}
		return nil
	})
}

func (s *AlertStore) List(ctx context.Context, unreadOnly bool, limit int) ([]models.Alert, error) {
	q := s.db.WithContext(ctx).Order("id DESC")
	if unreadOnly {
		q = q.Where("is_read = ?", false)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var alerts []models.Alert
	if err := q.Find(&alerts).Error; err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	return alerts, nil
}

// MarkRead flags one alert as read and reports whether it existed.
func (s *AlertStore) MarkRead(ctx context.Context, alertID string) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&models.Alert{}).
		Where("alert_id = ?", alertID).
		Update("is_read", true)
	if res.Error != nil {
		return false, fmt.Errorf("failed to mark alert %s read: %w", alertID, res.Error)
	}
	return res.RowsAffected > 0, nil
}
