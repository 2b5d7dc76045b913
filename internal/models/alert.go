package models

import (
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Alert is a persisted copy of a notification.
type Alert struct {
	gorm.Model
	AlertID  string            `gorm:"size:36;uniqueIndex" json:"alert_id"`
	Kind     string            `gorm:"size:32;index" json:"kind"`
	Level    string            `gorm:"size:16" json:"level"`
	Title    string            `gorm:"size:256" json:"title"`
	Message  string            `json:"message"`
	Fields   datatypes.JSONMap `json:"fields"`
	Color    int               `json:"color"`
	ConfigID uint              `gorm:"index" json:"config_id"`
	Symbol   string            `gorm:"size:32" json:"symbol"`
	IsRead   bool              `gorm:"index;not null;default:false" json:"is_read"`
}
