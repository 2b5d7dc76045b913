package notify

import (
	"context"

	"binance-grid-bot-go/internal/models"
	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// AlertWriter persists alerts.
type AlertWriter interface {
	Insert(ctx context.Context, alert *models.Alert) error
}

// AlertLog keeps a copy of every event in the database.
type AlertLog struct {
	alerts AlertWriter
}

func NewAlertLog(alerts AlertWriter) *AlertLog {
	return &AlertLog{alerts: alerts}
}

func (a *AlertLog) Name() string { return "alert_log" }

func (a *AlertLog) Send(ctx context.Context, event Event) error {
	fields := datatypes.JSONMap{}
	for _, f := range event.Fields {
		fields[f.Name] = f.Value
	}
	return a.alerts.Insert(ctx, &models.Alert{
		AlertID:  uuid.NewString(),
		Kind:     string(event.Kind),
		Level:    event.Level(),
		Title:    event.Title,
		Message:  event.Message,
		Fields:   fields,
		Color:    event.Color(),
		ConfigID: event.ConfigID,
		Symbol:   event.Symbol,
	})
}
