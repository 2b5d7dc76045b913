package report

import (
	"context"
	"fmt"
	"time"

	"binance-grid-bot-go/internal/models"
	"binance-grid-bot-go/internal/notify"
	"binance-grid-bot-go/internal/store"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// TradeLister is the read side of the trade store the summary needs.
type TradeLister interface {
	List(ctx context.Context, f store.TradeFilter) ([]models.Trade, int64, error)
}

// Summary sends a scheduled Summary event with open positions and realised P/L.
type Summary struct {
	logger   *zap.Logger
	trades   TradeLister
	notifier notify.Notifier
	schedule string
	cron     *cron.Cron
	clock    func() time.Time
}

func NewSummary(schedule string, trades TradeLister, notifier notify.Notifier, logger *zap.Logger) *Summary {
	return &Summary{
		logger:   logger.Named("summary"),
		trades:   trades,
		notifier: notifier,
		schedule: schedule,
		clock:    func() time.Time { return time.Now().UTC() },
	}
}

// Start registers the job on a standard five-field cron schedule.
func (s *Summary) Start() error {
	s.cron = cron.New(cron.WithLocation(time.UTC))
	_, err := s.cron.AddFunc(s.schedule, func() {
		if err := s.Run(context.Background()); err != nil {
			s.logger.Error("Summary failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("failed to add summary job %q: %w", s.schedule, err)
	}
	s.cron.Start()
	s.logger.Info("Summary scheduled", zap.String("schedule", s.schedule))
	return nil
}

// Stop halts the scheduler and waits for a running job.
func (s *Summary) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

// Run builds and sends one summary.
func (s *Summary) Run(ctx context.Context) error {
	open, openCount, err := s.trades.List(ctx, store.TradeFilter{Status: models.StatusWaitingSell})
	if err != nil {
		return err
	}
	sold, _, err := s.trades.List(ctx, store.TradeFilter{Status: models.StatusSold})
	if err != nil {
		return err
	}

	now := s.clock()
	stats := Compute(sold, now)
	exposure := Exposure(open)

	s.notifier.Notify(ctx, notify.Event{
		Kind:  notify.KindSummary,
		Title: "Daily summary",
		Message: fmt.Sprintf("%d open positions, %s realised in the last 24h",
			openCount, stats.Since24h.TotalProfit.StringFixed(2)),
		Fields: []notify.Field{
			{Name: "Open positions", Value: fmt.Sprint(openCount)},
			{Name: "Open cost", Value: exposure.StringFixed(2)},
			{Name: "Sold 24h", Value: fmt.Sprint(stats.Since24h.TotalTrades)},
			{Name: "P/L 24h", Value: stats.Since24h.TotalProfit.StringFixed(2)},
			{Name: "P/L all time", Value: stats.AllTime.TotalProfit.StringFixed(2)},
			{Name: "Win rate", Value: fmt.Sprintf("%.1f%%", stats.AllTime.WinRate*100)},
		},
		Time: now,
	})
	return nil
}
