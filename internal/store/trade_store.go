package store

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"binance-grid-bot-go/internal/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var (
	ErrTradeNotFound = errors.New("trade not found")
	// ErrTradeNotOpen means a conditional sell update matched no WAITING_SELL row.
	ErrTradeNotOpen = errors.New("trade is not waiting to sell")
)

// TradeStore is the durable record of grid trades.
type TradeStore struct {
	db *gorm.DB
}

func NewTradeStore(db *gorm.DB) *TradeStore {
	return &TradeStore{db: db}
}

func (s *TradeStore) Insert(ctx context.Context, trade *models.Trade) error {
	if trade.Status != models.StatusWaitingSell {
		return fmt.Errorf("%w: new trade must be %s, got %s", models.ErrInvalidTransition, models.StatusWaitingSell, trade.Status)
	}
	if err := s.db.WithContext(ctx).Create(trade).Error; err != nil {
		return fmt.Errorf("failed to insert trade: %w", err)
	}
	return nil
}

func (s *TradeStore) FindByID(ctx context.Context, id uint) (*models.Trade, error) {
	var trade models.Trade
	err := s.db.WithContext(ctx).First(&trade, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: id %d", ErrTradeNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find trade %d: %w", id, err)
	}
	return &trade, nil
}

// FindMostRecentActivity returns the trade whose sell date, or buy date when unsold,
// is the latest for the config. It returns nil when the config has no trades.
func (s *TradeStore) FindMostRecentActivity(ctx context.Context, configID uint) (*models.Trade, error) {
	var trade models.Trade
	err := s.db.WithContext(ctx).
		Where("config_id = ?", configID).
		Where("date_buy IS NOT NULL OR date_sell IS NOT NULL").
		Order("COALESCE(date_sell, date_buy) DESC").
		Order("id DESC").
		First(&trade).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find last activity for config %d: %w", configID, err)
	}
	return &trade, nil
}

// FindOpen returns up to limit WAITING_SELL trades with a target price,
// ascending by target. A limit of zero or less returns all of them.
func (s *TradeStore) FindOpen(ctx context.Context, configID uint, limit int) ([]models.Trade, error) {
	var trades []models.Trade
	err := s.db.WithContext(ctx).
		Where("config_id = ? AND status = ?", configID, models.StatusWaitingSell).
		Find(&trades).Error
	if err != nil {
		return nil, fmt.Errorf("failed to find open trades for config %d: %w", configID, err)
	}

	// sqlite numeric affinity is float backed, so order on the decimals instead.
	open := trades[:0]
	for _, t := range trades {
		if t.PriceWaitSell.IsPositive() {
			open = append(open, t)
		}
	}
	sort.SliceStable(open, func(i, j int) bool {
		return open[i].PriceWaitSell.LessThan(open[j].PriceWaitSell)
	})
	if limit > 0 && len(open) > limit {
		open = open[:limit]
	}
	return open, nil
}

// FindSellable returns open trades whose target is at or below price, lowest target first.
func (s *TradeStore) FindSellable(ctx context.Context, configID uint, price decimal.Decimal, limit int) ([]models.Trade, error) {
	open, err := s.FindOpen(ctx, configID, 0)
	if err != nil {
		return nil, err
	}
	var sellable []models.Trade
	for _, t := range open {
		if t.PriceWaitSell.GreaterThan(price) {
			break
		}
		sellable = append(sellable, t)
		if limit > 0 && len(sellable) == limit {
			break
		}
	}
	return sellable, nil
}

func (s *TradeStore) CountOpen(ctx context.Context, configID uint) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.Trade{}).
		Where("config_id = ? AND status = ?", configID, models.StatusWaitingSell).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count open trades for config %d: %w", configID, err)
	}
	return count, nil
}

// MarkSold persists a trade that has been moved to SOLD in memory.
// The update only applies while the row is still WAITING_SELL, so of two
// concurrent writers exactly one succeeds and the other gets ErrTradeNotOpen.
func (s *TradeStore) MarkSold(ctx context.Context, trade *models.Trade) error {
	if trade.Status != models.StatusSold {
		return fmt.Errorf("%w: trade %d is %s", models.ErrInvalidTransition, trade.ID, trade.Status)
	}
	res := s.db.WithContext(ctx).
		Model(&models.Trade{}).
		Where("id = ? AND status = ?", trade.ID, models.StatusWaitingSell).
		Updates(map[string]interface{}{
			"status":                 models.StatusSold,
			"price_sell_actual":      trade.PriceSellActual,
			"profit_loss":            trade.ProfitLoss,
			"sold_quantity":          trade.SoldQuantity,
			"exchange_sell_order_id": trade.ExchangeSellOrderID,
			"date_sell":              trade.DateSell,
			"forced_close":           trade.ForcedClose,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to mark trade %d sold: %w", trade.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: id %d", ErrTradeNotOpen, trade.ID)
	}
	return nil
}

// TradeFilter narrows List results. Zero values mean no filter.
type TradeFilter struct {
	ConfigID uint
	Status   models.TradeStatus
	Limit    int
	Offset   int
}

// List returns trades newest first together with the unpaged total.
func (s *TradeStore) List(ctx context.Context, f TradeFilter) ([]models.Trade, int64, error) {
	q := s.db.WithContext(ctx).Model(&models.Trade{})
	if f.ConfigID != 0 {
		q = q.Where("config_id = ?", f.ConfigID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count trades: %w", err)
	}

	var trades []models.Trade
	q = q.Order("id DESC").Offset(f.Offset)
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if err := q.Find(&trades).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list trades: %w", err)
	}
	return trades, total, nil
}
