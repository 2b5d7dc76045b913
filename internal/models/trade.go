package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// TradeStatus is the lifecycle state of a grid trade.
type TradeStatus string

const (
	// StatusWaitingBuy is never persisted; a row only exists once the buy has filled.
	StatusWaitingBuy  TradeStatus = "WAITING_BUY"
	StatusWaitingSell TradeStatus = "WAITING_SELL"
	StatusSold        TradeStatus = "SOLD"
)

// ErrInvalidTransition is returned when a trade is moved out of WAITING_SELL twice.
var ErrInvalidTransition = errors.New("invalid trade status transition")

// Trade is one buy-then-sell cycle of the grid.
type Trade struct {
	gorm.Model
	ConfigID            uint                `gorm:"index:idx_trades_config_status,priority:1;not null" json:"config_id"`
	Symbol              string              `gorm:"size:32;not null" json:"symbol"`
	Status              TradeStatus         `gorm:"size:16;index:idx_trades_config_status,priority:2;not null" json:"status"`
	PriceBuy            decimal.Decimal     `gorm:"type:numeric;not null" json:"price_buy"`
	PriceWaitSell       decimal.Decimal     `gorm:"type:numeric;not null" json:"price_wait_sell"`
	PriceSellActual     decimal.NullDecimal `gorm:"type:numeric" json:"price_sell_actual"`
	CoinQuantity        decimal.Decimal     `gorm:"type:numeric;not null" json:"coin_quantity"`
	SoldQuantity        decimal.Decimal     `gorm:"type:numeric;not null;default:0" json:"sold_quantity"`
	BuyAmountQuote      decimal.Decimal     `gorm:"type:numeric;not null" json:"buy_amount_quote"`
	ProfitLoss          decimal.NullDecimal `gorm:"type:numeric" json:"profit_loss"`
	DateBuy             *time.Time          `json:"date_buy"`
	DateSell            *time.Time          `json:"date_sell"`
	ExchangeBuyOrderID  string              `gorm:"size:64" json:"exchange_buy_order_id"`
	ExchangeSellOrderID string              `gorm:"size:64" json:"exchange_sell_order_id"`
	ForcedClose         bool                `gorm:"not null;default:false" json:"forced_close"`
}

// IsOpen reports whether the trade still waits for its sell.
func (t *Trade) IsOpen() bool {
	return t.Status == StatusWaitingSell
}

// ActivityTime is the sell date if present, otherwise the buy date.
func (t *Trade) ActivityTime() time.Time {
	if t.DateSell != nil {
		return *t.DateSell
	}
	if t.DateBuy != nil {
		return *t.DateBuy
	}
	return time.Time{}
}

// MarkSold moves an open trade to SOLD. It fails if the trade is not open.
func (t *Trade) MarkSold(price decimal.Decimal, sellOrderID string, executedQty decimal.Decimal, at time.Time) error {
	if t.Status != StatusWaitingSell {
		return fmt.Errorf("%w: trade %d is %s", ErrInvalidTransition, t.ID, t.Status)
	}
	if t.DateBuy != nil && at.Before(*t.DateBuy) {
		at = *t.DateBuy
	}

	t.Status = StatusSold
	t.PriceSellActual = decimal.NewNullDecimal(price)
	t.ProfitLoss = decimal.NewNullDecimal(price.Sub(t.PriceBuy))
	t.ExchangeSellOrderID = sellOrderID
	t.SoldQuantity = executedQty
	t.DateSell = &at
	return nil
}
