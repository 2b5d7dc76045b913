// Package report aggregates sold trades into statistics and sends the periodic summary.
package report

import (
	"time"

	"binance-grid-bot-go/internal/models"
	"github.com/shopspring/decimal"
)

// StatsDetail holds calculated statistics for a given period.
type StatsDetail struct {
	TotalTrades      int64           `json:"total_trades"`
	ProfitableTrades int64           `json:"profitable_trades"`
	ForcedCloses     int64           `json:"forced_closes"`
	WinRate          float64         `json:"win_rate"`
	TotalProfit      decimal.Decimal `json:"total_profit"`
}

// Statistics is the response of the stats endpoint and the body of the summary.
type Statistics struct {
	Since24h StatsDetail `json:"since_24h"`
	AllTime  StatsDetail `json:"all_time"`
}

// Compute aggregates SOLD trades. Profit is per-unit P/L times the sold quantity.
func Compute(trades []models.Trade, now time.Time) Statistics {
	since24h := now.Add(-24 * time.Hour)
	var stats Statistics

	for i := range trades {
		trade := &trades[i]
		if trade.Status != models.StatusSold {
			continue
		}
		stats.AllTime.add(trade)
		if trade.DateSell != nil && trade.DateSell.After(since24h) {
			stats.Since24h.add(trade)
		}
	}

	stats.AllTime.finish()
	stats.Since24h.finish()
	return stats
}

func (d *StatsDetail) add(trade *models.Trade) {
	d.TotalTrades++
	if trade.ForcedClose {
		d.ForcedCloses++
	}
	if trade.ProfitLoss.Valid && trade.ProfitLoss.Decimal.IsPositive() {
		d.ProfitableTrades++
	}
	d.TotalProfit = d.TotalProfit.Add(Profit(trade))
}

func (d *StatsDetail) finish() {
	if d.TotalTrades > 0 {
		d.WinRate = float64(d.ProfitableTrades) / float64(d.TotalTrades)
	}
}

// Profit is the realised quote P/L of a sold trade, zero otherwise.
func Profit(trade *models.Trade) decimal.Decimal {
	if !trade.ProfitLoss.Valid {
		return decimal.Zero
	}
	return trade.ProfitLoss.Decimal.Mul(trade.SoldQuantity)
}

// Exposure is the quote amount spent on trades still waiting to sell.
func Exposure(trades []models.Trade) decimal.Decimal {
	total := decimal.Zero
	for i := range trades {
		if trades[i].IsOpen() {
			total = total.Add(trades[i].BuyAmountQuote)
		}
	}
	return total
}
