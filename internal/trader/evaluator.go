package trader

import (
	"time"

	"binance-grid-bot-go/internal/models"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// BuyReason says which rule triggered a buy.
type BuyReason string

const (
	ReasonNone        BuyReason = ""
	ReasonBootstrap   BuyReason = "bootstrap"
	ReasonDip         BuyReason = "dip"
	ReasonRunUp       BuyReason = "run_up"
	ReasonWaitTimeout BuyReason = "wait_timeout"
	ReasonManual      BuyReason = "manual"
)

// EvalInput is everything the buy decision depends on.
type EvalInput struct {
	LastTrade     *models.Trade
	Price         decimal.Decimal
	OpenCount     int
	BuyDipPercent decimal.Decimal
	Paused        bool
	WaitingSince  time.Time
	RebuyWait     time.Duration
	Now           time.Time
}

// Decision is the evaluator output. StartWaiting and ResetWaiting tell the
// caller how to move the rebuy timer; the evaluator itself holds no state.
type Decision struct {
	Buy            bool
	Reason         BuyReason
	BuyThreshold   decimal.Decimal
	RunUpThreshold decimal.Decimal
	StartWaiting   bool
	ResetWaiting   bool
}

// Evaluate decides whether the current price is a buy opportunity.
func Evaluate(in EvalInput) Decision {
	var d Decision
	if in.OpenCount > 0 {
		d.ResetWaiting = true
	}
	if in.Paused {
		return d
	}
	if in.LastTrade == nil {
		d.Buy, d.Reason = true, ReasonBootstrap
		return d
	}
	if in.LastTrade.Status != models.StatusSold || !in.LastTrade.PriceSellActual.Valid {
		return d
	}

	d.BuyThreshold, d.RunUpThreshold = Thresholds(in.LastTrade.PriceSellActual.Decimal, in.BuyDipPercent)
	noOpen := in.OpenCount == 0
	belowRunUp := in.Price.LessThan(d.RunUpThreshold)

	if noOpen && belowRunUp {
		d.StartWaiting = true
	}

	switch {
	case in.Price.LessThanOrEqual(d.BuyThreshold):
		d.Buy, d.Reason = true, ReasonDip
	case noOpen && !belowRunUp:
		d.Buy, d.Reason = true, ReasonRunUp
	case noOpen && belowRunUp && !in.WaitingSince.IsZero() && in.Now.Sub(in.WaitingSince) >= in.RebuyWait:
		d.Buy, d.Reason = true, ReasonWaitTimeout
	}
	return d
}

// Thresholds returns the dip buy level and the run-up level around a sell price.
func Thresholds(sellPrice, dipPercent decimal.Decimal) (buy, runUp decimal.Decimal) {
	ratio := dipPercent.Div(hundred)
	one := decimal.NewFromInt(1)
	return sellPrice.Mul(one.Sub(ratio)), sellPrice.Mul(one.Add(ratio))
}

// TargetPrice is the sell target fixed on a trade when it is bought.
func TargetPrice(buyPrice, sellTargetPercent decimal.Decimal) decimal.Decimal {
	return buyPrice.Mul(decimal.NewFromInt(1).Add(sellTargetPercent.Div(hundred)))
}
