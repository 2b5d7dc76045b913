package trader

import (
	"context"
	"fmt"

	"binance-grid-bot-go/internal/models"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// TradeResult is the outcome of a manual buy or sell.
type TradeResult struct {
	Success bool          `json:"success"`
	Message string        `json:"message"`
	Trade   *models.Trade `json:"trade,omitempty"`
	OrderID string        `json:"order_id,omitempty"`
}

// BuyNowRequest overrides parts of the setting for one manual buy.
// Zero values fall back to the setting.
type BuyNowRequest struct {
	ConfigID       *uint
	Symbol         string
	BuyAmountQuote decimal.Decimal
}

// BuyNow places a buy at the current price without asking the evaluator.
// The balance check, retry and persistence are the same as for an automatic buy.
func (e *Engine) BuyNow(ctx context.Context, req BuyNowRequest) (TradeResult, error) {
	sess, err := e.resolveSession(ctx, req.ConfigID)
	if err != nil {
		return failed(err)
	}
	if req.Symbol != "" && req.Symbol != sess.setting.Symbol {
		return failed(fmt.Errorf("%w: %s is configured for %s", ErrSymbolMismatch, req.Symbol, sess.setting.Symbol))
	}
	amount := req.BuyAmountQuote
	if !amount.IsPositive() {
		amount = sess.setting.BuyAmountQuote
	}

	price, err := sess.gateway.GetPrice(ctx, sess.setting.Symbol)
	if err != nil {
		return failed(fmt.Errorf("get price: %w", err))
	}

	e.state.StampBuy()
	sess.logger.Info("Manual buy", zap.String("price", price.String()), zap.String("amount", amount.String()))
	trade, err := e.buy(sess, price, amount, ReasonManual)
	if err != nil {
		return failed(err)
	}
	return TradeResult{
		Success: true,
		Message: fmt.Sprintf("bought %s %s at %s", trade.CoinQuantity, sess.base, price),
		Trade:   trade,
		OrderID: trade.ExchangeBuyOrderID,
	}, nil
}

// SellNow sells one open trade at the current price, waiting for any
// in-flight sell to finish first. The sell interval does not apply.
func (e *Engine) SellNow(ctx context.Context, tradeID uint, configID *uint) (TradeResult, error) {
	trade, err := e.trades.FindByID(ctx, tradeID)
	if err != nil {
		return failed(err)
	}
	if configID == nil {
		configID = &trade.ConfigID
	} else if *configID != trade.ConfigID {
		return failed(fmt.Errorf("%w: trade %d is config %d", ErrConfigMismatch, tradeID, trade.ConfigID))
	}

	sess, err := e.resolveSession(ctx, configID)
	if err != nil {
		return failed(err)
	}

	release, err := e.state.AcquireSell(ctx)
	if err != nil {
		return failed(err)
	}
	defer release()

	price, err := sess.gateway.GetPrice(ctx, sess.setting.Symbol)
	if err != nil {
		return failed(fmt.Errorf("get price: %w", err))
	}

	sess.logger.Info("Manual sell", zap.Uint("trade_id", tradeID), zap.String("price", price.String()))
	sold, err := e.sell(sess, tradeID, price)
	if err != nil {
		return failed(err)
	}
	msg := fmt.Sprintf("sold trade %d at %s", sold.ID, price)
	if sold.ForcedClose {
		msg = fmt.Sprintf("force-closed trade %d at %s", sold.ID, price)
	}
	return TradeResult{
		Success: true,
		Message: msg,
		Trade:   sold,
		OrderID: sold.ExchangeSellOrderID,
	}, nil
}

func failed(err error) (TradeResult, error) {
	return TradeResult{Message: err.Error()}, err
}

// resolveSession reuses the running session when it serves configID, and
// otherwise builds a one-off session. Its order and store calls outlive ctx:
// a caller that goes away after the order is placed must not stop it being recorded.
func (e *Engine) resolveSession(ctx context.Context, configID *uint) (*session, error) {
	if cur := e.current.Load(); cur != nil && (configID == nil || *configID == cur.configID()) {
		s := *cur
		s.ctx = context.WithoutCancel(ctx)
		s.run = ctx
		return &s, nil
	}

	setting, err := e.settings.Find(ctx, configID)
	if err != nil {
		return nil, fmt.Errorf("load setting: %w", err)
	}
	if err := setting.Validate(); err != nil {
		return nil, err
	}
	gw, err := e.newGateway(setting)
	if err != nil {
		return nil, fmt.Errorf("build gateway: %w", err)
	}
	base, quote := setting.Assets()
	if quote == "" {
		quote = e.cfg.QuoteAsset
	}
	return &session{
		ctx:     context.WithoutCancel(ctx),
		run:     ctx,
		setting: setting,
		gateway: gw,
		base:    base,
		quote:   quote,
		logger:  e.logger.With(zap.Uint("config_id", setting.ID), zap.String("symbol", setting.Symbol)),
	}, nil
}

// isCurrent reports whether sess trades for the running config.
func (e *Engine) isCurrent(sess *session) bool {
	cur := e.current.Load()
	return cur != nil && cur.configID() == sess.configID()
}
