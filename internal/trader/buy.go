package trader

import (
	"fmt"

	"binance-grid-bot-go/internal/binance"
	"binance-grid-bot-go/internal/models"
	"binance-grid-bot-go/internal/notify"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// executeBuy is the guarded buy for a tick. It returns nil, nil when the gate
// or the fresh re-check says no.
func (e *Engine) executeBuy(sess *session, price decimal.Decimal) (*models.Trade, error) {
	if !e.state.TryAcquireBuy() {
		return nil, nil
	}
	ctx := sess.ctx

	// Decide again on fresh data; the tick handler may have looked at stale rows.
	last, err := e.trades.FindMostRecentActivity(ctx, sess.configID())
	if err != nil {
		return nil, err
	}
	if last != nil && last.IsOpen() && last.DateBuy != nil && e.clock().Sub(*last.DateBuy) < e.cfg.RecentBuyGuard {
		sess.logger.Debug("Skipping buy, a trade was just opened", zap.Uint("trade_id", last.ID))
		return nil, nil
	}
	openCount, err := e.trades.CountOpen(ctx, sess.configID())
	if err != nil {
		return nil, err
	}
	d := e.evaluate(sess, last, int(openCount), price)
	if !d.Buy {
		return nil, nil
	}

	sess.logger.Info("Buy opportunity",
		zap.String("reason", string(d.Reason)),
		zap.String("price", price.String()),
		zap.String("buy_threshold", d.BuyThreshold.String()),
		zap.String("run_up_threshold", d.RunUpThreshold.String()),
	)
	trade, err := e.buy(sess, price, sess.setting.BuyAmountQuote, d.Reason)
	if err != nil {
		// buy has already notified; the next opportunity starts from scratch.
		sess.logger.Debug("Buy abandoned", zap.Error(err))
		return nil, nil
	}
	return trade, nil
}

// buy checks the balance, places a quote-sized market buy with one retry and
// records the new WAITING_SELL trade.
func (e *Engine) buy(sess *session, price, amount decimal.Decimal, reason BuyReason) (*models.Trade, error) {
	ctx := sess.ctx
	setting := sess.setting

	if !amount.IsPositive() {
		e.notifyError(ctx, sess, "Buy skipped", ErrBuyAmountNotSet)
		return nil, ErrBuyAmountNotSet
	}

	balances, err := sess.gateway.GetBalances(ctx)
	if err != nil {
		e.notifyError(ctx, sess, "Balance check failed", err)
		return nil, fmt.Errorf("get balances: %w", err)
	}
	free := freeBalance(balances, sess.quote)
	if free.LessThan(amount) {
		if e.state.SetPaused(true) {
			mtxBuyPaused.Set(1)
			sess.logger.Warn("Buying paused, insufficient balance",
				zap.String("asset", sess.quote),
				zap.String("free", free.String()),
				zap.String("required", amount.String()),
			)
			e.notify(ctx, sess, notify.KindError, "Insufficient balance",
				fmt.Sprintf("Buying paused until a sell completes: %s %s free, %s required", free, sess.quote, amount),
				notify.Field{Name: "Free", Value: free.String()},
				notify.Field{Name: "Required", Value: amount.String()},
			)
		}
		return nil, ErrInsufficientBalance
	}

	order, err := e.placeBuyWithRetry(sess, amount)
	if err != nil {
		return nil, err
	}

	qty := order.FilledQty
	if !qty.IsPositive() {
		qty = order.Requested
	}
	now := e.clock()
	trade := &models.Trade{
		ConfigID:           setting.ID,
		Symbol:             setting.Symbol,
		Status:             models.StatusWaitingSell,
		PriceBuy:           price,
		PriceWaitSell:      TargetPrice(price, setting.SellTargetPercent),
		CoinQuantity:       qty,
		BuyAmountQuote:     amount,
		DateBuy:            &now,
		ExchangeBuyOrderID: order.OrderID,
	}
	if err := e.trades.Insert(ctx, trade); err != nil {
		return nil, e.reportUnreconciled(sess, binance.SideBuy, order.OrderID, err)
	}

	if e.isCurrent(sess) {
		e.state.ResetWaiting()
		e.state.AddToCache(trade)
		mtxCacheSize.Set(float64(e.state.CacheLen()))
	}
	mtxTrades.WithLabelValues("bought").Inc()

	sess.logger.Info("Buy completed",
		zap.Uint("trade_id", trade.ID),
		zap.String("order_id", order.OrderID),
		zap.String("price", price.String()),
		zap.String("avg_fill_price", order.AvgPrice().String()),
		zap.String("quantity", qty.String()),
		zap.String("target", trade.PriceWaitSell.String()),
	)
	e.notify(ctx, sess, notify.KindBuySuccess, "Buy completed",
		fmt.Sprintf("Bought %s %s at %s", qty, sess.base, price),
		notify.Field{Name: "Trade", Value: fmt.Sprint(trade.ID)},
		notify.Field{Name: "Order", Value: order.OrderID},
		notify.Field{Name: "Amount", Value: amount.String() + " " + sess.quote},
		notify.Field{Name: "Target", Value: trade.PriceWaitSell.String()},
		notify.Field{Name: "Reason", Value: string(reason)},
	)
	return trade, nil
}

// placeBuyWithRetry places the buy, and after a failure waits BuyRetryBackoff and tries exactly once more.
func (e *Engine) placeBuyWithRetry(sess *session, amount decimal.Decimal) (*binance.OrderResult, error) {
	ctx := sess.ctx
	req := binance.OrderRequest{
		Side:          binance.SideBuy,
		Symbol:        sess.setting.Symbol,
		QuoteQuantity: amount,
	}

	order, err := sess.gateway.PlaceMarketOrder(ctx, req)
	if err == nil {
		mtxOrders.WithLabelValues("buy", "ok").Inc()
		return order, nil
	}
	mtxOrders.WithLabelValues("buy", "failed").Inc()
	sess.logger.Warn("Buy order failed, retrying", zap.Error(err), zap.Duration("backoff", e.cfg.BuyRetryBackoff))
	e.notify(ctx, sess, notify.KindBuyFailed, "Buy failed", err.Error(), notify.Field{Name: "Retry", Value: "0"})

	if err := e.sleep(ctx, e.cfg.BuyRetryBackoff); err != nil {
		return nil, err
	}
	e.notify(ctx, sess, notify.KindBuyRetry, "Retrying buy", "Retrying market buy once",
		notify.Field{Name: "Amount", Value: amount.String()})

	order, err = sess.gateway.PlaceMarketOrder(ctx, req)
	if err != nil {
		mtxOrders.WithLabelValues("buy", "failed").Inc()
		sess.logger.Error("Buy retry failed", zap.Error(err))
		e.notify(ctx, sess, notify.KindBuyFailed, "Buy failed", err.Error(), notify.Field{Name: "Retry", Value: "1"})
		return nil, fmt.Errorf("buy failed after retry: %w", err)
	}
	mtxOrders.WithLabelValues("buy", "ok").Inc()
	return order, nil
}

// reportUnreconciled surfaces an exchange fill the store failed to record.
// Nothing is rolled back; the error carries the order id for manual repair.
func (e *Engine) reportUnreconciled(sess *session, side binance.OrderSide, orderID string, cause error) error {
	err := fmt.Errorf("%w: %s order %s: %v", ErrUnreconciledFill, side, orderID, cause)
	sess.logger.Error("Order filled but not recorded",
		zap.String("side", string(side)),
		zap.String("order_id", orderID),
		zap.Error(cause),
	)
	e.notify(sess.ctx, sess, notify.KindError, "Unreconciled fill", err.Error(),
		notify.Field{Name: "Side", Value: string(side)},
		notify.Field{Name: "Order", Value: orderID},
	)
	return err
}
