package trader

import (
	"errors"
	"fmt"

	"binance-grid-bot-go/internal/binance"
	"binance-grid-bot-go/internal/models"
	"binance-grid-bot-go/internal/notify"
	"binance-grid-bot-go/internal/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// notifiedError wraps a failure that has already gone to the notifier.
type notifiedError struct{ error }

func (e notifiedError) Unwrap() error { return e.error }

func alreadyNotified(err error) bool {
	var n notifiedError
	return errors.As(err, &n)
}

// executeSell sells at most one open trade whose target has been reached.
// A tick that finds the sell gate taken skips the sell side entirely.
func (e *Engine) executeSell(sess *session, price decimal.Decimal) error {
	release, ok := e.state.TryAcquireSell()
	if !ok {
		return nil
	}
	defer release()

	id, found, err := e.sellCandidate(sess, price)
	if err != nil || !found {
		return err
	}

	_, err = e.sell(sess, id, price)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrTradeNotOpen), errors.Is(err, store.ErrTradeNotFound):
		// Someone else closed it first.
		return nil
	case alreadyNotified(err):
		sess.logger.Debug("Sell abandoned", zap.Uint("trade_id", id), zap.Error(err))
		return nil
	default:
		return err
	}
}

// sellCandidate prefers the cache and only asks the store when the cache is empty.
func (e *Engine) sellCandidate(sess *session, price decimal.Decimal) (uint, bool, error) {
	if entry, ok := e.state.FirstSellable(price); ok {
		return entry.ID, true, nil
	}
	if e.state.CacheLen() > 0 {
		return 0, false, nil
	}
	trades, err := e.trades.FindSellable(sess.ctx, sess.configID(), price, 1)
	if err != nil {
		return 0, false, err
	}
	if len(trades) == 0 {
		return 0, false, nil
	}
	return trades[0].ID, true, nil
}

// sell closes one trade at the current price. The caller must hold the sell gate.
func (e *Engine) sell(sess *session, id uint, price decimal.Decimal) (*models.Trade, error) {
	ctx := sess.ctx

	trade, err := e.trades.FindByID(ctx, id)
	if errors.Is(err, store.ErrTradeNotFound) {
		e.state.RemoveFromCache(id)
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	if !trade.IsOpen() {
		e.state.RemoveFromCache(id)
		return nil, fmt.Errorf("%w: id %d", store.ErrTradeNotOpen, id)
	}
	if trade.ConfigID != sess.configID() {
		return nil, fmt.Errorf("%w: trade %d is config %d", ErrConfigMismatch, id, trade.ConfigID)
	}

	openCount, err := e.trades.CountOpen(ctx, sess.configID())
	if err != nil {
		return nil, err
	}
	last := openCount <= 1

	qty := trade.CoinQuantity
	if last {
		balances, err := sess.gateway.GetBalances(ctx)
		if err != nil {
			sess.logger.Warn("Balance check before last sell failed", zap.Error(err))
			e.notifyError(ctx, sess, "Balance check failed", err, notify.Field{Name: "Trade", Value: fmt.Sprint(id)})
		} else {
			free := freeBalance(balances, sess.base)
			if free.LessThan(qty) {
				sess.logger.Info("Clamping last sell to available balance",
					zap.Uint("trade_id", id),
					zap.String("recorded", qty.String()),
					zap.String("available", free.String()),
				)
				qty = free
			}
		}
	}

	if !qty.IsPositive() {
		if last {
			return e.forceClose(sess, trade, price, decimal.Zero, "no base balance left for the last open position")
		}
		err := fmt.Errorf("%w: trade %d", ErrNothingToSell, id)
		e.notifyError(ctx, sess, "Sell skipped", err)
		return nil, notifiedError{err}
	}

	order, err := sess.gateway.PlaceMarketOrder(ctx, binance.OrderRequest{
		Side:     binance.SideSell,
		Symbol:   trade.Symbol,
		Quantity: qty,
	})
	if err != nil {
		mtxOrders.WithLabelValues("sell", "failed").Inc()
		if last && binance.IsQuantityError(err) {
			return e.forceClose(sess, trade, price, qty, err.Error())
		}
		sess.logger.Error("Sell order failed", zap.Uint("trade_id", id), zap.Error(err))
		e.notify(ctx, sess, notify.KindError, "Sell failed", err.Error(),
			notify.Field{Name: "Trade", Value: fmt.Sprint(id)},
			notify.Field{Name: "Quantity", Value: qty.String()},
		)
		return nil, notifiedError{fmt.Errorf("sell trade %d: %w", id, err)}
	}
	mtxOrders.WithLabelValues("sell", "ok").Inc()

	executed := order.FilledQty
	if !executed.IsPositive() {
		executed = qty
	}
	if err := trade.MarkSold(price, order.OrderID, executed, e.clock()); err != nil {
		return nil, err
	}
	if err := e.trades.MarkSold(ctx, trade); err != nil {
		if errors.Is(err, store.ErrTradeNotOpen) {
			e.state.RemoveFromCache(id)
			sess.logger.Error("Trade was closed while its sell was in flight", zap.Uint("trade_id", id), zap.String("order_id", order.OrderID))
			e.notify(ctx, sess, notify.KindError, "Sell conflict",
				fmt.Sprintf("Trade %d was already closed when sell order %s filled", id, order.OrderID),
				notify.Field{Name: "Order", Value: order.OrderID},
			)
			return nil, notifiedError{err}
		}
		return nil, notifiedError{e.reportUnreconciled(sess, binance.SideSell, order.OrderID, err)}
	}

	e.completeSell(trade)
	sess.logger.Info("Sell completed",
		zap.Uint("trade_id", id),
		zap.String("order_id", order.OrderID),
		zap.String("price", price.String()),
		zap.String("avg_fill_price", order.AvgPrice().String()),
		zap.String("quantity", executed.String()),
		zap.String("profit_loss", trade.ProfitLoss.Decimal.String()),
	)
	e.notify(ctx, sess, notify.KindSellSuccess, "Sell completed",
		fmt.Sprintf("Sold %s %s at %s", executed, sess.base, price),
		notify.Field{Name: "Trade", Value: fmt.Sprint(id)},
		notify.Field{Name: "Order", Value: order.OrderID},
		notify.Field{Name: "Bought at", Value: trade.PriceBuy.String()},
		notify.Field{Name: "P/L per unit", Value: trade.ProfitLoss.Decimal.String()},
	)
	return trade, nil
}

// forceClose marks the last open trade SOLD without an exchange order so the
// grid can buy again.
func (e *Engine) forceClose(sess *session, trade *models.Trade, price, qty decimal.Decimal, reason string) (*models.Trade, error) {
	ctx := sess.ctx
	now := e.clock()
	orderID := fmt.Sprintf("FORCED_CLOSE_%d", now.Unix())

	if err := trade.MarkSold(price, orderID, qty, now); err != nil {
		return nil, err
	}
	trade.ForcedClose = true
	if err := e.trades.MarkSold(ctx, trade); err != nil {
		if errors.Is(err, store.ErrTradeNotOpen) {
			e.state.RemoveFromCache(trade.ID)
		}
		return nil, err
	}

	e.completeSell(trade)
	mtxTrades.WithLabelValues("forced_close").Inc()
	sess.logger.Warn("Last open trade force-closed",
		zap.Uint("trade_id", trade.ID),
		zap.String("price", price.String()),
		zap.String("quantity", qty.String()),
		zap.String("reason", reason),
	)
	e.notify(ctx, sess, notify.KindForcedClose, "Forced close",
		fmt.Sprintf("Trade %d closed at %s without a sell order: %s", trade.ID, price, reason),
		notify.Field{Name: "Trade", Value: fmt.Sprint(trade.ID)},
		notify.Field{Name: "Quantity", Value: qty.String()},
	)
	return trade, nil
}

func (e *Engine) completeSell(trade *models.Trade) {
	e.state.SellCompleted(trade.ID)
	boolGauge(mtxBuyPaused, e.state.Paused())
	mtxCacheSize.Set(float64(e.state.CacheLen()))
	mtxTrades.WithLabelValues("sold").Inc()
	pnl, _ := trade.ProfitLoss.Decimal.Mul(trade.SoldQuantity).Float64()
	mtxRealisedPnL.Add(pnl)
}
