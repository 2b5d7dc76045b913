package trader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"binance-grid-bot-go/internal/binance"
	"binance-grid-bot-go/internal/config"
	"binance-grid-bot-go/internal/models"
	"binance-grid-bot-go/internal/notify"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// TradeStore is the durable record of trades the engine reads and writes.
type TradeStore interface {
	Insert(ctx context.Context, trade *models.Trade) error
	FindByID(ctx context.Context, id uint) (*models.Trade, error)
	FindMostRecentActivity(ctx context.Context, configID uint) (*models.Trade, error)
	FindOpen(ctx context.Context, configID uint, limit int) ([]models.Trade, error)
	FindSellable(ctx context.Context, configID uint, price decimal.Decimal, limit int) ([]models.Trade, error)
	CountOpen(ctx context.Context, configID uint) (int64, error)
	MarkSold(ctx context.Context, trade *models.Trade) error
}

// SettingSource loads a setting by id, or the first one when id is nil.
type SettingSource interface {
	Find(ctx context.Context, id *uint) (*models.Setting, error)
}

// Gateway is the exchange capability set the engine trades through.
type Gateway interface {
	GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	GetBalances(ctx context.Context) ([]binance.Balance, error)
	PlaceMarketOrder(ctx context.Context, order binance.OrderRequest) (*binance.OrderResult, error)
	SubscribeTrades(ctx context.Context, symbol string, onTick func(binance.Tick)) (binance.Subscription, error)
}

// GatewayFactory builds a gateway for the credentials of a setting.
type GatewayFactory func(setting *models.Setting) (Gateway, error)

// session is everything bound to one Start..Stop run.
// Stop cancels run, which only stops new ticks from being dispatched. Exchange
// and store calls go through ctx, which Stop never cancels, so an order that
// has been placed is always recorded.
type session struct {
	ctx     context.Context
	run     context.Context
	cancel  context.CancelFunc
	setting *models.Setting
	gateway Gateway
	sub     binance.Subscription
	base    string
	quote   string
	logger  *zap.Logger
}

func (s *session) configID() uint { return s.setting.ID }

// Engine is the grid trading engine for one symbol. Price ticks from the
// exchange stream drive it; there is no polling loop.
type Engine struct {
	logger     *zap.Logger
	cfg        config.Engine
	settings   SettingSource
	trades     TradeStore
	newGateway GatewayFactory
	notifier   notify.Notifier
	state      *EngineState

	clock func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex // serialises Start and Stop
	running atomic.Bool
	current atomic.Pointer[session]
	ticks   sync.WaitGroup
}

// NewEngine creates a new trading engine.
func NewEngine(logger *zap.Logger, cfg config.Engine, settings SettingSource, trades TradeStore, newGateway GatewayFactory, notifier notify.Notifier) *Engine {
	clock := func() time.Time { return time.Now().UTC() }
	return &Engine{
		logger:     logger.Named("engine"),
		cfg:        cfg,
		settings:   settings,
		trades:     trades,
		newGateway: newGateway,
		notifier:   notifier,
		state:      NewEngineState(clock, cfg.MinBuyInterval, cfg.MinSellInterval, cfg.CacheSize),
		clock:      clock,
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) IsRunning() bool {
	return e.running.Load()
}

// Start loads the setting, fills the order cache and subscribes to the trade stream.
// It returns false with the reason when the engine cannot run.
func (e *Engine) Start(ctx context.Context, configID *uint) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running.Load() {
		e.logger.Warn("Engine is already running")
		e.notifyError(ctx, e.current.Load(), "Start rejected", ErrAlreadyRunning)
		return false, ErrAlreadyRunning
	}

	setting, err := e.settings.Find(ctx, configID)
	if err != nil {
		e.notifyError(ctx, nil, "Start failed", fmt.Errorf("load setting: %w", err))
		return false, err
	}
	if err := setting.Validate(); err != nil {
		e.notifyStartFailure(ctx, setting, err)
		return false, err
	}
	if !setting.BuyAmountQuote.IsPositive() {
		e.notifyStartFailure(ctx, setting, ErrBuyAmountNotSet)
		return false, ErrBuyAmountNotSet
	}
	gw, err := e.newGateway(setting)
	if err != nil {
		e.notifyStartFailure(ctx, setting, err)
		return false, fmt.Errorf("build gateway: %w", err)
	}

	base, quote := setting.Assets()
	if quote == "" {
		quote = e.cfg.QuoteAsset
	}
	// The run must outlive the request that started it.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sess := &session{
		ctx:     context.WithoutCancel(runCtx),
		run:     runCtx,
		cancel:  cancel,
		setting: setting,
		gateway: gw,
		base:    base,
		quote:   quote,
		logger:  e.logger.With(zap.Uint("config_id", setting.ID), zap.String("symbol", setting.Symbol)),
	}

	e.state.Reset()
	if err := e.reloadCache(sess); err != nil {
		cancel()
		e.notifyStartFailure(ctx, setting, err)
		return false, err
	}

	sub, err := gw.SubscribeTrades(runCtx, setting.Symbol, func(tick binance.Tick) {
		e.dispatchTick(sess, tick)
	})
	if err != nil {
		cancel()
		e.state.ClearCache()
		e.notifyStartFailure(ctx, setting, err)
		return false, fmt.Errorf("subscribe %s: %w", setting.Symbol, err)
	}
	sess.sub = sub

	e.current.Store(sess)
	e.running.Store(true)
	mtxRunning.Set(1)
	sess.logger.Info("Engine started", zap.Int("cached_orders", e.state.CacheLen()))
	e.notify(ctx, sess, notify.KindLifecycleStart, "Bot started",
		fmt.Sprintf("Grid trading %s started", setting.Symbol),
		notify.Field{Name: "Buy dip %", Value: setting.BuyDipPercent.String()},
		notify.Field{Name: "Sell target %", Value: setting.SellTargetPercent.String()},
		notify.Field{Name: "Buy amount", Value: setting.BuyAmountQuote.String() + " " + quote},
	)
	return true, nil
}

// Stop cancels the subscription and clears transient state. In-flight ticks
// are left to finish on their own. Calling Stop when not running does nothing.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running.Load() {
		return
	}
	sess := e.current.Swap(nil)
	e.running.Store(false)

	sess.cancel()
	if sess.sub != nil {
		sess.sub.Close()
	}
	e.state.ClearCache()
	e.state.ResetWaiting()
	mtxRunning.Set(0)
	mtxCacheSize.Set(0)

	sess.logger.Info("Engine stopped")
	e.notify(context.Background(), sess, notify.KindLifecycleStop, "Bot stopped",
		fmt.Sprintf("Grid trading %s stopped", sess.setting.Symbol))
}

// Shutdown stops the engine and waits for in-flight ticks until ctx ends.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.Stop()
	done := make(chan struct{})
	go func() {
		e.ticks.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("ticks still in flight: %w", ctx.Err())
	}
}

// SetBuyPaused sets or clears the insufficient-balance pause by hand, e.g.
// after the account was topped up. It reports whether the flag changed.
func (e *Engine) SetBuyPaused(paused bool) bool {
	changed := e.state.SetPaused(paused)
	boolGauge(mtxBuyPaused, paused)
	if changed {
		e.logger.Info("Buy pause set manually", zap.Bool("paused", paused))
	}
	return changed
}

// Status is a point-in-time view of the engine for the control API.
type Status struct {
	Running      bool         `json:"running"`
	ConfigID     uint         `json:"config_id,omitempty"`
	Symbol       string       `json:"symbol,omitempty"`
	CachedOrders []CacheEntry `json:"cached_orders"`
	BuyPaused    bool         `json:"buy_paused"`
	LastBuy      *time.Time   `json:"last_buy,omitempty"`
	LastSell     *time.Time   `json:"last_sell,omitempty"`
	WaitingSince *time.Time   `json:"waiting_since,omitempty"`
}

func (e *Engine) Status() Status {
	st := Status{
		Running:      e.running.Load(),
		CachedOrders: e.state.CacheEntries(),
		BuyPaused:    e.state.Paused(),
		LastBuy:      timePtr(e.state.LastBuy()),
		LastSell:     timePtr(e.state.LastSell()),
		WaitingSince: timePtr(e.state.WaitingSince()),
	}
	if sess := e.current.Load(); sess != nil {
		st.ConfigID = sess.configID()
		st.Symbol = sess.setting.Symbol
	}
	return st
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// dispatchTick runs the tick handler on its own goroutine so a slow tick
// never holds up the stream reader.
func (e *Engine) dispatchTick(sess *session, tick binance.Tick) {
	if sess.run.Err() != nil {
		return
	}
	e.ticks.Add(1)
	go func() {
		defer e.ticks.Done()
		e.handleTick(sess, tick)
	}()
}

// handleTick never lets an error or panic escape; a bad tick is reported and dropped.
func (e *Engine) handleTick(sess *session, tick binance.Tick) {
	defer func() {
		if r := recover(); r != nil {
			mtxTicks.WithLabelValues("failed").Inc()
			e.reportTickError(sess, fmt.Errorf("panic: %v", r))
		}
	}()

	if sess.run.Err() != nil {
		return
	}
	if e.state.RecentlyBought() {
		mtxTicks.WithLabelValues("skipped").Inc()
		return
	}

	if err := e.processTick(sess, tick.Price); err != nil {
		mtxTicks.WithLabelValues("failed").Inc()
		e.reportTickError(sess, err)
		return
	}
	mtxTicks.WithLabelValues("processed").Inc()
}

func (e *Engine) processTick(sess *session, price decimal.Decimal) error {
	ctx := sess.ctx

	if e.state.CacheLen() <= e.cfg.CacheReloadThreshold {
		if err := e.reloadCache(sess); err != nil {
			return err
		}
	}

	last, err := e.trades.FindMostRecentActivity(ctx, sess.configID())
	if err != nil {
		return err
	}
	open, err := e.trades.FindOpen(ctx, sess.configID(), e.cfg.CacheSize)
	if err != nil {
		return err
	}

	var buyErr error
	if d := e.evaluate(sess, last, len(open), price); d.Buy {
		mtxBuyDecisions.WithLabelValues(string(d.Reason)).Inc()
		_, buyErr = e.executeBuy(sess, price)
	}

	// The sell side runs whatever happened on the buy side.
	sellErr := e.executeSell(sess, price)
	return errors.Join(buyErr, sellErr)
}

// evaluate runs the evaluator against the shared state and applies its timer changes.
func (e *Engine) evaluate(sess *session, last *models.Trade, openCount int, price decimal.Decimal) Decision {
	now := e.clock()
	d := Evaluate(EvalInput{
		LastTrade:     last,
		Price:         price,
		OpenCount:     openCount,
		BuyDipPercent: sess.setting.BuyDipPercent,
		Paused:        e.state.Paused(),
		WaitingSince:  e.state.WaitingSince(),
		RebuyWait:     e.cfg.RebuyWait,
		Now:           now,
	})
	if d.ResetWaiting {
		e.state.ResetWaiting()
	}
	if d.StartWaiting {
		e.state.StartWaiting(now)
	}
	return d
}

func (e *Engine) reloadCache(sess *session) error {
	open, err := e.trades.FindOpen(sess.ctx, sess.configID(), e.cfg.CacheSize)
	if err != nil {
		return fmt.Errorf("reload order cache: %w", err)
	}
	e.state.ReloadCache(open)
	mtxCacheSize.Set(float64(e.state.CacheLen()))
	sess.logger.Debug("Order cache reloaded", zap.Int("entries", len(open)))
	return nil
}

func (e *Engine) reportTickError(sess *session, err error) {
	sess.logger.Error("Tick processing failed", zap.Error(err))
	e.notifyError(sess.ctx, sess, "Tick processing failed", err)
}

func (e *Engine) notify(ctx context.Context, sess *session, kind notify.Kind, title, message string, fields ...notify.Field) {
	event := notify.Event{
		Kind:    kind,
		Title:   title,
		Message: message,
		Fields:  fields,
		Time:    e.clock(),
	}
	if sess != nil {
		event.ConfigID = sess.configID()
		event.Symbol = sess.setting.Symbol
	}
	e.notifier.Notify(ctx, event)
}

func (e *Engine) notifyError(ctx context.Context, sess *session, title string, err error, fields ...notify.Field) {
	e.notify(ctx, sess, notify.KindError, title, err.Error(), fields...)
}

func (e *Engine) notifyStartFailure(ctx context.Context, setting *models.Setting, err error) {
	e.logger.Error("Engine start failed", zap.Uint("config_id", setting.ID), zap.Error(err))
	e.notifier.Notify(ctx, notify.Event{
		Kind:     notify.KindError,
		Title:    "Start failed",
		Message:  err.Error(),
		ConfigID: setting.ID,
		Symbol:   setting.Symbol,
		Time:     e.clock(),
	})
}

// freeBalance returns the free amount of asset, zero if absent.
func freeBalance(balances []binance.Balance, asset string) decimal.Decimal {
	for _, b := range balances {
		if b.Asset == asset {
			return b.Free
		}
	}
	return decimal.Zero
}
