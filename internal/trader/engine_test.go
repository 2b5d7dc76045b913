package trader

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"binance-grid-bot-go/internal/binance"
	"binance-grid-bot-go/internal/config"
	"binance-grid-bot-go/internal/models"
	"binance-grid-bot-go/internal/notify"
	"binance-grid-bot-go/internal/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// MockGateway is a mock implementation of the Gateway interface.
type MockGateway struct {
	mock.Mock
}

func (m *MockGateway) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	args := m.Called(ctx, symbol)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

func (m *MockGateway) GetBalances(ctx context.Context) ([]binance.Balance, error) {
	args := m.Called(ctx)
	balances, _ := args.Get(0).([]binance.Balance)
	return balances, args.Error(1)
}

func (m *MockGateway) PlaceMarketOrder(ctx context.Context, order binance.OrderRequest) (*binance.OrderResult, error) {
	args := m.Called(ctx, order)
	result, _ := args.Get(0).(*binance.OrderResult)
	return result, args.Error(1)
}

func (m *MockGateway) SubscribeTrades(ctx context.Context, symbol string, onTick func(binance.Tick)) (binance.Subscription, error) {
	args := m.Called(ctx, symbol, onTick)
	sub, _ := args.Get(0).(binance.Subscription)
	return sub, args.Error(1)
}

// MockSubscription is a mock implementation of binance.Subscription.
type MockSubscription struct {
	mock.Mock
	done chan struct{}
}

func (m *MockSubscription) Close() {
	m.Called()
}

func (m *MockSubscription) Done() <-chan struct{} {
	return m.done
}

// recordingNotifier keeps every event it is given.
type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recordingNotifier) Notify(_ context.Context, e notify.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingNotifier) count(kind notify.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func (r *recordingNotifier) titles(kind notify.Kind) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if e.Kind == kind {
			out = append(out, e.Title)
		}
	}
	return out
}

type harness struct {
	engine  *Engine
	gw      *MockGateway
	sub     *MockSubscription
	trades  *store.TradeStore
	notes   *recordingNotifier
	clock   *fakeClock
	setting *models.Setting
	onTick  func(binance.Tick)
}

func testEngineConfig() config.Engine {
	return config.Engine{
		MinBuyInterval:       2 * time.Second,
		MinSellInterval:      time.Second,
		BuyRetryBackoff:      3 * time.Second,
		RebuyWait:            5 * time.Minute,
		RecentBuyGuard:       5 * time.Second,
		CacheSize:            20,
		CacheReloadThreshold: 2,
		QuoteAsset:           "USDT",
	}
}

// setupEngine wires an engine to an in-memory store and a mock gateway.
func setupEngine(t *testing.T) *harness {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&models.Setting{}, &models.Trade{}, &models.Alert{}))

	setting := &models.Setting{
		Name:              "default",
		APIKey:            "key",
		APISecret:         "secret",
		Symbol:            "BTCUSDT",
		BuyDipPercent:     decimal.NewFromInt(2),
		SellTargetPercent: decimal.NewFromInt(1),
		BuyAmountQuote:    decimal.NewFromInt(10),
	}
	require.NoError(t, db.Create(setting).Error)

	h := &harness{
		gw:      new(MockGateway),
		sub:     &MockSubscription{done: make(chan struct{})},
		trades:  store.NewTradeStore(db),
		notes:   &recordingNotifier{},
		clock:   newFakeClock(),
		setting: setting,
	}
	cfg := testEngineConfig()
	h.engine = NewEngine(zap.NewNop(), cfg, store.NewSettingStore(db), h.trades,
		func(*models.Setting) (Gateway, error) { return h.gw, nil }, h.notes)
	h.engine.clock = h.clock.Now
	h.engine.state = NewEngineState(h.clock.Now, cfg.MinBuyInterval, cfg.MinSellInterval, cfg.CacheSize)
	h.engine.sleep = func(context.Context, time.Duration) error { return nil }
	return h
}

// start runs Start against the mock stream and keeps the tick callback.
func (h *harness) start(t *testing.T) *session {
	h.gw.On("SubscribeTrades", mock.Anything, "BTCUSDT", mock.Anything).
		Run(func(args mock.Arguments) { h.onTick = args.Get(2).(func(binance.Tick)) }).
		Return(h.sub, nil).Once()
	h.sub.On("Close").Return()

	ok, err := h.engine.Start(context.Background(), nil)
	require.NoError(t, err)
	require.True(t, ok)
	sess := h.engine.current.Load()
	require.NotNil(t, sess)
	return sess
}

func (h *harness) tick(sess *session, price string) {
	h.engine.handleTick(sess, binance.Tick{Symbol: "BTCUSDT", Price: decimal.RequireFromString(price), Time: h.clock.Now()})
}

// openTrade inserts a WAITING_SELL trade bought an hour ago.
func (h *harness) openTrade(t *testing.T, buy, target, qty string) *models.Trade {
	at := h.clock.Now().Add(-time.Hour)
	tr := &models.Trade{
		ConfigID:       h.setting.ID,
		Symbol:         "BTCUSDT",
		Status:         models.StatusWaitingSell,
		PriceBuy:       decimal.RequireFromString(buy),
		PriceWaitSell:  decimal.RequireFromString(target),
		CoinQuantity:   decimal.RequireFromString(qty),
		BuyAmountQuote: decimal.NewFromInt(10),
		DateBuy:        &at,
	}
	require.NoError(t, h.trades.Insert(context.Background(), tr))
	return tr
}

// soldTrade leaves a SOLD trade as the last activity.
func (h *harness) soldTrade(t *testing.T, sellPrice string) *models.Trade {
	tr := h.openTrade(t, "99", sellPrice, "0.1")
	require.NoError(t, tr.MarkSold(decimal.RequireFromString(sellPrice), "1", tr.CoinQuantity, h.clock.Now().Add(-30*time.Minute)))
	require.NoError(t, h.trades.MarkSold(context.Background(), tr))
	return tr
}

func (h *harness) quoteBalance(amount string) {
	h.gw.On("GetBalances", mock.Anything).Return([]binance.Balance{
		{Asset: "USDT", Free: decimal.RequireFromString(amount)},
	}, nil)
}

func isSide(side binance.OrderSide) interface{} {
	return mock.MatchedBy(func(o binance.OrderRequest) bool { return o.Side == side })
}

func filled(id, qty string) *binance.OrderResult {
	return &binance.OrderResult{OrderID: id, Status: "FILLED", FilledQty: decimal.RequireFromString(qty)}
}

func (h *harness) openCount(t *testing.T) int64 {
	n, err := h.trades.CountOpen(context.Background(), h.setting.ID)
	require.NoError(t, err)
	return n
}

func TestEngine_StartAndStop(t *testing.T) {
	h := setupEngine(t)
	h.start(t)
	assert.True(t, h.engine.IsRunning())
	assert.Equal(t, 1, h.notes.count(notify.KindLifecycleStart))

	ok, err := h.engine.Start(context.Background(), nil)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Equal(t, 1, h.notes.count(notify.KindError))

	h.engine.Stop()
	h.engine.Stop()
	assert.False(t, h.engine.IsRunning())
	assert.Equal(t, 1, h.notes.count(notify.KindLifecycleStop))
	h.sub.AssertNumberOfCalls(t, "Close", 1)
}

func TestEngine_StopWhenNeverStarted(t *testing.T) {
	h := setupEngine(t)
	h.engine.Stop()
	assert.False(t, h.engine.IsRunning())
	assert.Zero(t, h.notes.count(notify.KindLifecycleStop))
}

func TestEngine_StartRejectsMissingCredentials(t *testing.T) {
	h := setupEngine(t)
	h.setting.APIKey = ""
	h.engine.settings = settingFunc(func(context.Context, *uint) (*models.Setting, error) { return h.setting, nil })

	ok, err := h.engine.Start(context.Background(), nil)
	assert.False(t, ok)
	assert.ErrorIs(t, err, models.ErrMissingCredentials)
	assert.False(t, h.engine.IsRunning())
	assert.Equal(t, []string{"Start failed"}, h.notes.titles(notify.KindError))
	h.gw.AssertNotCalled(t, "SubscribeTrades", mock.Anything, mock.Anything, mock.Anything)
}

func TestEngine_StartFailsWhenSubscribeFails(t *testing.T) {
	h := setupEngine(t)
	h.gw.On("SubscribeTrades", mock.Anything, "BTCUSDT", mock.Anything).Return(nil, errors.New("dial refused"))

	ok, err := h.engine.Start(context.Background(), nil)
	assert.False(t, ok)
	assert.ErrorContains(t, err, "dial refused")
	assert.False(t, h.engine.IsRunning())
	assert.Equal(t, 1, h.notes.count(notify.KindError))
}

type settingFunc func(ctx context.Context, id *uint) (*models.Setting, error)

func (f settingFunc) Find(ctx context.Context, id *uint) (*models.Setting, error) { return f(ctx, id) }

func TestEngine_BootstrapBuyFromStream(t *testing.T) {
	h := setupEngine(t)
	h.quoteBalance("100")
	h.gw.On("PlaceMarketOrder", mock.Anything, isSide(binance.SideBuy)).Return(filled("b-1", "0.1"), nil).Once()
	h.start(t)

	h.onTick(binance.Tick{Symbol: "BTCUSDT", Price: decimal.NewFromInt(100)})
	require.Eventually(t, func() bool { return h.notes.count(notify.KindBuySuccess) == 1 }, time.Second, 10*time.Millisecond)
	require.NoError(t, h.engine.Shutdown(context.Background()))

	open, err := h.trades.FindOpen(context.Background(), h.setting.ID, 20)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "101", open[0].PriceWaitSell.String())
	assert.Equal(t, "0.1", open[0].CoinQuantity.String())
	assert.Equal(t, "b-1", open[0].ExchangeBuyOrderID)
	h.gw.AssertExpectations(t)
}

func TestEngine_BuyFallsBackToRequestedQuantity(t *testing.T) {
	h := setupEngine(t)
	h.quoteBalance("100")
	h.gw.On("PlaceMarketOrder", mock.Anything, isSide(binance.SideBuy)).
		Return(&binance.OrderResult{OrderID: "b-1", Requested: decimal.RequireFromString("0.099")}, nil).Once()
	sess := h.start(t)

	h.tick(sess, "100")

	open, err := h.trades.FindOpen(context.Background(), h.setting.ID, 20)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "0.099", open[0].CoinQuantity.String())
	assert.Equal(t, 1, h.engine.state.CacheLen())
}

func TestEngine_DipThresholdBoundary(t *testing.T) {
	tests := []struct {
		price   string
		wantBuy bool
	}{
		{price: "98.0", wantBuy: true},
		{price: "98.01", wantBuy: false},
	}
	for _, tt := range tests {
		t.Run(tt.price, func(t *testing.T) {
			h := setupEngine(t)
			h.soldTrade(t, "100")
			h.quoteBalance("100")
			h.gw.On("PlaceMarketOrder", mock.Anything, isSide(binance.SideBuy)).Return(filled("b-1", "0.1"), nil).Maybe()
			sess := h.start(t)

			h.tick(sess, tt.price)

			if tt.wantBuy {
				h.gw.AssertNumberOfCalls(t, "PlaceMarketOrder", 1)
				assert.Equal(t, int64(1), h.openCount(t))
			} else {
				h.gw.AssertNotCalled(t, "PlaceMarketOrder", mock.Anything, mock.Anything)
				assert.Zero(t, h.openCount(t))
			}
		})
	}
}

func TestEngine_RunUpRebuy(t *testing.T) {
	h := setupEngine(t)
	h.soldTrade(t, "100")
	h.quoteBalance("100")
	h.gw.On("PlaceMarketOrder", mock.Anything, isSide(binance.SideBuy)).Return(filled("b-1", "0.1"), nil).Once()
	sess := h.start(t)

	h.tick(sess, "102.01")

	h.gw.AssertNumberOfCalls(t, "PlaceMarketOrder", 1)
	assert.Equal(t, int64(1), h.openCount(t))
	assert.Equal(t, 1, h.notes.count(notify.KindBuySuccess))
}

func TestEngine_SidewaysRebuyAfterWait(t *testing.T) {
	h := setupEngine(t)
	h.soldTrade(t, "100")
	h.quoteBalance("100")
	h.gw.On("PlaceMarketOrder", mock.Anything, isSide(binance.SideBuy)).Return(filled("b-1", "0.1"), nil).Once()
	sess := h.start(t)

	h.tick(sess, "101.5")
	h.gw.AssertNotCalled(t, "PlaceMarketOrder", mock.Anything, mock.Anything)
	assert.Equal(t, h.clock.Now(), h.engine.state.WaitingSince())

	h.clock.Advance(4 * time.Minute)
	h.tick(sess, "101.5")
	h.gw.AssertNotCalled(t, "PlaceMarketOrder", mock.Anything, mock.Anything)

	h.clock.Advance(time.Minute)
	h.tick(sess, "101.5")
	h.gw.AssertNumberOfCalls(t, "PlaceMarketOrder", 1)
	assert.True(t, h.engine.state.WaitingSince().IsZero(), "a buy resets the timer")
}

func TestEngine_NoDoubleBuy(t *testing.T) {
	h := setupEngine(t)
	h.quoteBalance("100")
	h.gw.On("PlaceMarketOrder", mock.Anything, isSide(binance.SideBuy)).Return(filled("b-1", "0.1"), nil)
	sess := h.start(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.tick(sess, "100")
		}()
	}
	wg.Wait()

	h.gw.AssertNumberOfCalls(t, "PlaceMarketOrder", 1)
	assert.Equal(t, int64(1), h.openCount(t))

	// Past the buy interval the last trade is open, so there is still nothing to buy.
	h.clock.Advance(3 * time.Second)
	h.tick(sess, "100")
	h.gw.AssertNumberOfCalls(t, "PlaceMarketOrder", 1)
}

func TestEngine_RecentOpenTradeBlocksBuy(t *testing.T) {
	h := setupEngine(t)
	sess := h.start(t)

	// A trade bought a second ago that the evaluator has not seen yet.
	at := h.clock.Now().Add(-time.Second)
	tr := &models.Trade{
		ConfigID: h.setting.ID, Symbol: "BTCUSDT", Status: models.StatusWaitingSell,
		PriceBuy: decimal.NewFromInt(100), PriceWaitSell: decimal.NewFromInt(101),
		CoinQuantity: decimal.RequireFromString("0.1"), BuyAmountQuote: decimal.NewFromInt(10), DateBuy: &at,
	}
	require.NoError(t, h.trades.Insert(context.Background(), tr))

	trade, err := h.engine.executeBuy(sess, decimal.NewFromInt(90))
	assert.NoError(t, err)
	assert.Nil(t, trade)
	h.gw.AssertNotCalled(t, "PlaceMarketOrder", mock.Anything, mock.Anything)
}

func TestEngine_BuyRetriesOnce(t *testing.T) {
	h := setupEngine(t)
	h.quoteBalance("100")
	h.gw.On("PlaceMarketOrder", mock.Anything, isSide(binance.SideBuy)).Return(nil, errors.New("timeout")).Once()
	h.gw.On("PlaceMarketOrder", mock.Anything, isSide(binance.SideBuy)).Return(filled("b-2", "0.1"), nil).Once()
	sess := h.start(t)

	h.tick(sess, "100")

	h.gw.AssertNumberOfCalls(t, "PlaceMarketOrder", 2)
	assert.Equal(t, 1, h.notes.count(notify.KindBuyFailed))
	assert.Equal(t, 1, h.notes.count(notify.KindBuyRetry))
	assert.Equal(t, 1, h.notes.count(notify.KindBuySuccess))
	assert.Equal(t, int64(1), h.openCount(t))
}

func TestEngine_BuyGivesUpAfterRetry(t *testing.T) {
	h := setupEngine(t)
	h.quoteBalance("100")
	h.gw.On("PlaceMarketOrder", mock.Anything, isSide(binance.SideBuy)).Return(nil, errors.New("timeout"))
	sess := h.start(t)

	h.tick(sess, "100")

	h.gw.AssertNumberOfCalls(t, "PlaceMarketOrder", 2)
	assert.Equal(t, 2, h.notes.count(notify.KindBuyFailed))
	assert.Zero(t, h.notes.count(notify.KindBuySuccess))
	assert.Zero(t, h.openCount(t))
	assert.True(t, h.engine.IsRunning())
}

func TestEngine_InsufficientBalancePausesBuying(t *testing.T) {
	h := setupEngine(t)
	h.quoteBalance("5")
	sess := h.start(t)

	h.tick(sess, "100")
	assert.True(t, h.engine.state.Paused())
	assert.Equal(t, []string{"Insufficient balance"}, h.notes.titles(notify.KindError))
	assert.True(t, h.engine.IsRunning())

	h.clock.Advance(3 * time.Second)
	h.tick(sess, "100")
	h.gw.AssertNumberOfCalls(t, "GetBalances", 1)
	h.gw.AssertNotCalled(t, "PlaceMarketOrder", mock.Anything, mock.Anything)
}

func TestEngine_SellReachedTarget(t *testing.T) {
	h := setupEngine(t)
	first := h.openTrade(t, "100", "101", "0.1")
	h.openTrade(t, "105", "106", "0.1")
	h.gw.On("PlaceMarketOrder", mock.Anything, mock.MatchedBy(func(o binance.OrderRequest) bool {
		return o.Side == binance.SideSell && o.Quantity.Equal(decimal.RequireFromString("0.1"))
	})).Return(filled("s-1", "0.1"), nil).Once()
	sess := h.start(t)
	h.engine.state.SetPaused(true)

	h.tick(sess, "101.5")

	got, err := h.trades.FindByID(context.Background(), first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSold, got.Status)
	assert.Equal(t, "101.5", got.PriceSellActual.Decimal.String())
	assert.Equal(t, "1.5", got.ProfitLoss.Decimal.String())
	assert.Equal(t, "s-1", got.ExchangeSellOrderID)
	assert.False(t, got.ForcedClose)

	assert.Equal(t, 1, h.engine.state.CacheLen())
	assert.False(t, h.engine.state.Paused(), "a sell lifts the pause")
	assert.Equal(t, 1, h.notes.count(notify.KindSellSuccess))
	h.gw.AssertNotCalled(t, "GetBalances", mock.Anything)
}

func TestEngine_NoDoubleSell(t *testing.T) {
	h := setupEngine(t)
	h.openTrade(t, "100", "101", "0.1")
	h.openTrade(t, "100.5", "101.5", "0.1")
	h.gw.On("PlaceMarketOrder", mock.Anything, isSide(binance.SideSell)).Return(filled("s-1", "0.1"), nil)
	sess := h.start(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.tick(sess, "102")
		}()
	}
	wg.Wait()

	h.gw.AssertNumberOfCalls(t, "PlaceMarketOrder", 1)
	assert.Equal(t, int64(1), h.openCount(t))
}

func TestEngine_SellSkipsTradeClosedElsewhere(t *testing.T) {
	h := setupEngine(t)
	tr := h.openTrade(t, "100", "101", "0.1")
	h.openTrade(t, "105", "106", "0.1")
	sess := h.start(t)

	// Another path sells the trade after the cache was loaded.
	clone := *tr
	require.NoError(t, clone.MarkSold(decimal.NewFromInt(101), "other", clone.CoinQuantity, h.clock.Now()))
	require.NoError(t, h.trades.MarkSold(context.Background(), &clone))

	require.Equal(t, 2, h.engine.state.CacheLen())
	require.NoError(t, h.engine.executeSell(sess, decimal.NewFromInt(102)))

	h.gw.AssertNotCalled(t, "PlaceMarketOrder", mock.Anything, mock.Anything)
	assert.Equal(t, 1, h.engine.state.CacheLen(), "stale entry dropped")
	assert.Zero(t, h.notes.count(notify.KindError))
}

func TestEngine_ForcedCloseWhenNoBalance(t *testing.T) {
	h := setupEngine(t)
	tr := h.openTrade(t, "100", "101", "0.1")
	h.gw.On("GetBalances", mock.Anything).Return([]binance.Balance{
		{Asset: "BTC", Free: decimal.Zero},
		{Asset: "USDT", Free: decimal.NewFromInt(100)},
	}, nil)
	sess := h.start(t)

	h.tick(sess, "101")

	got, err := h.trades.FindByID(context.Background(), tr.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSold, got.Status)
	assert.True(t, got.ForcedClose)
	assert.True(t, strings.HasPrefix(got.ExchangeSellOrderID, "FORCED_CLOSE_"))
	assert.True(t, got.SoldQuantity.IsZero())
	assert.Equal(t, "101", got.PriceSellActual.Decimal.String())

	h.gw.AssertNotCalled(t, "PlaceMarketOrder", mock.Anything, mock.Anything)
	assert.Equal(t, 1, h.notes.count(notify.KindForcedClose))
	assert.Zero(t, h.engine.state.CacheLen())
}

func TestEngine_LastSellClampedToBalance(t *testing.T) {
	h := setupEngine(t)
	tr := h.openTrade(t, "100", "101", "0.1")
	h.gw.On("GetBalances", mock.Anything).Return([]binance.Balance{
		{Asset: "BTC", Free: decimal.RequireFromString("0.0999")},
	}, nil)
	h.gw.On("PlaceMarketOrder", mock.Anything, mock.MatchedBy(func(o binance.OrderRequest) bool {
		return o.Side == binance.SideSell && o.Quantity.Equal(decimal.RequireFromString("0.0999"))
	})).Return(filled("s-1", "0.0999"), nil).Once()
	sess := h.start(t)

	h.tick(sess, "101")

	got, err := h.trades.FindByID(context.Background(), tr.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSold, got.Status)
	assert.Equal(t, "0.0999", got.SoldQuantity.String())
	h.gw.AssertExpectations(t)
}

func TestEngine_ForcedCloseOnLotSizeRejection(t *testing.T) {
	h := setupEngine(t)
	tr := h.openTrade(t, "100", "101", "0.1")
	h.gw.On("GetBalances", mock.Anything).Return([]binance.Balance{
		{Asset: "BTC", Free: decimal.RequireFromString("0.00001")},
	}, nil)
	h.gw.On("PlaceMarketOrder", mock.Anything, isSide(binance.SideSell)).
		Return(nil, &binance.APIError{StatusCode: 400, Code: -1013, Message: "Filter failure: LOT_SIZE"}).Once()
	sess := h.start(t)

	h.tick(sess, "101")

	got, err := h.trades.FindByID(context.Background(), tr.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSold, got.Status)
	assert.True(t, got.ForcedClose)
	assert.Equal(t, "0.00001", got.SoldQuantity.String())
	assert.Equal(t, 1, h.notes.count(notify.KindForcedClose))
}

func TestEngine_SellFailureKeepsTradeOpen(t *testing.T) {
	h := setupEngine(t)
	tr := h.openTrade(t, "100", "101", "0.1")
	h.openTrade(t, "105", "106", "0.1")
	h.gw.On("PlaceMarketOrder", mock.Anything, isSide(binance.SideSell)).Return(nil, errors.New("connection reset")).Once()
	sess := h.start(t)

	h.tick(sess, "101")

	got, err := h.trades.FindByID(context.Background(), tr.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusWaitingSell, got.Status)
	assert.Equal(t, []string{"Sell failed"}, h.notes.titles(notify.KindError))
	assert.Equal(t, 2, h.engine.state.CacheLen())
}

func TestEngine_CacheReloadsWhenLow(t *testing.T) {
	h := setupEngine(t)
	for i := 0; i < 25; i++ {
		h.openTrade(t, "200", decimal.NewFromInt(int64(201+i)).String(), "0.1")
	}
	sess := h.start(t)
	require.Equal(t, 20, h.engine.state.CacheLen())

	// Drop all but two entries; the next tick refills from the store.
	for _, e := range h.engine.state.CacheEntries()[2:] {
		h.engine.state.RemoveFromCache(e.ID)
	}
	require.Equal(t, 2, h.engine.state.CacheLen())

	h.tick(sess, "150")
	assert.Equal(t, 20, h.engine.state.CacheLen())
}

func TestEngine_StoreFallbackWhenCacheEmpty(t *testing.T) {
	h := setupEngine(t)
	sess := h.start(t)
	tr := h.openTrade(t, "100", "101", "0.1")
	h.openTrade(t, "105", "106", "0.1")
	require.Zero(t, h.engine.state.CacheLen())

	h.gw.On("PlaceMarketOrder", mock.Anything, isSide(binance.SideSell)).Return(filled("s-1", "0.1"), nil).Once()
	require.NoError(t, h.engine.executeSell(sess, decimal.NewFromInt(101)))

	got, err := h.trades.FindByID(context.Background(), tr.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSold, got.Status)
}

func TestEngine_BuyNow(t *testing.T) {
	h := setupEngine(t)
	h.soldTrade(t, "100")
	h.quoteBalance("100")
	h.gw.On("GetPrice", mock.Anything, "BTCUSDT").Return(decimal.NewFromInt(101), nil)
	h.gw.On("PlaceMarketOrder", mock.Anything, mock.MatchedBy(func(o binance.OrderRequest) bool {
		return o.Side == binance.SideBuy && o.QuoteQuantity.Equal(decimal.NewFromInt(25))
	})).Return(filled("b-9", "0.25"), nil).Once()

	res, err := h.engine.BuyNow(context.Background(), BuyNowRequest{BuyAmountQuote: decimal.NewFromInt(25)})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "b-9", res.OrderID)
	require.NotNil(t, res.Trade)
	assert.Equal(t, "102.01", res.Trade.PriceWaitSell.String())
	assert.False(t, h.engine.state.LastBuy().IsZero())
	assert.Zero(t, h.engine.state.CacheLen(), "no run, no cache")
}

func TestEngine_BuyNowRejectsOtherSymbol(t *testing.T) {
	h := setupEngine(t)
	res, err := h.engine.BuyNow(context.Background(), BuyNowRequest{Symbol: "ETHUSDT"})
	assert.ErrorIs(t, err, ErrSymbolMismatch)
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Message)
}

func TestEngine_SellNow(t *testing.T) {
	h := setupEngine(t)
	tr := h.openTrade(t, "100", "110", "0.1")
	h.openTrade(t, "100", "111", "0.1")
	sess := h.start(t)
	h.gw.On("GetPrice", mock.Anything, "BTCUSDT").Return(decimal.NewFromInt(99), nil)
	h.gw.On("PlaceMarketOrder", mock.Anything, isSide(binance.SideSell)).Return(filled("s-7", "0.1"), nil).Once()

	// Hold the sell gate as a tick would; SellNow waits for it.
	release, ok := h.engine.state.TryAcquireSell()
	require.True(t, ok)
	go func() {
		time.Sleep(20 * time.Millisecond)
		release()
	}()

	res, err := h.engine.SellNow(context.Background(), tr.ID, nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "s-7", res.OrderID)
	assert.Equal(t, "-1", res.Trade.ProfitLoss.Decimal.String())
	assert.Equal(t, 1, h.engine.state.CacheLen())
	assert.Same(t, sess, h.engine.current.Load())

	res, err = h.engine.SellNow(context.Background(), tr.ID, nil)
	assert.ErrorIs(t, err, store.ErrTradeNotOpen)
	assert.False(t, res.Success)
	h.gw.AssertNumberOfCalls(t, "PlaceMarketOrder", 1)
}

func TestEngine_SellNowConfigMismatch(t *testing.T) {
	h := setupEngine(t)
	tr := h.openTrade(t, "100", "110", "0.1")
	other := tr.ConfigID + 1

	_, err := h.engine.SellNow(context.Background(), tr.ID, &other)
	assert.ErrorIs(t, err, ErrConfigMismatch)
}

func TestEngine_Status(t *testing.T) {
	h := setupEngine(t)
	h.openTrade(t, "100", "101", "0.1")
	assert.False(t, h.engine.Status().Running)

	h.start(t)
	st := h.engine.Status()
	assert.True(t, st.Running)
	assert.Equal(t, "BTCUSDT", st.Symbol)
	assert.Equal(t, h.setting.ID, st.ConfigID)
	assert.Len(t, st.CachedOrders, 1)
	assert.Nil(t, st.LastBuy)
}

func TestEngine_TickPanicIsContained(t *testing.T) {
	h := setupEngine(t)
	h.gw.On("GetBalances", mock.Anything).Run(func(mock.Arguments) { panic("boom") })
	sess := h.start(t)

	assert.NotPanics(t, func() { h.tick(sess, "100") })
	assert.Equal(t, []string{"Tick processing failed"}, h.notes.titles(notify.KindError))
	assert.True(t, h.engine.IsRunning())
}

func TestEngine_StartRejectsMissingBuyAmount(t *testing.T) {
	h := setupEngine(t)
	h.setting.BuyAmountQuote = decimal.Zero
	h.engine.settings = settingFunc(func(context.Context, *uint) (*models.Setting, error) { return h.setting, nil })

	ok, err := h.engine.Start(context.Background(), nil)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrBuyAmountNotSet)
	assert.False(t, h.engine.IsRunning())
	assert.Equal(t, []string{"Start failed"}, h.notes.titles(notify.KindError))
}

func TestEngine_StopDuringBuyStillRecordsFill(t *testing.T) {
	h := setupEngine(t)
	h.quoteBalance("100")
	h.gw.On("PlaceMarketOrder", mock.Anything, isSide(binance.SideBuy)).
		Run(func(mock.Arguments) { h.engine.Stop() }).
		Return(filled("b-1", "0.1"), nil).Once()
	sess := h.start(t)

	h.tick(sess, "100")

	assert.False(t, h.engine.IsRunning())
	assert.Equal(t, int64(1), h.openCount(t))
	assert.Equal(t, 1, h.notes.count(notify.KindBuySuccess))
	assert.Empty(t, h.notes.titles(notify.KindError))
	assert.Zero(t, h.engine.state.CacheLen(), "a stopped run leaves the cache empty")
}

func TestEngine_StopDuringSellStillRecordsFill(t *testing.T) {
	h := setupEngine(t)
	tr := h.openTrade(t, "100", "101", "0.1")
	h.openTrade(t, "105", "106", "0.1")
	h.gw.On("PlaceMarketOrder", mock.Anything, isSide(binance.SideSell)).
		Run(func(mock.Arguments) { h.engine.Stop() }).
		Return(filled("s-1", "0.1"), nil).Once()
	sess := h.start(t)

	h.tick(sess, "101.5")

	got, err := h.trades.FindByID(context.Background(), tr.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSold, got.Status)
	assert.Equal(t, "s-1", got.ExchangeSellOrderID)
	assert.Empty(t, h.notes.titles(notify.KindError))
}

func TestEngine_BuyNowOutlivesCancelledRequest(t *testing.T) {
	h := setupEngine(t)
	h.quoteBalance("100")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.gw.On("GetPrice", mock.Anything, "BTCUSDT").Return(decimal.NewFromInt(100), nil)
	h.gw.On("PlaceMarketOrder", mock.Anything, isSide(binance.SideBuy)).
		Run(func(mock.Arguments) { cancel() }).
		Return(filled("b-1", "0.1"), nil).Once()

	res, err := h.engine.BuyNow(ctx, BuyNowRequest{})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int64(1), h.openCount(t))
}

func TestEngine_SetBuyPaused(t *testing.T) {
	h := setupEngine(t)
	h.quoteBalance("5")
	sess := h.start(t)

	h.tick(sess, "100")
	require.True(t, h.engine.state.Paused())
	h.gw.AssertNotCalled(t, "PlaceMarketOrder", mock.Anything, mock.Anything)

	assert.True(t, h.engine.SetBuyPaused(false))
	assert.False(t, h.engine.SetBuyPaused(false))
	assert.False(t, h.engine.Status().BuyPaused)

	assert.True(t, h.engine.SetBuyPaused(true))
	assert.True(t, h.engine.Status().BuyPaused)
}
