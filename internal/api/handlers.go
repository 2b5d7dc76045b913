package api

import (
	"net/http"
	"time"

	"binance-grid-bot-go/internal/models"
	"binance-grid-bot-go/internal/report"
	"binance-grid-bot-go/internal/store"
	"binance-grid-bot-go/internal/trader"
	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"
	"github.com/spf13/cast"
	"go.uber.org/zap"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// Handler holds dependencies for the API endpoints.
type Handler struct {
	bot    Bot
	trades TradeLister
	alerts AlertLister
	logger *zap.Logger
	clock  func() time.Time
}

func NewHandler(bot Bot, trades TradeLister, alerts AlertLister, logger *zap.Logger) *Handler {
	return &Handler{
		bot:    bot,
		trades: trades,
		alerts: alerts,
		logger: logger,
		clock:  func() time.Time { return time.Now().UTC() },
	}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	bot := g.Group("/bot")
	bot.POST("/start", h.StartBot)
	bot.POST("/stop", h.StopBot)
	bot.GET("/status", h.Status)
	bot.POST("/pause", h.SetBuyPaused)
	bot.POST("/buy", h.BuyNow)
	bot.POST("/sell/:id", h.SellNow)

	g.GET("/trades", h.Trades)
	g.GET("/trades/stats", h.Statistics)
	g.GET("/alerts", h.Alerts)
	g.POST("/alerts/:id/read", h.MarkAlertRead)
}

func (h *Handler) Health(c echo.Context) error {
	return c.String(http.StatusOK, "OK")
}

type startRequest struct {
	ConfigID *uint `json:"config_id" validate:"omitempty,min=1"`
}

// StartBot starts the engine for the given or the first setting.
// POST /api/bot/start
func (h *Handler) StartBot(c echo.Context) error {
	var req startRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	if _, err := h.bot.Start(c.Request().Context(), req.ConfigID); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{
		"started": true,
		"status":  h.bot.Status(),
	})
}

// StopBot is safe to call when the engine is not running.
// POST /api/bot/stop
func (h *Handler) StopBot(c echo.Context) error {
	wasRunning := h.bot.IsRunning()
	h.bot.Stop()
	return c.JSON(http.StatusOK, echo.Map{"stopped": wasRunning})
}

// GET /api/bot/status
func (h *Handler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, h.bot.Status())
}

type pauseRequest struct {
	Paused *bool `json:"paused" validate:"required"`
}

// SetBuyPaused sets or clears the insufficient-balance pause.
// POST /api/bot/pause
func (h *Handler) SetBuyPaused(c echo.Context) error {
	var req pauseRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	changed := h.bot.SetBuyPaused(*req.Paused)
	return c.JSON(http.StatusOK, echo.Map{
		"paused":  *req.Paused,
		"changed": changed,
	})
}

type buyRequest struct {
	ConfigID       *uint  `json:"config_id" validate:"omitempty,min=1"`
	Symbol         string `json:"symbol" validate:"omitempty,alphanum,uppercase"`
	BuyAmountQuote string `json:"buy_amount_quote" validate:"omitempty,numeric"`
}

// BuyNow places a manual buy.
// POST /api/bot/buy
func (h *Handler) BuyNow(c echo.Context) error {
	var req buyRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	buy := trader.BuyNowRequest{ConfigID: req.ConfigID, Symbol: req.Symbol}
	if req.BuyAmountQuote != "" {
		amount, err := decimal.NewFromString(req.BuyAmountQuote)
		if err != nil || !amount.IsPositive() {
			return echo.NewHTTPError(http.StatusBadRequest, "buy_amount_quote must be a positive number")
		}
		buy.BuyAmountQuote = amount
	}

	res, err := h.bot.BuyNow(c.Request().Context(), buy)
	if err != nil {
		return c.JSON(statusOf(err), res)
	}
	return c.JSON(http.StatusOK, res)
}

// SellNow sells one open trade.
// POST /api/bot/sell/:id?config_id=
func (h *Handler) SellNow(c echo.Context) error {
	id, err := cast.ToUintE(c.Param("id"))
	if err != nil || id == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid trade id")
	}
	configID, err := optionalID(c.QueryParam("config_id"))
	if err != nil {
		return err
	}

	res, err := h.bot.SellNow(c.Request().Context(), id, configID)
	if err != nil {
		return c.JSON(statusOf(err), res)
	}
	return c.JSON(http.StatusOK, res)
}

// Trades lists trades newest first.
// GET /api/trades?config_id=&status=&limit=&offset=
func (h *Handler) Trades(c echo.Context) error {
	filter := store.TradeFilter{
		ConfigID: cast.ToUint(c.QueryParam("config_id")),
		Status:   models.TradeStatus(c.QueryParam("status")),
		Limit:    pageSize(c.QueryParam("limit")),
		Offset:   cast.ToInt(c.QueryParam("offset")),
	}
	switch filter.Status {
	case "", models.StatusWaitingSell, models.StatusSold:
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "unknown status")
	}

	trades, total, err := h.trades.List(c.Request().Context(), filter)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{
		"total":  total,
		"trades": trades,
	})
}

// Statistics returns win rate and realised P/L for all time and the last 24h.
// GET /api/trades/stats?config_id=
func (h *Handler) Statistics(c echo.Context) error {
	filter := store.TradeFilter{
		ConfigID: cast.ToUint(c.QueryParam("config_id")),
		Status:   models.StatusSold,
	}
	trades, _, err := h.trades.List(c.Request().Context(), filter)
	if err != nil {
		h.logger.Error("Failed to get trades for statistics", zap.Error(err))
		return err
	}
	return c.JSON(http.StatusOK, report.Compute(trades, h.clock()))
}

// Alerts lists stored notifications newest first.
// GET /api/alerts?unread=&limit=
func (h *Handler) Alerts(c echo.Context) error {
	alerts, err := h.alerts.List(c.Request().Context(), cast.ToBool(c.QueryParam("unread")), pageSize(c.QueryParam("limit")))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, alerts)
}

// POST /api/alerts/:id/read
func (h *Handler) MarkAlertRead(c echo.Context) error {
	ok, err := h.alerts.MarkRead(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "alert not found")
	}
	return c.NoContent(http.StatusNoContent)
}

func pageSize(raw string) int {
	n := cast.ToInt(raw)
	if n <= 0 {
		return defaultPageSize
	}
	if n > maxPageSize {
		return maxPageSize
	}
	return n
}

func optionalID(raw string) (*uint, error) {
	if raw == "" {
		return nil, nil
	}
	id, err := cast.ToUintE(raw)
	if err != nil || id == 0 {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid config_id")
	}
	return &id, nil
}
