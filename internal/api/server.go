// Package api is the HTTP control surface for the trading engine.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"binance-grid-bot-go/internal/config"
	"binance-grid-bot-go/internal/models"
	"binance-grid-bot-go/internal/store"
	"binance-grid-bot-go/internal/trader"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Bot is the engine surface the API drives.
type Bot interface {
	Start(ctx context.Context, configID *uint) (bool, error)
	Stop()
	IsRunning() bool
	Status() trader.Status
	BuyNow(ctx context.Context, req trader.BuyNowRequest) (trader.TradeResult, error)
	SellNow(ctx context.Context, tradeID uint, configID *uint) (trader.TradeResult, error)
	SetBuyPaused(paused bool) bool
}

type TradeLister interface {
	List(ctx context.Context, f store.TradeFilter) ([]models.Trade, int64, error)
}

type AlertLister interface {
	List(ctx context.Context, unreadOnly bool, limit int) ([]models.Alert, error)
	MarkRead(ctx context.Context, alertID string) (bool, error)
}

// Server provides an HTTP interface for the trading engine.
type Server struct {
	echo   *echo.Echo
	addr   string
	logger *zap.Logger
}

// NewServer creates a new Server with every route registered.
func NewServer(cfg *config.Config, bot Bot, trades TradeLister, alerts AlertLister, logger *zap.Logger) *Server {
	logger = logger.Named("api-server")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = &CustomValidator{Validator: validator.New()}
	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
			logger.Error("Handler panic", zap.Error(err), zap.ByteString("stack", stack))
			return err
		},
	}))
	e.Use(WithErrorHandler(logger))

	h := NewHandler(bot, trades, alerts, logger)
	e.GET("/health", h.Health)
	h.RegisterRoutes(e.Group("/api"))
	if cfg.Metrics.Enabled {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.Handler()))
	}

	return &Server{
		echo:   e,
		addr:   fmt.Sprintf(":%d", cfg.Server.Port),
		logger: logger,
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start runs the HTTP server in a new goroutine.
func (s *Server) Start() {
	s.logger.Info("Starting API server", zap.String("address", s.addr))
	go func() {
		if err := s.echo.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server failed", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping API server...")
	return s.echo.Shutdown(ctx)
}
