package api

import (
	"errors"
	"net/http"

	"binance-grid-bot-go/internal/models"
	"binance-grid-bot-go/internal/store"
	"binance-grid-bot-go/internal/trader"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// statusOf maps domain errors onto HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, store.ErrTradeNotFound), errors.Is(err, store.ErrSettingNotFound):
		return http.StatusNotFound
	case errors.Is(err, trader.ErrAlreadyRunning),
		errors.Is(err, trader.ErrNotRunning),
		errors.Is(err, store.ErrTradeNotOpen):
		return http.StatusConflict
	case errors.Is(err, models.ErrMissingCredentials),
		errors.Is(err, models.ErrMissingSymbol),
		errors.Is(err, trader.ErrConfigMismatch),
		errors.Is(err, trader.ErrSymbolMismatch),
		errors.Is(err, trader.ErrBuyAmountNotSet):
		return http.StatusBadRequest
	case errors.Is(err, trader.ErrInsufficientBalance), errors.Is(err, trader.ErrNothingToSell):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func WithErrorHandler(logger *zap.Logger) func(next echo.HandlerFunc) echo.HandlerFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)
			if err == nil {
				return nil
			}

			var he *echo.HTTPError
			if errors.As(err, &he) {
				return c.JSON(he.Code, echo.Map{
					"code":    he.Code,
					"message": he.Message,
				})
			}

			code := statusOf(err)
			if code == http.StatusInternalServerError {
				logger.Error("api", zap.String("path", c.Path()), zap.Error(err))
			}
			return c.JSON(code, echo.Map{
				"code":    code,
				"message": err.Error(),
			})
		}
	}
}
