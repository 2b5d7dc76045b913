package binance

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidQuantity is returned before an order is sent when its size cannot be traded.
var ErrInvalidQuantity = errors.New("invalid order quantity")

// APIError is a non-retryable error response from Binance.
type APIError struct {
	StatusCode int
	Code       int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("request failed with status %d (code %d): %s", e.StatusCode, e.Code, e.Message)
}

// quantityKeywords appear in Binance rejections caused by order size or balance.
var quantityKeywords = []string{"insufficient", "lot size", "lot_size", "notional", "min"}

// IsQuantityError reports whether err is Binance rejecting the order size or
// balance. Transport failures never count, whatever their text says.
func IsQuantityError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrInvalidQuantity) {
		return true
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	msg := strings.ToLower(apiErr.Message)
	for _, kw := range quantityKeywords {
		if strings.Contains(msg, kw) {
			return true
		}
	}
	return false
}
