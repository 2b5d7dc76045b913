package trader

import "errors"

var (
	ErrAlreadyRunning      = errors.New("engine is already running")
	ErrNotRunning          = errors.New("engine is not running")
	ErrBuyAmountNotSet     = errors.New("buy amount is not configured")
	ErrInsufficientBalance = errors.New("insufficient quote balance")
	ErrNothingToSell       = errors.New("no quantity available to sell")
	ErrConfigMismatch      = errors.New("trade belongs to another config")
	ErrSymbolMismatch      = errors.New("symbol does not match the config")
	// ErrUnreconciledFill means the exchange filled an order that could not be recorded.
	ErrUnreconciledFill = errors.New("order filled but not recorded")
)
