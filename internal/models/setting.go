package models

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var (
	ErrMissingCredentials = errors.New("setting is missing api credentials")
	ErrMissingSymbol      = errors.New("setting is missing symbol")
)

// knownQuotes are the quote assets recognised when splitting a symbol.
var knownQuotes = []string{"FDUSD", "USDT", "BUSD", "USDC", "BTC", "ETH", "BNB", "TRY", "EUR", "GBP", "AUD"}

// Setting is one trading configuration. A running engine reads it once at start.
type Setting struct {
	gorm.Model
	Name              string          `gorm:"size:64" json:"name"`
	APIKey            string          `gorm:"size:128" json:"-"`
	APISecret         string          `gorm:"size:128" json:"-"`
	Symbol            string          `gorm:"size:32" json:"symbol"`
	BuyDipPercent     decimal.Decimal `gorm:"type:numeric;not null" json:"buy_dip_percent"`
	SellTargetPercent decimal.Decimal `gorm:"type:numeric;not null" json:"sell_target_percent"`
	BuyAmountQuote    decimal.Decimal `gorm:"type:numeric;not null" json:"buy_amount_quote"`
	DiscordHook1      string          `gorm:"size:512" json:"-"`
	DiscordHook2      string          `gorm:"size:512" json:"-"`
}

// Validate checks the fields a run cannot start without.
func (s *Setting) Validate() error {
	if strings.TrimSpace(s.APIKey) == "" || strings.TrimSpace(s.APISecret) == "" {
		return ErrMissingCredentials
	}
	if strings.TrimSpace(s.Symbol) == "" {
		return ErrMissingSymbol
	}
	return nil
}

// Assets splits the symbol into base and quote asset.
func (s *Setting) Assets() (base, quote string) {
	return SplitSymbol(s.Symbol)
}

// DiscordHooks returns the configured webhook urls.
func (s *Setting) DiscordHooks() []string {
	var hooks []string
	for _, h := range []string{s.DiscordHook1, s.DiscordHook2} {
		if strings.TrimSpace(h) != "" {
			hooks = append(hooks, h)
		}
	}
	return hooks
}

// SplitSymbol strips a known quote suffix, e.g. BTCUSDT -> BTC, USDT.
// Unknown quotes fall back to the last three characters.
func SplitSymbol(symbol string) (base, quote string) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	for _, q := range knownQuotes {
		if strings.HasSuffix(symbol, q) && len(symbol) > len(q) {
			return strings.TrimSuffix(symbol, q), q
		}
	}
	if len(symbol) > 3 {
		return symbol[:len(symbol)-3], symbol[len(symbol)-3:]
	}
	return symbol, ""
}
