package binance

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// FormatQuantity floors a base quantity to the symbol's LOT_SIZE step.
// When the rules cannot be fetched the quantity is passed through unchanged.
func (c *RestClient) FormatQuantity(ctx context.Context, symbol string, quantity decimal.Decimal) (decimal.Decimal, error) {
	info, err := c.GetSymbolInfo(ctx, symbol)
	if err != nil {
		c.logger.Warn("No exchange rule found for symbol, using quantity as is",
			zap.String("symbol", symbol), zap.Error(err))
		return quantity, nil
	}
	return floorToLotSize(info, quantity)
}

// floorToLotSize applies the LOT_SIZE filter of info to quantity.
func floorToLotSize(info *SymbolInfo, quantity decimal.Decimal) (decimal.Decimal, error) {
	var stepSize, minQty decimal.Decimal
	found := false
	for _, filter := range info.Filters {
		if filter.FilterType != "LOT_SIZE" {
			continue
		}
		found = true
		stepSize, _ = decimal.NewFromString(filter.StepSize)
		minQty, _ = decimal.NewFromString(filter.MinQty)
		break
	}
	if !found {
		return quantity, nil
	}

	floored := quantity
	if stepSize.IsPositive() {
		floored = quantity.Div(stepSize).Floor().Mul(stepSize)
	}

	if floored.LessThan(minQty) || !floored.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s is below lot size minimum %s for %s",
			ErrInvalidQuantity, quantity.String(), minQty.String(), info.Symbol)
	}
	return floored, nil
}
