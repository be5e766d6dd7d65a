package pricing

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Prices are quoted and stored with two decimal places.
const PriceScale = 2

var (
	// ErrOversell is returned when a sell quantity exceeds the held quantity.
	ErrOversell = errors.New("sell quantity exceeds existing quantity")

	// ErrInvalidQuantity is returned for zero or negative fill quantities.
	ErrInvalidQuantity = errors.New("quantity must be positive")
)

// ParseDecimal parses a price string strictly. Thousands separators are
// stripped, everything else must be a plain decimal literal; malformed
// input is an error, never coerced through floating point.
func ParseDecimal(raw string) (decimal.Decimal, error) {
	cleaned := strings.ReplaceAll(strings.TrimSpace(raw), ",", "")
	if cleaned == "" {
		return decimal.Zero, fmt.Errorf("empty decimal value")
	}

	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Zero, fmt.Errorf("malformed decimal %q: %w", raw, err)
	}
	return d, nil
}

// QuantizePrice rounds to the price scale, half away from zero. All prices
// in scope are positive, so this is round-half-up.
func QuantizePrice(d decimal.Decimal) decimal.Decimal {
	return d.Round(PriceScale)
}

// FromFloat quantizes a float-typed price to the storage scale.
func FromFloat(f float64) decimal.Decimal {
	return QuantizePrice(decimal.NewFromFloat(f))
}

// WeightedAverage returns the new average entry price after a fill. With no
// existing quantity the fill price itself (quantized) is the average;
// otherwise the quantity-weighted mean of the old average and the fill,
// rounded half-up at two decimals.
func WeightedAverage(existingAvg decimal.Decimal, existingQty int64, fillPrice decimal.Decimal, fillQty int64) (decimal.Decimal, error) {
	if fillQty <= 0 {
		return decimal.Zero, ErrInvalidQuantity
	}
	if existingQty < 0 {
		return decimal.Zero, fmt.Errorf("negative existing quantity %d", existingQty)
	}

	if existingQty == 0 {
		return QuantizePrice(fillPrice), nil
	}

	existing := existingAvg.Mul(decimal.NewFromInt(existingQty))
	incoming := fillPrice.Mul(decimal.NewFromInt(fillQty))
	total := decimal.NewFromInt(existingQty + fillQty)

	return existing.Add(incoming).Div(total).Round(PriceScale), nil
}

// ReduceQuantityAfterSell returns the remaining quantity after a partial or
// full exit. Selling more than is held is rejected, never clamped.
func ReduceQuantityAfterSell(existingQty, sellQty int64) (int64, error) {
	if sellQty <= 0 {
		return 0, ErrInvalidQuantity
	}
	if sellQty > existingQty {
		return 0, fmt.Errorf("%w: have %d, selling %d", ErrOversell, existingQty, sellQty)
	}
	return existingQty - sellQty, nil
}
