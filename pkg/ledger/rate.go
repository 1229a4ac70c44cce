package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ConversionRate is the exact rational userShare / totalPoints applied at period close.
type ConversionRate struct {
	numerator   MinorUnits
	denominator Points
}

// NewConversionRate validates the rational parts. A zero numerator is allowed (an empty pool).
func NewConversionRate(numerator MinorUnits, denominator Points) (ConversionRate, error) {
	if numerator < 0 {
		return ConversionRate{}, fmt.Errorf("%w: negative numerator", ErrInvalidConversionRate)
	}
	if denominator <= 0 {
		return ConversionRate{}, fmt.Errorf("%w: denominator must be positive", ErrInvalidConversionRate)
	}
	return ConversionRate{numerator: numerator, denominator: denominator}, nil
}

// Numerator returns the user share the rate was derived from.
func (rate ConversionRate) Numerator() MinorUnits {
	return rate.numerator
}

// Denominator returns the point total the rate was derived from.
func (rate ConversionRate) Denominator() Points {
	return rate.denominator
}

// IsZero reports whether the rate was never derived (zero-point batches).
func (rate ConversionRate) IsZero() bool {
	return rate.denominator == 0
}

// Apply returns floor(points × numerator / denominator) without floating point.
func (rate ConversionRate) Apply(points Points) MinorUnits {
	if rate.denominator <= 0 || points <= 0 {
		return 0
	}
	product := decimal.NewFromInt(points.Int64()).Mul(decimal.NewFromInt(rate.numerator.Int64()))
	quotient, _ := product.QuoRem(decimal.NewFromInt(rate.denominator.Int64()), 0)
	return MinorUnits(quotient.IntPart())
}

// Decimal renders the rate rounded to the reporting precision.
func (rate ConversionRate) Decimal() decimal.Decimal {
	if rate.denominator <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(rate.numerator.Int64()).DivRound(decimal.NewFromInt(rate.denominator.Int64()), rateDisplayPrecision)
}

// String renders the rate with a fixed number of fractional digits.
func (rate ConversionRate) String() string {
	return rate.Decimal().StringFixed(rateDisplayPrecision)
}
