package rounding

import "github.com/shopspring/decimal"

// FloorToStep rounds a quantity toward zero to the venue step size.
// Decimal arithmetic keeps values exactly on a step exact (a no-op).
func FloorToStep(value, step float64) float64 {
	if step <= 0 || value <= 0 {
		return value
	}
	v := decimal.NewFromFloat(value)
	s := decimal.NewFromFloat(step)
	f, _ := v.Div(s).Floor().Mul(s).Float64()
	return f
}

// FloorToTick rounds a price toward zero to the venue tick size.
func FloorToTick(price, tick float64) float64 {
	return FloorToStep(price, tick)
}

// FormatDecimal renders a price or quantity without float artifacts, at the
// given maximum precision.
func FormatDecimal(value float64, precision int) string {
	if precision < 0 {
		precision = 8
	}
	return decimal.NewFromFloat(value).Round(int32(precision)).String()
}
