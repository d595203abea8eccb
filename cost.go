package chatmeter

import (
	"math"

	"github.com/shopspring/decimal"
)

// CostPrecision is the number of decimal places costs are rounded to.
const CostPrecision = 6

var thousand = decimal.NewFromInt(1000)

// CalculateCost prices an exchange from the model's per-1000-token prices,
// rounded to CostPrecision places. Negative counts are treated as zero.
func CalculateCost(model AIModel, inputTokens, outputTokens int64) decimal.Decimal {
	in := decimal.NewFromInt(max(inputTokens, 0)).Mul(model.InputCostPer1K).Div(thousand)
	out := decimal.NewFromInt(max(outputTokens, 0)).Mul(model.OutputCostPer1K).Div(thousand)
	return in.Add(out).Round(CostPrecision)
}

var (
	maxMicros = decimal.NewFromInt(math.MaxInt64)
	minMicros = decimal.NewFromInt(math.MinInt64)
)

// CostMicros converts a cost to integer micro-units for storage.
// Anything below one micro-unit is rounded away. Storage holds int64 micros,
// so costs beyond about 9.2e12 currency units saturate at the int64 bounds.
func CostMicros(cost decimal.Decimal) int64 {
	m := cost.Shift(CostPrecision).Round(0)
	switch {
	case m.GreaterThan(maxMicros):
		return math.MaxInt64
	case m.LessThan(minMicros):
		return math.MinInt64
	}
	return m.IntPart()
}

// FromMicros converts integer micro-units back to a cost.
func FromMicros(micros int64) decimal.Decimal {
	return decimal.New(micros, -CostPrecision)
}
