package chatmeter_test

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cm "github.com/ineyio/chatmeter"
)

func TestCalculateCost_ProModel(t *testing.T) {
	gpt4, err := cm.DefaultCatalog().Model("gpt-4")
	require.NoError(t, err)

	cost := cm.CalculateCost(gpt4, 1000, 500)
	assert.Equal(t, "0.06", cost.String())
	assert.Equal(t, int64(60_000), cm.CostMicros(cost))
}

func TestCalculateCost_Rounding(t *testing.T) {
	m := cm.AIModel{
		ID:              "cheap",
		Provider:        "p",
		InputCostPer1K:  decimal.RequireFromString("0.00006"),
		OutputCostPer1K: decimal.RequireFromString("0.0015"),
	}

	// 0.00000006 rounds away at six places.
	assert.True(t, cm.CalculateCost(m, 1, 0).IsZero())
	// 0.0000015 rounds half away from zero.
	assert.Equal(t, "0.000002", cm.CalculateCost(m, 0, 1).String())
	assert.Equal(t, "0.0015", cm.CalculateCost(m, 0, 1000).String())
}

func TestCalculateCost_NegativeCountsAreZero(t *testing.T) {
	gpt4, _ := cm.DefaultCatalog().Model("gpt-4")

	assert.True(t, cm.CalculateCost(gpt4, -10, -10).IsZero())
	assert.Equal(t, cm.CalculateCost(gpt4, 0, 500).String(), cm.CalculateCost(gpt4, -1, 500).String())
}

func TestCalculateCost_Monotonic(t *testing.T) {
	for _, m := range cm.DefaultCatalog().Models() {
		for _, base := range [][2]int64{{0, 0}, {1, 1}, {999, 1}, {12345, 6789}} {
			for _, delta := range []int64{0, 1, 7, 1000, 1_000_000} {
				lo := cm.CalculateCost(m, base[0], base[1])
				hi := cm.CalculateCost(m, base[0]+delta, base[1]+delta)
				assert.True(t, lo.LessThanOrEqual(hi), "%s %v +%d", m.ID, base, delta)
			}
		}
	}
}

func TestCalculateCost_LargeCounts(t *testing.T) {
	opus, _ := cm.DefaultCatalog().Model("claude-3-opus")

	cost := cm.CalculateCost(opus, 1<<40, 1<<40)
	assert.True(t, cost.IsPositive())
}

func TestMicrosRoundTrip(t *testing.T) {
	for _, s := range []string{"0", "0.000001", "0.06", "123.456789"} {
		d := decimal.RequireFromString(s)
		assert.True(t, d.Equal(cm.FromMicros(cm.CostMicros(d))), s)
	}
}

func TestCostMicros_Saturates(t *testing.T) {
	huge := decimal.RequireFromString("1e20")
	assert.Equal(t, int64(math.MaxInt64), cm.CostMicros(huge))
	assert.Equal(t, int64(math.MinInt64), cm.CostMicros(huge.Neg()))
	assert.Equal(t, int64(9_223_372_036_854_775_807), cm.CostMicros(decimal.RequireFromString("9223372036854.775807")))
}
